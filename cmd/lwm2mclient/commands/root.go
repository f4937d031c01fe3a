// Package commands implements the lwm2mclient CLI.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	provisioningFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lwm2mclient",
	Short: "lwm2mclient - LwM2M client SDK demo",
	Long: `lwm2mclient drives a small demonstration LwM2M client against a real
LwM2M server: it registers, answers device-management requests against
an in-memory Device+Server object tree, and logs its lifecycle
status on stderr.

Use "lwm2mclient [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&provisioningFile, "provisioning", "", "provisioning INI file seeding initial Security/Server instances")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
