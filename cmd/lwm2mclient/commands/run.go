package commands

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samsamfire/lwm2mclient/internal/demomodel"
	"github.com/samsamfire/lwm2mclient/pkg/clock"
	"github.com/samsamfire/lwm2mclient/pkg/client"
	"github.com/samsamfire/lwm2mclient/pkg/codec"
	"github.com/samsamfire/lwm2mclient/pkg/config"
	"github.com/samsamfire/lwm2mclient/pkg/transport"
	"github.com/spf13/cobra"
)

var (
	serverAddr   string
	endpointName string
	manufacturer string
	modelNumber  string
	firmware     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with an LwM2M server and serve device-management requests",
	Long: `run connects to an LwM2M server over UDP, registers an endpoint
backed by a small in-memory Device+Server object tree, and answers
device-management requests against it until interrupted.

Examples:
  lwm2mclient run --server 127.0.0.1:5683 --endpoint demo-client
  lwm2mclient run --server lwm2m.example.org:5683 --endpoint demo-client --provisioning seed.ini`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&serverAddr, "server", "127.0.0.1:5683", "LwM2M server host:port")
	runCmd.Flags().StringVar(&endpointName, "endpoint", "lwm2mclient-demo", "LwM2M endpoint client name")
	runCmd.Flags().StringVar(&manufacturer, "manufacturer", "samsamfire", "Device object manufacturer resource")
	runCmd.Flags().StringVar(&modelNumber, "model", "lwm2mclient", "Device object model-number resource")
	runCmd.Flags().StringVar(&firmware, "firmware", Version, "Device object firmware-version resource")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve server address %q: %w", serverAddr, err)
	}

	cfg := config.Default(endpointName)
	hasBootstrapData := false
	if provisioningFile != "" {
		prov, err := config.LoadProvisioningFile(provisioningFile)
		if err != nil {
			return fmt.Errorf("load provisioning file: %w", err)
		}
		// demomodel is a fixed object tree whose instances cannot be
		// created (see internal/demomodel's doc comment), so a provisioning file only
		// tells the client to skip straight to registration here; a host
		// with a real, writable Model would seed its Security/Server
		// instances from prov before this point.
		logger.Info("provisioning file loaded", "security_instances", len(prov.Security), "server_instances", len(prov.Server))
		hasBootstrapData = true
	}

	c := client.New(client.Options{
		SSID:              1,
		Endpoint:          cfg.EndpointName,
		Clock:             clock.NewReal(),
		Transport:         transport.NewUDP(raddr, logger),
		Codec:             codec.New(),
		Model:             demomodel.New(manufacturer, modelNumber, firmware),
		Logger:            logger,
		HasBootstrapData:  hasBootstrapData,
		QueueModeTimeout:  cfg.QueueModeTimeoutMs,
		SendQueueCapacity: 16,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lastStatus := c.Status()
	logger.Info("lwm2m client starting", "endpoint", cfg.EndpointName, "server", serverAddr)

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return nil
		default:
		}

		status, _ := c.Poll()
		if status != lastStatus {
			logger.Info("status changed", "status", status.String())
			lastStatus = status
		}
		time.Sleep(50 * time.Millisecond)
	}
}
