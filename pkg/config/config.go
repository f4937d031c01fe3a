// Package config holds the client's opaque configuration struct (spec
// §6), its documented defaults, and a provisioning-file loader for
// seeding initial Security/Server Object instances.
package config

import "github.com/samsamfire/lwm2mclient/pkg/exchange"

// ConnectionStatusFunc is invoked on every lifecycle transition, mirroring
// spec §6's optional connection_status_cb/arg pair collapsed into a single
// Go closure (the arg is whatever the closure itself captures).
type ConnectionStatusFunc func(status string)

// Config is the opaque configuration struct spec §6 names. Every field
// documented there as optional has a zero value that Default fills in.
type Config struct {
	EndpointName string

	QueueModeEnabled    bool
	QueueModeTimeoutMs  int64

	UDPTxParams exchange.TxParams

	ExchangeRequestTimeoutMs int64
	ServerRequestTimeoutMs   int64

	BootstrapTimeoutMs     int64
	BootstrapRetryCount    int
	BootstrapRetryTimeoutS int64

	BootstrapOnRegistrationFailure bool

	ConnectionStatusCb ConnectionStatusFunc
}

// Default returns the documented defaults (spec §6): bootstrap_timeout=
// 247s, ack_timeout_ms=2000, ack_random_factor=1.5, max_retransmit=4,
// server-request-timeout=50000ms.
func Default(endpointName string) Config {
	return Config{
		EndpointName:             endpointName,
		QueueModeEnabled:         false,
		QueueModeTimeoutMs:       93_000,
		UDPTxParams:              exchange.DefaultTxParams(),
		ExchangeRequestTimeoutMs: 30_000,
		ServerRequestTimeoutMs:   50_000,
		BootstrapTimeoutMs:       247_000,
		BootstrapRetryCount:      5,
		BootstrapRetryTimeoutS:   60,
	}
}
