// Package constants defines the constants used across the pool server.
package constants

import "log/slog"

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the pool server command.
	CmdName = "ore-pool-server"

	// DefaultLogLevel is the default log level when no verbosity flag is set.
	DefaultLogLevel = slog.LevelWarn

	// DefaultListenPort is the port the HTTP API listens on inside the container.
	DefaultListenPort = 3000

	// DefaultMetricsPort is the port the Prometheus metrics server listens on.
	DefaultMetricsPort = 2112

	// DefaultKeypairPath is the default location of the pool authority keypair,
	// as produced by `solana-keygen new --outfile`.
	DefaultKeypairPath = "./secrets/ore-pool-authority.json"

	// DefaultRPCURL is the default Solana RPC endpoint.
	DefaultRPCURL = "http://localhost:8899"
)
