// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package cli is proxychain's cobra command tree: `serve` runs the
// forward/CONNECT engine (C7), `anonymize` is a one-shot wrapper
// around the anonymizer pool (C8).
package cli

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "proxychain",
	Short: "HTTP/HTTPS forward proxy engine",
	Long: `proxychain is a forward and CONNECT-tunneling HTTP proxy.

It forwards absolute-URI requests directly or through a chained
upstream proxy, tunnels CONNECT requests byte-for-byte, and can spin up
ephemeral unauthenticated local proxies that hide an upstream's
credentials from downstream clients.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to an optional YAML config file")
}
