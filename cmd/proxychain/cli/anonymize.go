// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/proxychain/pkg/anonymizer"
	"github.com/go-core-stack/proxychain/pkg/config"
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize <upstream-url>",
	Short: "Open an ephemeral unauthenticated proxy in front of an upstream",
	Long: `Open an ephemeral local proxy (C8) that transparently chains every
request through <upstream-url>, hiding its embedded credentials from
whatever downstream client is pointed at the printed local URL.

Blocks until interrupted, then closes the entry.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnonymize,
}

func init() {
	rootCmd.AddCommand(anonymizeCmd)
}

func runAnonymize(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool := anonymizer.New(cfg.AnonymizerPortLow, cfg.AnonymizerPortHigh)

	localURL, err := pool.Open(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("open anonymized proxy: %w", err)
	}

	fmt.Println(localURL)
	log.Info().Str("local_url", localURL).Msg("anonymized proxy opened")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	pool.Close(localURL, true)
	log.Info().Str("local_url", localURL).Msg("anonymized proxy closed")
	return nil
}
