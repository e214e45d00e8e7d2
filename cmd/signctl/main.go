// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSign/pkg/logging"
	"github.com/AleutianAI/AleutianSign/services/signing/config"
)

var (
	cfgPath string
	verbose bool

	cfg    config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "signctl",
		Short: "A CLI to manage offline document signing sessions",
		Long: `signctl runs an offline-first signing engine on your own machine:
documents are encrypted at rest, every mutation is recorded in a
tamper-evident audit chain, and changes replicate to the signing
authority whenever the network allows.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sign.yaml"
	}
	return filepath.Join(home, ".aleutian-sign", "sign.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level := logging.LevelInfo
		if verbose {
			level = logging.LevelDebug
		}
		logger = logging.New(logging.Config{Level: level, Service: "signctl"})
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	}
}
