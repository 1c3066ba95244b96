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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	cfg        Config
	log        *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "experiments",
		Short: "Deterministic experiment assignment and page rewriting",
		Long: `experiments assigns visitors to A/B test variations from a YAML catalog,
applies the chosen variations' visual changes to HTML pages, and reports
each assignment once to the configured analytics sinks.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = cfg.Logger("experiments")
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.log == nil {
				return nil
			}
			return c.log.Close()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "experiments.yaml", "path to the configuration file")

	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and publish experiment catalogs",
	}
	catalogCmd.AddCommand(c.newValidateCmd(), c.newPublishCmd())

	root.AddCommand(
		c.newServeCmd(),
		c.newEvalCmd(),
		c.newRenderCmd(),
		catalogCmd,
	)
	return root
}
