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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/catalog"
)

// errCatalogInvalid makes validate exit non-zero after printing its report.
var errCatalogInvalid = errors.New("catalog validation failed")

func (c *cli) newValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check catalog files for errors and suspicious definitions",
		Long: `Validate parses each catalog and reports structural errors, which stop
it from loading, and lint warnings for definitions the engine repairs or
ignores at runtime. With --strict warnings fail the command too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				if c.cfg.Catalog.Path == "" {
					return errors.New("no catalog file given")
				}
				files = []string{c.cfg.Catalog.Path}
			}

			p := newPrinter(cmd.OutOrStdout())
			failed := false
			for _, path := range files {
				p.Title(path)
				data, err := os.ReadFile(path)
				if err != nil {
					p.Error("%v", err)
					failed = true
					continue
				}
				cat, err := catalog.Parse(data)
				if err != nil {
					p.Error("%v", err)
					failed = true
					continue
				}
				warnings := cat.Lint()
				for _, w := range warnings {
					p.Warning("%s", w)
				}
				if strict && len(warnings) > 0 {
					failed = true
				}
				p.Success("%d experiments, %d overrides, %d warnings",
					len(cat.Experiments), len(cat.Overrides), len(warnings))
			}
			if failed {
				return errCatalogInvalid
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat lint warnings as errors")
	return cmd
}

func (c *cli) newPublishCmd() *cobra.Command {
	var (
		dest  string
		creds string
	)
	cmd := &cobra.Command{
		Use:   "publish <file>",
		Short: "Validate a catalog and upload it to Google Cloud Storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dest == "" {
				dest = c.cfg.Catalog.GCS
			}
			if creds == "" {
				creds = c.cfg.Catalog.GCSCredentials
			}
			if dest == "" {
				return errors.New("no destination: pass --to gs://bucket/object or set catalog.gcs")
			}
			bucket, object, err := catalog.ParseGCSURL(dest)
			if err != nil {
				return err
			}
			loader, err := catalog.NewGCSLoader(cmd.Context(), bucket, object, creds)
			if err != nil {
				return err
			}
			defer loader.Close()

			if err := loader.Publish(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("publish %s: %w", args[0], err)
			}
			newPrinter(cmd.OutOrStdout()).Success("published %s to %s", args[0], loader.URL())
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "to", "", "destination gs://bucket/object (default: catalog.gcs)")
	cmd.Flags().StringVar(&creds, "credentials", "", "service account key file (default: application credentials)")
	return cmd
}
