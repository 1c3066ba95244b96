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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/catalog"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/reconcile"
)

// visitorFlags describe the visitor for eval and render.
type visitorFlags struct {
	catalogPath string
	id          string
	anonID      string
	url         string
	attrs       map[string]string
	forced      map[string]int
	groups      []string
}

func (v *visitorFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&v.catalogPath, "catalog", "", "catalog file (overrides the configured source)")
	f.StringVar(&v.id, "id", "", "user id")
	f.StringVar(&v.anonID, "anon-id", "", "anonymous id")
	f.StringVar(&v.url, "url", "", "page URL used for URL targeting and query-string overrides")
	f.StringToStringVar(&v.attrs, "attr", nil, "targeting attribute key=value (repeatable)")
	f.StringToIntVar(&v.forced, "force", nil, "force experiment=variation (repeatable)")
	f.StringSliceVar(&v.groups, "group", nil, "group the visitor belongs to (repeatable)")
}

// attributes converts flag values, keeping numbers and booleans typed so
// numeric targeting rules compare them as numbers.
func (v *visitorFlags) attributes() map[string]any {
	out := make(map[string]any, len(v.attrs))
	for k, s := range v.attrs {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out[k] = f
			continue
		}
		if b, err := strconv.ParseBool(s); err == nil {
			out[k] = b
			continue
		}
		out[k] = s
	}
	return out
}

func (v *visitorFlags) identity() assignment.IdentityOptions {
	return assignment.IdentityOptions{
		ID:         v.id,
		AnonID:     v.anonID,
		Attributes: v.attributes(),
		Groups:     v.groups,
	}
}

// loadStore loads the catalog for a one-shot command.
func (c *cli) loadStore(ctx context.Context, v *visitorFlags) (*catalog.Store, error) {
	cfg := c.cfg.Catalog
	if v.catalogPath != "" {
		cfg = CatalogConfig{Path: v.catalogPath}
	}
	logger := c.log.Slog()
	store := catalog.NewStore(logger)
	src, err := openCatalog(ctx, cfg, store, logger)
	if err != nil {
		return nil, err
	}
	_ = src.close()
	return store, nil
}

func (c *cli) newEvalCmd() *cobra.Command {
	var (
		v      visitorFlags
		asJSON bool
		dump   bool
	)
	cmd := &cobra.Command{
		Use:   "eval [experiment...]",
		Short: "Evaluate experiments for a visitor",
		Long: `Evaluate prints the variation each experiment assigns to the visitor
described by the flags. With no arguments every catalog experiment is
evaluated. Nothing is tracked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.loadStore(cmd.Context(), &v)
			if err != nil {
				return err
			}
			client := assignment.NewClient(
				assignment.WithCatalog(store),
				assignment.WithURL(v.url),
				assignment.WithQueryStringOverride(c.cfg.QueryStringOverride),
				assignment.WithQAMode(c.cfg.QAMode),
				assignment.WithProduction(c.cfg.Production),
				assignment.WithForcedVariations(v.forced),
			)
			id := client.NewIdentity(v.identity())
			defer id.Destroy()

			keys := args
			if len(keys) == 0 {
				for _, exp := range client.Experiments() {
					keys = append(keys, exp.Key)
				}
			}
			results := make([]assignment.Result, 0, len(keys))
			for _, key := range keys {
				res, _ := id.EvaluateKey(key)
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			switch {
			case dump:
				cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
				for i, res := range results {
					fmt.Fprintf(out, "%s: ", keys[i])
					cfg.Fdump(out, res)
				}
				return nil
			case asJSON:
				return writeResultsJSON(out, keys, results)
			}
			printResults(newPrinter(out), keys, results)
			return nil
		},
	}
	v.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&dump, "dump", false, "dump full results for debugging")
	return cmd
}

type jsonResult struct {
	Experiment string            `json:"experiment"`
	Variation  int               `json:"variation"`
	Value      any               `json:"value"`
	Reason     assignment.Reason `json:"reason"`
	HashUsed   bool              `json:"hashUsed"`
}

func writeResultsJSON(w io.Writer, keys []string, results []assignment.Result) error {
	out := make([]jsonResult, len(results))
	for i, res := range results {
		out[i] = jsonResult{
			Experiment: keys[i],
			Variation:  res.VariationIndex,
			Value:      res.Value,
			Reason:     res.Reason,
			HashUsed:   res.HashUsed,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printResults(p *printer, keys []string, results []assignment.Result) {
	rows := make([][]string, len(results))
	for i, res := range results {
		variation := "-"
		if res.VariationIndex >= 0 {
			variation = strconv.Itoa(res.VariationIndex)
		}
		rows[i] = []string{keys[i], variation, fmt.Sprint(res.Value), string(res.Reason)}
	}
	p.Table([]string{"EXPERIMENT", "VARIATION", "VALUE", "REASON"}, rows)
}

func (c *cli) newRenderCmd() *cobra.Command {
	var (
		v      visitorFlags
		output string
	)
	cmd := &cobra.Command{
		Use:   "render [file]",
		Short: "Apply auto experiments to an HTML page",
		Long: `Render parses an HTML page (a file, or stdin when omitted), activates
every auto experiment the visitor is assigned to, and writes the rewritten
page. Active experiments are listed on stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.loadStore(cmd.Context(), &v)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			doc, err := page.Parse(in, page.WithReady())
			if err != nil {
				return fmt.Errorf("parse page: %w", err)
			}

			engine := mutation.NewEngine(doc)
			defer engine.Close()
			client := assignment.NewClient(
				assignment.WithCatalog(store),
				assignment.WithURL(v.url),
				assignment.WithQueryStringOverride(c.cfg.QueryStringOverride),
				assignment.WithQAMode(c.cfg.QAMode),
				assignment.WithProduction(c.cfg.Production),
				assignment.WithForcedVariations(v.forced),
				assignment.WithMutationEngine(engine),
			)
			rec := reconcile.New(client)
			defer rec.Close()
			id := client.NewIdentity(v.identity())
			doc.Flush()

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := doc.Render(out); err != nil {
				return fmt.Errorf("render page: %w", err)
			}
			fmt.Fprintln(out)

			p := newPrinter(cmd.ErrOrStderr())
			active := rec.Active(id)
			if len(active) == 0 {
				p.Muted("no experiments active")
			}
			for _, key := range active {
				variation, _ := rec.Variation(id, key)
				p.Success("%s → variation %d", key, variation)
			}
			return nil
		},
	}
	v.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the page to a file instead of stdout")
	return cmd
}
