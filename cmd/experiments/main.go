// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command experiments serves and inspects experiment assignments.
//
// Usage:
//
//	experiments serve
//	experiments eval --id u1 --attr plan=pro checkout
//	experiments render --id u1 --url https://example.com/pricing page.html
//	experiments catalog validate experiments.catalog.yaml
//	experiments catalog publish experiments.catalog.yaml
//
// Configuration is read from experiments.yaml (see --config) and then
// from EXPERIMENTS_* environment variables, for example:
//
//	EXPERIMENTS_LISTEN=:9090
//	EXPERIMENTS_CATALOG_PATH=./catalog.yaml
//	EXPERIMENTS_TRACKING_HOST=https://analytics.example.com
//	EXPERIMENTS_TELEMETRY_TRACES_EXPORTER=otlp
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
