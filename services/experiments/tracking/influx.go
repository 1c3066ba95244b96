// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

// MeasurementAssignments is the InfluxDB measurement written per assignment.
const MeasurementAssignments = "experiment_assignments"

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `yaml:"url" env:"URL"`
	Token  string `yaml:"token" env:"TOKEN"`
	Org    string `yaml:"org" env:"ORG"`
	Bucket string `yaml:"bucket" env:"BUCKET"`
}

// Enabled reports whether enough is configured to write.
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// InfluxSink writes one point per tracked assignment.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

// NewInfluxSink creates a sink. It does not contact the server.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx sink needs a url and a bucket")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Record implements Sink.
func (s *InfluxSink) Record(ctx context.Context, a assignment.Assignment) error {
	p := influxdb2.NewPointWithMeasurement(MeasurementAssignments).
		AddTag("experiment", a.ExperimentKey).
		AddTag("variation", strconv.Itoa(a.VariationIndex)).
		AddTag("hash_attribute", a.HashAttribute).
		AddField("hash_value", a.HashValue).
		AddField("count", 1).
		SetTime(a.Timestamp)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write assignment point: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
