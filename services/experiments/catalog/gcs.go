// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ParseGCSURL splits "gs://bucket/path/to/object" into bucket and object.
func ParseGCSURL(raw string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(raw, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// url: %q", raw)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs url needs a bucket and an object: %q", raw)
	}
	return bucket, object, nil
}

// GCSLoader reads and publishes a catalog object in Google Cloud Storage.
type GCSLoader struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSLoader creates a loader for gs://bucket/object.
//
// credentialsFile may be empty to use application default credentials.
// Extra client options are passed through, which lets tests point the
// client at an emulator.
func NewGCSLoader(ctx context.Context, bucket, object, credentialsFile string, opts ...option.ClientOption) (*GCSLoader, error) {
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSLoader{client: client, bucket: bucket, object: object}, nil
}

// URL returns the gs:// location of the catalog.
func (l *GCSLoader) URL() string {
	return "gs://" + l.bucket + "/" + l.object
}

// Load downloads the object and replaces the store's catalog with it.
func (l *GCSLoader) Load(ctx context.Context, store *Store) error {
	r, err := l.client.Bucket(l.bucket).Object(l.object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", l.URL(), err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", l.URL(), err)
	}
	return store.LoadBytes(data, l.URL())
}

// Publish validates a local catalog file and uploads it.
func (l *GCSLoader) Publish(ctx context.Context, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	if _, err := Parse(data); err != nil {
		return fmt.Errorf("%s: %w", localPath, err)
	}

	writer := l.client.Bucket(l.bucket).Object(l.object).NewWriter(ctx)
	writer.ContentType = "application/yaml"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write %s: %w", l.URL(), err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", l.URL(), err)
	}
	return nil
}

// Close releases the storage client.
func (l *GCSLoader) Close() error {
	return l.client.Close()
}
