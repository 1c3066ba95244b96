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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/config/key-123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetcher_List(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"status":200,"experiments":[
		{"key":"a","variations":[{"value":0},{"value":1}]},
		{"key":"b","variations":[{"value":"x"},{"value":"y"}],"coverage":0.5}
	],"overrides":{"a":{"status":"stopped"}}}`)

	s := newTestStore()
	f := NewFetcher("key-123", s, WithHost(srv.URL+"/"))
	assert.Equal(t, srv.URL+"/config/key-123", f.URL())

	ok, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, s.Experiments(), 2)
	assert.Equal(t, "b", s.Experiments()[1].Key)
	assert.Contains(t, s.Overrides(), "a")
	assert.Equal(t, f.URL(), s.Source())
}

func TestFetcher_KeyedObject(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{"status":200,"experiments":{
		"zeta":{"variations":[{"value":0},{"value":1}]},
		"alpha":{"variations":[{"value":0},{"value":1}],"auto":true}
	}}`)

	s := newTestStore()
	ok, err := NewFetcher("key-123", s, WithHost(srv.URL)).Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	exps := s.Experiments()
	require.Len(t, exps, 2)
	assert.Equal(t, "alpha", exps[0].Key)
	assert.True(t, exps[0].Auto)
	assert.Equal(t, "zeta", exps[1].Key)
}

func TestFetcher_RejectsAndKeepsPrevious(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"payload status", http.StatusOK, `{"status":400,"experiments":[]}`, ErrStatusNotOK},
		{"missing experiments", http.StatusOK, `{"status":200}`, ErrStatusNotOK},
		{"http error", http.StatusInternalServerError, `{"status":200,"experiments":[]}`, ErrStatusNotOK},
		{"not json", http.StatusOK, `<html>`, ErrInvalidCatalog},
		{"invalid catalog", http.StatusOK, `{"status":200,"experiments":[{"key":"a","variations":[{"value":0}]}]}`, ErrInvalidCatalog},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := serve(t, tt.status, tt.body)

			s := newTestStore()
			require.NoError(t, s.LoadBytes([]byte(twoExperiments), "local"))

			ok, err := NewFetcher("key-123", s, WithHost(srv.URL)).Fetch(context.Background())
			assert.False(t, ok)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "local", s.Source())
			assert.Len(t, s.Experiments(), 2)
		})
	}
}

func TestFetcher_TransportError(t *testing.T) {
	srv, _ := serve(t, http.StatusOK, `{}`)
	srv.Close()

	ok, err := NewFetcher("key-123", newTestStore(), WithHost(srv.URL)).Fetch(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestFetcher_Poll(t *testing.T) {
	srv, hits := serve(t, http.StatusOK, `{"status":200,"experiments":[{"key":"a","variations":[{"value":0},{"value":1}]}]}`)

	s := newTestStore()
	f := NewFetcher("key-123", s, WithHost(srv.URL), WithHTTPClient(srv.Client()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Poll(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, s.Version(), uint64(3))
}

func TestParseGCSURL(t *testing.T) {
	bucket, object, err := ParseGCSURL("gs://experiments/prod/catalog.yaml")
	require.NoError(t, err)
	assert.Equal(t, "experiments", bucket)
	assert.Equal(t, "prod/catalog.yaml", object)

	for _, bad := range []string{"s3://a/b", "gs://bucket", "gs:///object", "gs://bucket/"} {
		_, _, err := ParseGCSURL(bad)
		assert.Error(t, err, bad)
	}
}
