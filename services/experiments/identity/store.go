// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

const (
	prefixAnon    = "anon/"
	prefixAttrs   = "attrs/"
	prefixTracked = "tracked/"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("identity store closed")

// Visitor is an anonymous visitor record.
type Visitor struct {
	AnonID    string    `json:"anonId"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Visits    int       `json:"visits"`
}

// Store persists visitors, their attributes and their tracked assignments.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db      *db
	anonTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Open opens the visitor database described by cfg.
func Open(cfg Config) (*Store, error) {
	d, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: d, anonTTL: cfg.AnonTTL, logger: logger, now: time.Now}, nil
}

// OpenInMemory opens a throwaway store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.close()
}

// Resolve returns the visitor for anonID, creating one when anonID is
// unknown (including expired). Any id that passes
// validation.ValidateIdentifier is kept, so ids minted by other SDKs stay
// stable; a fresh uuid is generated only for empty or unsafe ids. Every call counts as a
// visit and refreshes the record's TTL.
//
// The bool is true when a new visitor was created.
func (s *Store) Resolve(ctx context.Context, anonID string) (Visitor, bool, error) {
	if s.db.IsClosed() {
		return Visitor{}, false, ErrClosed
	}
	now := s.now().UTC()

	var v Visitor
	created := false
	err := s.db.update(ctx, func(txn *badger.Txn) error {
		created = false
		v = Visitor{}
		if anonID != "" && validation.ValidateIdentifier(anonID) == nil {
			found, err := getJSON(txn, prefixAnon+anonID, &v)
			if err != nil {
				return err
			}
			created = !found
		} else {
			anonID = uuid.NewString()
			created = true
		}
		if created {
			v = Visitor{AnonID: anonID, FirstSeen: now}
		}
		v.LastSeen = now
		v.Visits++
		return s.setJSON(txn, prefixAnon+anonID, v, s.anonTTL)
	})
	if err != nil {
		return Visitor{}, false, fmt.Errorf("resolve visitor: %w", err)
	}
	if created {
		s.logger.Debug("visitor created", slog.String("anon_id", v.AnonID))
	}
	return v, created, nil
}

// Visitor looks up anonID without counting a visit.
func (s *Store) Visitor(ctx context.Context, anonID string) (Visitor, bool, error) {
	if s.db.IsClosed() {
		return Visitor{}, false, ErrClosed
	}
	var v Visitor
	var found bool
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixAnon+anonID, &v)
		return err
	})
	return v, found, err
}

// SaveAttributes stores the targeting attributes last seen for id.
func (s *Store) SaveAttributes(ctx context.Context, id string, attrs map[string]any) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return s.setJSON(txn, prefixAttrs+id, attrs, 0)
	})
}

// Attributes returns the stored attributes for id, or nil.
func (s *Store) Attributes(ctx context.Context, id string) (map[string]any, error) {
	if s.db.IsClosed() {
		return nil, ErrClosed
	}
	var attrs map[string]any
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		_, err := getJSON(txn, prefixAttrs+id, &attrs)
		return err
	})
	return attrs, err
}

// Forget deletes everything stored about anonID except tracked assignments,
// which are keyed by unit value and removed with ForgetTracked.
func (s *Store) Forget(ctx context.Context, anonID string) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(prefixAnon + anonID)); err != nil {
			return err
		}
		return txn.Delete([]byte(prefixAttrs + anonID))
	})
}

// ForgetTracked removes every tracked assignment for one unit value, for
// example "anonId:<uuid>" or "id:<user>".
func (s *Store) ForgetTracked(ctx context.Context, unit, value string) (int, error) {
	if s.db.IsClosed() {
		return 0, ErrClosed
	}
	prefix := []byte(prefixTracked + unit + ":" + value + "|")
	var keys [][]byte
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = s.db.update(ctx, func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// TrackedCount returns the number of tracked assignments.
func (s *Store) TrackedCount(ctx context.Context) (int, error) {
	if s.db.IsClosed() {
		return 0, ErrClosed
	}
	prefix := []byte(prefixTracked)
	n := 0
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// TrackedSet returns an assignment.TrackedSet backed by the store.
func (s *Store) TrackedSet() *TrackedSet {
	return &TrackedSet{store: s}
}

// TrackedSet persists tracking keys. Share one across all identities to
// deduplicate analytics events for the lifetime of the database.
type TrackedSet struct {
	store *Store
}

// Add records key and reports whether it was new.
//
// Storage failures are logged and reported as new, so an event may be sent
// twice but is never silently dropped.
func (t *TrackedSet) Add(key string) bool {
	if t.store.db.IsClosed() {
		t.store.logger.Warn("tracked set used after close", slog.String("key", key))
		return true
	}
	added := false
	err := t.store.db.update(context.Background(), func(txn *badger.Txn) error {
		k := []byte(prefixTracked + key)
		_, err := txn.Get(k)
		switch {
		case err == nil:
			added = false
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		added = true
		return txn.Set(k, []byte(t.store.now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		t.store.logger.Error("failed to record tracked assignment",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return true
	}
	return added
}

var _ assignment.TrackedSet = (*TrackedSet)(nil)

func getJSON(txn *badger.Txn, key string, out any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	return err == nil, err
}

func (s *Store) setJSON(txn *badger.Txn, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	e := badger.NewEntry([]byte(key), data)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}
