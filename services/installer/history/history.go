// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists the lifecycle of background transfers.
//
// # Problem Statement
//
// Install requests return 202 before the fetch runs, so the only way a
// later status query can explain "the file is absent because the fetch
// failed" is a durable record written by the download goroutine. An
// in-memory map loses that explanation on restart.
//
// # Solution
//
// A small Badger keyspace, one record per destination path, updated at
// queue time, on completion, and on failure. Status lookups read the
// record for a destination; everything else in the installer treats the
// store as best-effort (a history write failure is logged, never
// propagated into the transfer itself).
package history

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// State is the lifecycle phase of a recorded transfer.
type State string

const (
	StateQueued    State = "queued"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Record is the persisted view of one transfer, keyed by destination.
type Record struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	URL         string    `json:"url"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Expected    int64     `json:"expected_bytes"`
	Written     int64     `json:"written_bytes"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a Badger-backed transfer history.
type Store struct {
	db     *badger.DB
	logger *logging.Logger
}

const keyPrefix = "transfer:"

// Open opens (or creates) the history database at dir.
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger}).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a non-persistent store, used by tests.
func OpenInMemory(logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordQueued notes that a fetch for dest has been accepted.
func (s *Store) RecordQueued(dest, url string, expected int64) {
	s.put(Record{
		ID:          uuid.NewString(),
		Destination: dest,
		URL:         url,
		State:       StateQueued,
		Expected:    expected,
		UpdatedAt:   time.Now().UTC(),
	})
}

// RecordCompleted marks the transfer for dest as fully written.
func (s *Store) RecordCompleted(dest string, written int64) {
	rec, ok := s.Get(dest)
	if !ok {
		rec = Record{ID: uuid.NewString(), Destination: dest}
	}
	rec.State = StateCompleted
	rec.Reason = ""
	rec.Written = written
	rec.UpdatedAt = time.Now().UTC()
	s.put(rec)
}

// RecordFailed marks the transfer for dest as failed with a reason.
func (s *Store) RecordFailed(dest, url, reason string) {
	rec, ok := s.Get(dest)
	if !ok {
		rec = Record{ID: uuid.NewString(), Destination: dest, URL: url}
	}
	rec.State = StateFailed
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	s.put(rec)
}

// Get returns the record for a destination, if any.
func (s *Store) Get(dest string) (Record, bool) {
	var rec Record
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + dest))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	if err != nil {
		s.logger.Warn("history read failed", "destination", dest, "error", err)
		return Record{}, false
	}
	return rec, found
}

// LastFailure returns the failure record for a destination, if its most
// recent state is failed.
func (s *Store) LastFailure(dest string) (Record, bool) {
	rec, ok := s.Get(dest)
	if !ok || rec.State != StateFailed {
		return Record{}, false
	}
	return rec, true
}

func (s *Store) put(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("history encode failed", "destination", rec.Destination, "error", err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+rec.Destination), data)
	})
	if err != nil {
		s.logger.Warn("history write failed", "destination", rec.Destination, "error", err)
	}
}

// badgerLogger adapts Badger's logger interface onto the service logger.
// Badger is chatty at info level during compaction, so info maps to debug.
type badgerLogger struct {
	logger *logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error("badger: " + sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn("badger: " + sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.logger.Debug("badger: " + sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.logger.Debug("badger: " + sprintf(format, args...))
}

// sprintf formats and strips badger's trailing newlines.
func sprintf(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}
