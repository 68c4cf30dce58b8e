// Package badgerstore implements the chart store on an embedded badger
// database. Each record lives under chart/<owner>/<kind> in the
// user_chart_data JSON layout.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/celerix-dev/celerix-charts/pkg/chart"
)

const (
	keyPrefix = "chart/"
	// maxConflictRetries bounds the retries of a write transaction that lost
	// a race with another writer of the same key.
	maxConflictRetries = 32
	gcInterval         = 5 * time.Minute
	gcDiscardRatio     = 0.5
)

// Store is a chart store backed by badger.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	stopGC chan struct{}
	gcDone chan struct{}
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now for stamping records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// Info and debug chatter of badger is dropped.
func (l *badgerLogger) Infof(string, ...interface{})  {}
func (l *badgerLogger) Debugf(string, ...interface{}) {}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		bopts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: s.logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s.db = db

	if dir != "" {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC()
	}
	return s, nil
}

func (s *Store) runGC() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

func recordKey(owner string, kind chart.Kind) []byte {
	return []byte(ownerPrefix(owner) + string(kind))
}

func ownerPrefix(owner string) string {
	return keyPrefix + url.PathEscape(owner) + "/"
}

// update runs fn in a write transaction, retrying on conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) Save(_ context.Context, owner string, kind chart.Kind, payload chart.Payload) (*chart.Record, error) {
	if owner == "" {
		return nil, chart.Fail("save", errors.New("owner is required"))
	}
	if !kind.Valid() {
		return nil, chart.Fail("save", fmt.Errorf("%w: %q", chart.ErrUnknownKind, kind))
	}
	if payload == nil || payload.Kind() != kind {
		return nil, chart.Fail("save", fmt.Errorf("payload does not match %s", kind))
	}
	if err := chart.ValidatePayload(payload); err != nil {
		return nil, chart.Fail("save", err)
	}

	var saved *chart.Record
	err := s.update(func(txn *badger.Txn) error {
		now := chart.Stamp(s.now())
		rec := &chart.Record{Owner: owner, Kind: kind, Payload: payload.Clone(), CreatedAt: now, UpdatedAt: now}

		prev, err := getRecord(txn, recordKey(owner, kind))
		if err != nil && !errors.Is(err, chart.ErrNotFound) {
			return err
		}
		if prev != nil {
			rec.CreatedAt = prev.CreatedAt
			if now.Before(prev.UpdatedAt) {
				rec.UpdatedAt = prev.UpdatedAt
			}
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		return nil, chart.Fail("save", err)
	}
	return saved, nil
}

func (s *Store) Import(_ context.Context, rec *chart.Record) error {
	if rec == nil {
		return chart.Fail("import", errors.New("nil record"))
	}
	if err := rec.Validate(); err != nil {
		return chart.Fail("import", err)
	}
	return chart.Fail("import", s.update(func(txn *badger.Txn) error {
		return putRecord(txn, rec)
	}))
}

func (s *Store) Load(_ context.Context, owner string, kind chart.Kind) (*chart.Record, error) {
	var rec *chart.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, recordKey(owner, kind))
		return err
	})
	if err != nil {
		return nil, chart.Fail("load", err)
	}
	return rec, nil
}

func (s *Store) ListOwners(_ context.Context) ([]string, error) {
	owners := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			escaped, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			owner, err := url.PathUnescape(escaped)
			if err != nil {
				s.logger.Warn("skipping chart key with invalid owner", "key", string(it.Item().Key()))
				continue
			}
			if len(owners) == 0 || owners[len(owners)-1] != owner {
				owners = append(owners, owner)
			}
		}
		return nil
	})
	if err != nil {
		return nil, chart.Fail("list owners", err)
	}
	// Keys sort by escaped owner; the escaping may reorder owners.
	slices.Sort(owners)
	return slices.Compact(owners), nil
}

func (s *Store) ListByOwner(_ context.Context, owner string) ([]*chart.Record, error) {
	var list []*chart.Record
	err := s.db.View(func(txn *badger.Txn) error {
		for _, kind := range chart.Kinds {
			rec, err := getRecord(txn, recordKey(owner, kind))
			if errors.Is(err, chart.ErrNotFound) {
				continue
			}
			if err != nil {
				s.logger.Warn("skipping unreadable chart record", "owner", owner, "kind", kind, "error", err)
				continue
			}
			list = append(list, rec)
		}
		return nil
	})
	if err != nil {
		return nil, chart.Fail("list", err)
	}
	return list, nil
}

func getRecord(txn *badger.Txn, key []byte) (*chart.Record, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, chart.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec chart.Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *chart.Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.Owner, rec.Kind), val)
}
