// Package badger provides a graph.Store over an embedded BadgerDB key space.
package badger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zjrosen/strata/internal/log"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for the database files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs each commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio before a value log rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger routes BadgerDB's internal logging to the db category.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	log.Error(log.CatDB, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...any) {
	log.Warn(log.CatDB, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(format string, args ...any) {
	log.Debug(log.CatDB, strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Debugf(string, ...any) {}

// DB wraps a BadgerDB handle with its GC loop.
type DB struct {
	db     *badger.DB
	seq    *badger.Sequence
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens the database described by cfg.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	seq, err := bdb.GetSequence([]byte(seqKey), 128)
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("failed to acquire sequence: %w", err)
	}

	db := &DB{db: bdb, seq: seq}
	if err := db.indexExisting(); err != nil {
		_ = seq.Release()
		_ = bdb.Close()
		return nil, fmt.Errorf("failed to index entity properties: %w", err)
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.doneGC = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	log.Debug(log.CatDB, "badger ready", "path", cfg.Path, "inMemory", cfg.InMemory)
	return db, nil
}

// Store returns the graph store over this database. Closing the store
// closes the database.
func (d *DB) Store() *Store {
	return &Store{db: d}
}

// Close stops GC, releases the sequence lease and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
		d.stopGC = nil
	}
	if err := d.seq.Release(); err != nil {
		log.ErrorErr(log.CatDB, "failed to release sequence", err)
	}
	return d.db.Close()
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.ErrorErr(log.CatDB, "value log gc failed", err)
			}
		}
	}
}
