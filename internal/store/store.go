// Package store is the persistence gateway over Postgres.
//
// Every durable collection of the supervisor lives behind this package:
// snapshots, baselines, rules, approvals, executions, alerts, audit, the
// kill-switch singleton, MFA challenges, collateral, and preferences.
//
// The gateway degrades instead of failing: if Postgres is unreachable at
// startup (or drops later), operations return ErrNotConnected and a
// watchdog retries with exponential backoff (15s doubling, capped at 15
// minutes). On reconnection the gateway fires OnReconnect so the engine can
// announce system:reconnected on the bus.
//
// Hot control-loop reads (latest snapshot, kill-switch, rules list) are
// cached with a 1-second TTL; writes that must never be lost (executions,
// audit) go straight through synchronously.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
)

// ErrNotConnected is returned by every operation while the gateway is in
// degraded mode. Callers treat it as retryable.
var ErrNotConnected = errors.New("store: not connected")

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-set update loses the race or
// the requested transition is not allowed.
var ErrConflict = errors.New("store: conflict")

const (
	hotReadTTL     = time.Second
	retryBase      = 15 * time.Second
	retryCap       = 15 * time.Minute
	defaultTimeout = 10 * time.Second
)

// Store is the persistence gateway. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	connected atomic.Bool

	// OnReconnect is invoked (from the watchdog goroutine) each time the
	// gateway transitions degraded → connected. Set before Connect.
	OnReconnect func()

	cacheMu sync.Mutex
	caches  map[string]cacheEntry

	watchdogMu      sync.Mutex
	watchdogRunning bool
	stopWatchdog    chan struct{}
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Open creates the gateway without touching the network. Call Connect to
// verify connectivity and initialize the schema.
func Open(url string, maxConns int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{
		db:           db,
		logger:       logger.With("component", "store"),
		caches:       make(map[string]cacheEntry),
		stopWatchdog: make(chan struct{}),
	}, nil
}

// Connect pings the database within the given timeout and creates the
// schema. Failure does not abort the process: the gateway enters degraded
// mode and the watchdog keeps retrying in the background.
func (s *Store) Connect(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("database unreachable, entering degraded mode", "error", err)
		s.startWatchdog()
		return ErrNotConnected
	}
	if err := s.initSchema(ctx); err != nil {
		s.logger.Warn("schema init failed, entering degraded mode", "error", err)
		s.startWatchdog()
		return ErrNotConnected
	}
	s.connected.Store(true)
	s.logger.Info("database connected")
	return nil
}

// Connected reports whether the gateway is currently usable.
func (s *Store) Connected() bool { return s.connected.Load() }

// Close stops the watchdog and closes the pool.
func (s *Store) Close() error {
	s.watchdogMu.Lock()
	select {
	case <-s.stopWatchdog:
	default:
		close(s.stopWatchdog)
	}
	s.watchdogMu.Unlock()
	return s.db.Close()
}

// startWatchdog launches the reconnect loop if one is not already running.
// Backoff starts at 15s and doubles up to 15 minutes.
func (s *Store) startWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if s.watchdogRunning {
		return
	}
	select {
	case <-s.stopWatchdog:
		return // store closed
	default:
	}
	s.watchdogRunning = true

	go func() {
		defer func() {
			s.watchdogMu.Lock()
			s.watchdogRunning = false
			s.watchdogMu.Unlock()
		}()

		delay := retryBase
		for {
			select {
			case <-s.stopWatchdog:
				return
			case <-time.After(delay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			err := s.db.PingContext(ctx)
			if err == nil {
				err = s.initSchema(ctx)
			}
			cancel()
			if err == nil {
				s.connected.Store(true)
				s.logger.Info("database reconnected")
				if s.OnReconnect != nil {
					s.OnReconnect()
				}
				return
			}
			s.logger.Warn("database still unreachable", "retry_in", delay, "error", err)
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		}
	}()
}

// markDisconnected flips to degraded mode and restarts the watchdog after a
// failed operation that looks like a connectivity loss.
func (s *Store) markDisconnected(err error) {
	if !s.connected.Load() {
		return
	}
	s.connected.Store(false)
	s.logger.Warn("database connection lost, entering degraded mode", "error", err)
	s.startWatchdog()
}

// guard is the common preamble of every operation.
func (s *Store) guard() error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// opErr classifies an operation error: connectivity failures flip the
// gateway into degraded mode, everything else passes through.
func (s *Store) opErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		s.markDisconnected(err)
	}
	return err
}

func (s *Store) cached(key string) (any, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	e, ok := s.caches[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (s *Store) setCache(key string, v any) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.caches[key] = cacheEntry{value: v, expires: time.Now().Add(hotReadTTL)}
}

func (s *Store) dropCache(key string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.caches, key)
}
