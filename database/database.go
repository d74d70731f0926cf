// Package database is the caller-facing orchestrator: it composes the
// session pool, the query encoder and the resumable result stream into the
// run / run-stream / run-transaction surface of the client.
package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kydenul/log"

	"github.com/kydenul/k-rdb/internal/discardlog"
	"github.com/kydenul/k-rdb/query"
	"github.com/kydenul/k-rdb/session"
	"github.com/kydenul/k-rdb/stream"
	"github.com/kydenul/k-rdb/transport"
)

// DefaultTransactionTimeout is the implicit ceiling of the abort-retry
// window when the caller sets no explicit timeout.
const DefaultTransactionTimeout = time.Hour

const (
	defaultInitialRetryDelay = 50 * time.Millisecond
	defaultMaxRetryDelay     = 10 * time.Second
)

var ErrNilTransport = errors.New("transport cannot be nil")

// Config holds database client configuration.
type Config struct {
	// Pool configures the session pool. Nil uses session.DefaultConfig.
	Pool *session.Config `mapstructure:"pool"`

	// Logger is an optional custom logger. If nil, DiscardLog will be used.
	Logger log.Logger `mapstructure:"-"`
}

// Database is a handle to one backing database. It owns a session pool and
// drives every query and transaction through it; callers never touch pool
// membership directly.
type Database struct {
	name   string
	tr     transport.Transport
	pool   *session.Pool
	logger log.Logger
}

// New creates a Database for the named backend database over the given
// transport and asynchronously warms its session pool. The caller must
// Close the database to release backend sessions.
func New(ctx context.Context, name string, tr transport.Transport, cfg *Config) (*Database, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}

	var logger log.Logger
	var poolCfg *session.Config
	if cfg != nil {
		logger = cfg.Logger
		poolCfg = cfg.Pool
	}
	if logger == nil {
		logger = discardlog.NewDiscardLog()
	}
	if poolCfg == nil {
		poolCfg = session.DefaultConfig()
	}
	if poolCfg.Logger == nil {
		poolCfg.Logger = logger
	}

	pool, err := session.NewPool(tr, name, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session pool: %w", err)
	}
	pool.Open(ctx)

	logger.Infof("database client initialized: %s", name)

	return &Database{
		name:   name,
		tr:     tr,
		pool:   pool,
		logger: logger,
	}, nil
}

// Name returns the fully-qualified database name.
func (d *Database) Name() string { return d.name }

// Pool returns the session pool owned by the database.
func (d *Database) Pool() *session.Pool { return d.pool }

// OnError registers an observer for background errors (pool warm-up and
// keep-alive failures) that belong to no single in-flight call.
func (d *Database) OnError(fn func(error)) { d.pool.OnError(fn) }

// Leaks reports the acquisition sites of unreleased sessions; see
// session.Pool.Leaks.
func (d *Database) Leaks() []string { return d.pool.Leaks() }

// Close destroys all sessions. When sessions are still leased it returns a
// *session.LeakError identifying each leak.
func (d *Database) Close(ctx context.Context) error {
	return d.pool.Close(ctx)
}

// queryConfig collects per-query options.
type queryConfig struct {
	bound session.TimestampBound
}

// QueryOption customizes a single Run / RunStream call.
type QueryOption func(*queryConfig)

// WithTimestampBound sets the staleness bound of the single-use read-only
// transaction the query runs in. The default is a strong read.
func WithTimestampBound(tb session.TimestampBound) QueryOption {
	return func(qc *queryConfig) { qc.bound = tb }
}

// RunStream executes a query and lazily streams its rows. The session is
// leased from the pool for the duration of the iteration and stream
// interruptions are resumed transparently. The sequence is forward-only:
// it is not restartable once consumed or terminated by an error, and it
// yields at most one error.
func (d *Database) RunStream(ctx context.Context, stmt query.Statement, opts ...QueryOption) iter.Seq2[stream.Row, error] {
	qc := queryConfig{bound: session.StrongRead()}
	for _, opt := range opts {
		opt(&qc)
	}
	sel := qc.bound.SingleUse()

	return func(yield func(stream.Row, error) bool) {
		sess, err := d.pool.Take(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer d.pool.Release(sess)

		mk := func(ctx context.Context, resumeToken []byte) iter.Seq2[*transport.PartialResultSet, error] {
			req, err := query.Encode(sess.Name(), stmt, sel)
			if err != nil {
				return stream.Fail[*transport.PartialResultSet](err)
			}
			req.ResumeToken = resumeToken
			return d.tr.ExecuteStreamingSQL(ctx, req)
		}

		for row, err := range stream.Rows(ctx, mk, &stream.Config{Logger: d.logger}) {
			if err != nil {
				if transport.IsSessionInvalid(err) {
					sess.MarkBad()
				}
				yield(nil, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// Run executes a query and buffers all rows. The first stream error is
// returned with no rows.
func (d *Database) Run(ctx context.Context, stmt query.Statement, opts ...QueryOption) ([]stream.Row, error) {
	var rows []stream.Row
	for row, err := range d.RunStream(ctx, stmt, opts...) {
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// TransactionOptions customizes GetTransaction and RunTransaction.
type TransactionOptions struct {
	// ReadOnly selects a read-only transaction bound to TimestampBound.
	ReadOnly bool

	// TimestampBound is honored for read-only transactions only.
	TimestampBound session.TimestampBound

	// Timeout overrides DefaultTransactionTimeout as the abort-retry window
	// of a read-write transaction.
	Timeout time.Duration
}

// GetTransaction leases a session and hands the caller a transaction on it.
// Read-write transactions come pre-begun from the pool's write set.
// No retry happens at this layer; the caller owns the transaction until
// Commit or Rollback releases the session.
func (d *Database) GetTransaction(ctx context.Context, opts *TransactionOptions) (*session.Transaction, error) {
	if opts != nil && opts.ReadOnly {
		sess, err := d.pool.Take(ctx)
		if err != nil {
			return nil, err
		}
		txn, err := d.pool.CreateTransaction(ctx, sess, opts.TimestampBound)
		if err != nil {
			d.pool.Release(sess)
			return nil, err
		}
		return txn, nil
	}

	_, txn, err := d.pool.TakeWrite(ctx)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.Timeout > 0 {
		txn.SetRetryWindow(txn.BeginTime(), opts.Timeout)
	}
	return txn, nil
}

// RunTransaction executes fn inside a read-write transaction and commits
// it. A commit classified Aborted restarts fn from the top on a fresh
// handle bound to the same session; the loop is bounded by the wall-clock
// retry window recorded at invocation start, not by an attempt count.
// Exceeding the window fails with a DeadlineExceeded status error. An error
// returned by fn rolls the transaction back and surfaces unchanged.
func (d *Database) RunTransaction(ctx context.Context, opts *TransactionOptions, fn func(context.Context, *session.Transaction) error) (time.Time, error) {
	begin := time.Now()
	timeout := DefaultTransactionTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	deadline := begin.Add(timeout)

	_, txn, err := d.pool.TakeWrite(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to obtain read-write transaction: %w", err)
	}
	txn.SetRetryWindow(begin, timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialRetryDelay
	bo.MaxInterval = defaultMaxRetryDelay

	for {
		if err := fn(ctx, txn); err != nil {
			if rbErr := txn.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, session.ErrTxnFinished) {
				d.logger.Warnf("rollback after transaction function error failed: %v", rbErr)
			}
			return time.Time{}, err
		}

		ts, err := txn.Commit(ctx)
		if err == nil {
			d.logger.Debugf("transaction committed after %d attempt(s)", txn.Attempts()+1)
			return ts, nil
		}
		if !transport.IsAborted(err) {
			return time.Time{}, err
		}

		delay := bo.NextBackOff()
		if time.Now().Add(delay).After(deadline) {
			_ = txn.Rollback(ctx)
			return time.Time{}, transport.Errorf(transport.DeadlineExceeded,
				"transaction retry window of %s exhausted after %d attempt(s)",
				timeout, txn.Attempts()+1)
		}

		d.logger.Warnf("transaction aborted, restarting in %s (attempt %d)",
			delay, txn.Attempts()+1)

		if !sleepCtx(ctx, delay) {
			_ = txn.Rollback(ctx)
			return time.Time{}, ctx.Err()
		}
		if err := txn.ResetForRetry(ctx); err != nil {
			return time.Time{}, fmt.Errorf("failed to restart aborted transaction: %w", err)
		}
	}
}

// CreateSession creates a session outside the pool for advanced manual use.
// It returns the wrapped session together with the raw backend metadata.
// The caller owns its lifetime; the pool never reclaims it.
func (d *Database) CreateSession(ctx context.Context, labels map[string]string) (*session.Session, *transport.Session, error) {
	meta, err := d.tr.CreateSession(ctx, &transport.CreateSessionRequest{
		Database: d.name,
		Labels:   labels,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	sess, err := session.New(d.tr, meta, d.logger)
	if err != nil {
		return nil, nil, err
	}
	return sess, meta, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
