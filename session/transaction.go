package session

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/kydenul/k-rdb/query"
	"github.com/kydenul/k-rdb/stream"
	"github.com/kydenul/k-rdb/transport"
)

type txnState int

const (
	txnBegun txnState = iota
	txnCommitted
	txnRolledBack
	txnFailed
)

// Transaction is one logical unit of work bound to a leased session: either
// a read-only transaction pinned to a timestamp, or a read-write transaction
// with begin/commit semantics. It is exclusively owned by the caller that
// obtained it until a terminal state releases the session back to the pool.
//
// A read-write transaction whose commit is classified Aborted keeps its
// session; the owner restarts it on a fresh handle with ResetForRetry.
type Transaction struct {
	pool *Pool
	sess *Session

	readOnly bool

	mu            sync.Mutex
	state         txnState
	id            []byte
	readTimestamp time.Time
	beginTime     time.Time
	timeout       time.Duration
	attempts      int
	released      bool
}

func newReadWrite(p *Pool, s *Session, meta *transport.Transaction) *Transaction {
	return &Transaction{
		pool:      p,
		sess:      s,
		id:        meta.ID,
		beginTime: time.Now(),
	}
}

func newReadOnly(p *Pool, s *Session, meta *transport.Transaction) *Transaction {
	return &Transaction{
		pool:          p,
		sess:          s,
		readOnly:      true,
		id:            meta.ID,
		readTimestamp: meta.ReadTimestamp,
		beginTime:     time.Now(),
	}
}

// ID returns the backend transaction handle.
func (t *Transaction) ID() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.id))
	copy(out, t.id)
	return out
}

// ReadOnly reports whether the transaction is read-only.
func (t *Transaction) ReadOnly() bool { return t.readOnly }

// Session returns the session the transaction is bound to.
func (t *Transaction) Session() *Session { return t.sess }

// ReadTimestamp returns the timestamp a read-only transaction is pinned to.
func (t *Transaction) ReadTimestamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readTimestamp
}

// BeginTime returns the start of the transaction's retry window.
func (t *Transaction) BeginTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginTime
}

// Timeout returns the retry window duration; zero means the owner set none.
func (t *Transaction) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// Attempts counts how often the transaction restarted after an abort.
func (t *Transaction) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// SetRetryWindow records the wall-clock window the abort-retry loop is
// allowed to run in. begin is the owning call's invocation start, which may
// predate the backend begin.
func (t *Transaction) SetRetryWindow(begin time.Time, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.beginTime = begin
	t.timeout = timeout
}

// selector scopes requests to this transaction's backend handle.
func (t *Transaction) selector() (*transport.TransactionSelector, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released || t.state != txnBegun {
		return nil, ErrTxnFinished
	}
	if len(t.id) == 0 {
		return nil, ErrNotInTransaction
	}
	return &transport.TransactionSelector{ID: t.id}, nil
}

// Query runs a statement inside the transaction and streams its rows.
func (t *Transaction) Query(ctx context.Context, stmt query.Statement) iter.Seq2[stream.Row, error] {
	sel, err := t.selector()
	if err != nil {
		return stream.Fail[stream.Row](err)
	}

	mk := func(ctx context.Context, resumeToken []byte) iter.Seq2[*transport.PartialResultSet, error] {
		req, err := query.Encode(t.sess.Name(), stmt, sel)
		if err != nil {
			return stream.Fail[*transport.PartialResultSet](err)
		}
		req.ResumeToken = resumeToken
		return t.sess.tr.ExecuteStreamingSQL(ctx, req)
	}

	return stream.Rows(ctx, mk, &stream.Config{Logger: t.sess.logger})
}

// Update runs a DML statement inside a read-write transaction and returns
// the affected row count. DML is never resumed transparently: a transport
// failure surfaces directly so the owner can decide whether to retry the
// whole transaction.
func (t *Transaction) Update(ctx context.Context, stmt query.Statement) (int64, error) {
	if t.readOnly {
		return 0, ErrTxnReadOnly
	}
	sel, err := t.selector()
	if err != nil {
		return 0, err
	}

	req, err := query.Encode(t.sess.Name(), stmt, sel)
	if err != nil {
		return 0, err
	}

	var rowCount int64
	for prs, err := range t.sess.tr.ExecuteStreamingSQL(ctx, req) {
		if err != nil {
			if transport.IsSessionInvalid(err) {
				t.sess.MarkBad()
			}
			return 0, err
		}
		if prs.Stats != nil {
			rowCount = prs.Stats.RowCount
		}
	}
	t.sess.touch()
	return rowCount, nil
}

// Commit commits a read-write transaction. On success the session returns
// to the pool. An Aborted error keeps both the transaction and its session:
// the owner may ResetForRetry within its retry window. Any other error is
// terminal; the session is still released (healthy unless proven invalid).
func (t *Transaction) Commit(ctx context.Context) (time.Time, error) {
	if t.readOnly {
		return time.Time{}, ErrTxnReadOnly
	}

	t.mu.Lock()
	if t.released || t.state != txnBegun {
		t.mu.Unlock()
		return time.Time{}, ErrTxnFinished
	}
	id := t.id
	t.mu.Unlock()

	resp, err := t.sess.tr.Commit(ctx, &transport.CommitRequest{
		Session:       t.sess.Name(),
		TransactionID: id,
	})
	if err != nil {
		if transport.IsAborted(err) {
			return time.Time{}, err
		}
		if transport.IsSessionInvalid(err) {
			t.sess.MarkBad()
		}
		t.finish(txnFailed)
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.finish(txnCommitted)
	return resp.CommitTimestamp, nil
}

// Rollback abandons the transaction and releases its session. For read-only
// transactions it only releases; there is nothing to undo backend-side.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.released || t.state != txnBegun {
		t.mu.Unlock()
		return ErrTxnFinished
	}
	id := t.id
	t.mu.Unlock()

	if !t.readOnly && len(id) > 0 {
		err := t.sess.tr.Rollback(ctx, &transport.RollbackRequest{
			Session:       t.sess.Name(),
			TransactionID: id,
		})
		if err != nil {
			// The backend drops aborted transactions on its own; releasing
			// the session is what matters.
			t.sess.logger.Warnf("rollback of transaction on session %s failed: %v",
				t.sess.Name(), err)
		}
	}

	t.finish(txnRolledBack)
	return nil
}

// ResetForRetry restarts an aborted read-write transaction on the same
// session with a fresh backend handle. The retry window is preserved.
func (t *Transaction) ResetForRetry(ctx context.Context) error {
	if t.readOnly {
		return ErrTxnReadOnly
	}

	t.mu.Lock()
	if t.released || t.state != txnBegun {
		t.mu.Unlock()
		return ErrTxnFinished
	}
	t.mu.Unlock()

	meta, err := t.pool.beginReadWrite(ctx, t.sess)
	if err != nil {
		if transport.IsSessionInvalid(err) {
			t.sess.MarkBad()
		}
		t.finish(txnRolledBack)
		return err
	}

	t.mu.Lock()
	t.id = meta.ID
	t.attempts++
	t.mu.Unlock()
	return nil
}

// finish moves the transaction to a terminal state and releases the session
// exactly once.
func (t *Transaction) finish(state txnState) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.released = true
	t.mu.Unlock()

	t.pool.Release(t.sess)
}
