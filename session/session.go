// Package session provides the leased backend execution contexts of the
// client: sessions, the bounded pool that owns them, and the transactions
// that run on them.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kydenul/log"

	"github.com/kydenul/k-rdb/internal/discardlog"
	"github.com/kydenul/k-rdb/transport"
)

// Session is one backend execution context. The pool owns it; callers hold
// a temporary lease and must return it through Release (or through the
// terminal state of a Transaction bound to it).
//
// A session carries at most one active transaction at a time.
type Session struct {
	name   string
	tr     transport.Transport
	logger log.Logger
	meta   *transport.Session

	lastUsed  atomic.Int64 // unix nanos
	idleSince atomic.Int64 // unix nanos, 0 while leased
	bad       atomic.Bool

	// pendingTxn is a pre-begun read-write transaction handle, set while the
	// session sits in the pool's write-idle set.
	pendingTxn *transport.Transaction
}

// New wraps backend session metadata into a client Session. Pooled sessions
// are created internally; New is the entry point for direct, un-pooled
// session creation.
func New(tr transport.Transport, meta *transport.Session, logger log.Logger) (*Session, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if meta == nil {
		return nil, ErrNilSession
	}
	if logger == nil {
		logger = discardlog.NewDiscardLog()
	}

	s := &Session{
		name:   meta.Name,
		tr:     tr,
		logger: logger,
		meta:   meta,
	}
	s.touch()
	return s, nil
}

// Name returns the backend-assigned session identity.
func (s *Session) Name() string { return s.name }

// Metadata returns the backend creation metadata last seen for the session.
func (s *Session) Metadata() *transport.Session { return s.meta }

// MarkBad flags the session so the pool destroys it instead of reusing it.
func (s *Session) MarkBad() { s.bad.Store(true) }

func (s *Session) isBad() bool { return s.bad.Load() }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) lastUsedAt() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// ping verifies the session is still alive backend-side by draining a
// trivial strong read scoped to it.
func (s *Session) ping(ctx context.Context) error {
	req := &transport.ExecuteSQLRequest{
		Session:     s.name,
		SQL:         "SELECT 1",
		Transaction: StrongRead().SingleUse(),
	}
	for _, err := range s.tr.ExecuteStreamingSQL(ctx, req) {
		if err != nil {
			return err
		}
	}
	s.touch()
	return nil
}

// destroy deletes the session backend-side. Safe to call on sessions the
// backend already dropped.
func (s *Session) destroy(ctx context.Context) error {
	err := s.tr.DeleteSession(ctx, &transport.DeleteSessionRequest{Name: s.name})
	if err != nil && !transport.IsSessionInvalid(err) {
		return err
	}
	return nil
}
