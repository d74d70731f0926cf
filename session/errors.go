package session

import (
	"errors"
	"fmt"
)

var (
	ErrNilTransport  = errors.New("transport cannot be nil")
	ErrNilSession    = errors.New("session cannot be nil")
	ErrPoolClosed    = errors.New("session pool is closed")
	ErrPoolExhausted = errors.New("session pool exhausted: no session available within the acquire timeout")

	ErrTxnNotBegun      = errors.New("transaction has not begun")
	ErrTxnFinished      = errors.New("transaction already committed or rolled back")
	ErrTxnReadOnly      = errors.New("operation requires a read-write transaction")
	ErrNotInTransaction = errors.New("transaction has no backend handle")
)

// LeakError aggregates the sessions still leased when the pool closed.
// Each entry identifies the checkout site (stack trace when leak tracking
// is enabled, session name otherwise).
type LeakError struct {
	Stacks []string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("%d session leak(s) found.", len(e.Stacks))
}
