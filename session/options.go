package session

import (
	"fmt"
	"time"

	"github.com/kydenul/k-rdb/transport"
)

type tbMode int

const (
	strong tbMode = iota
	readTimestamp
	exactStaleness
	maxStaleness
)

// TimestampBound selects how fresh the data read by a read-only transaction
// must be. The zero value is a strong read.
type TimestampBound struct {
	mode tbMode
	ts   time.Time
	d    time.Duration
}

// StrongRead reads the freshest data visible to the backend.
func StrongRead() TimestampBound { return TimestampBound{mode: strong} }

// ReadTimestamp reads the database state at exactly t.
func ReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: readTimestamp, ts: t}
}

// ExactStaleness reads the state exactly d old.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: exactStaleness, d: d}
}

// MaxStaleness reads a state no older than d, letting the backend pick the
// freshest timestamp it can serve locally.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: maxStaleness, d: d}
}

// Options formats the bound into its wire shape. Every layer that needs a
// read-only transaction clause goes through this one routine.
func (tb TimestampBound) Options() *transport.ReadOnlyOptions {
	opts := &transport.ReadOnlyOptions{ReturnReadTimestamp: true}
	switch tb.mode {
	case readTimestamp:
		opts.ReadTimestamp = tb.ts
	case exactStaleness:
		opts.ExactStaleness = tb.d
	case maxStaleness:
		opts.MaxStaleness = tb.d
	default:
		opts.Strong = true
	}
	return opts
}

// SingleUse formats the bound as an inline single-use transaction selector,
// the form used by plain queries that never begin explicitly.
func (tb TimestampBound) SingleUse() *transport.TransactionSelector {
	return &transport.TransactionSelector{
		SingleUse: &transport.TransactionOptions{ReadOnly: tb.Options()},
	}
}

func (tb TimestampBound) String() string {
	switch tb.mode {
	case readTimestamp:
		return fmt.Sprintf("(readTimestamp: %s)", tb.ts.Format(time.RFC3339Nano))
	case exactStaleness:
		return fmt.Sprintf("(exactStaleness: %s)", tb.d)
	case maxStaleness:
		return fmt.Sprintf("(maxStaleness: %s)", tb.d)
	default:
		return "(strong)"
	}
}
