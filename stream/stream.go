// Package stream reassembles streamed partial results into rows and hides
// transient stream interruptions behind resume tokens. Consumers see one
// contiguous, forward-only row sequence: no duplicated and no dropped rows
// across a resume boundary.
package stream

import (
	"context"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kydenul/log"

	"github.com/kydenul/k-rdb/internal/discardlog"
	"github.com/kydenul/k-rdb/transport"
)

const (
	DefaultMaxResumeRetries = 10
	DefaultMaxBufferedRows  = 512

	defaultInitialResumeDelay = 20 * time.Millisecond
	defaultMaxResumeDelay     = 2 * time.Second
)

// Row is one decoded result row, in column order.
type Row []any

// MakeRequestFunc issues the underlying streaming call. A non-nil
// resumeToken asks the backend to restart after the last delivered point.
type MakeRequestFunc func(ctx context.Context, resumeToken []byte) iter.Seq2[*transport.PartialResultSet, error]

// Config tunes resumption behavior. The zero value is usable.
type Config struct {
	// MaxResumeRetries bounds how often a single stream is transparently
	// restarted before the error is surfaced to the consumer.
	MaxResumeRetries int

	// MaxBufferedRows bounds how many assembled rows are held back while
	// waiting for a resume token. When exceeded, rows are flushed to the
	// consumer and resumption stays disabled until the next token arrives.
	MaxBufferedRows int

	// Logger is an optional custom logger. If nil, DiscardLog will be used.
	Logger log.Logger
}

func (c *Config) withDefaults() Config {
	out := Config{
		MaxResumeRetries: DefaultMaxResumeRetries,
		MaxBufferedRows:  DefaultMaxBufferedRows,
		Logger:           discardlog.NewDiscardLog(),
	}
	if c == nil {
		return out
	}
	if c.MaxResumeRetries > 0 {
		out.MaxResumeRetries = c.MaxResumeRetries
	}
	if c.MaxBufferedRows > 0 {
		out.MaxBufferedRows = c.MaxBufferedRows
	}
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	return out
}

func newResumeBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultInitialResumeDelay
	bo.MaxInterval = defaultMaxResumeDelay
	return bo
}

// Rows wraps mk into a lazy row sequence. The sequence is forward-only: it
// terminates after full consumption or after yielding exactly one error.
// Stopping iteration (or cancelling ctx) halts any pending resume attempt.
func Rows(ctx context.Context, mk MakeRequestFunc, cfg *Config) iter.Seq2[Row, error] {
	conf := cfg.withDefaults()

	return func(yield func(Row, error) bool) {
		var (
			dec         decoder
			resumeToken []byte
			buffered    []Row
			resumable   = true
			attempts    int
		)
		bo := newResumeBackoff()

	restart:
		for {
			for prs, err := range mk(ctx, resumeToken) {
				if err != nil {
					if resumable && transport.IsResumable(err) && attempts < conf.MaxResumeRetries {
						attempts++
						conf.Logger.Warnf("stream interrupted, resuming (attempt %d/%d): %v",
							attempts, conf.MaxResumeRetries, err)

						if !sleepCtx(ctx, bo.NextBackOff()) {
							yield(nil, ctx.Err())
							return
						}

						// The backend replays everything after the stored
						// token, so unyielded state is rebuilt from scratch.
						dec.reset()
						buffered = buffered[:0]
						continue restart
					}

					conf.Logger.Errorf("stream failed: %v", err)
					yield(nil, err)
					return
				}

				rows, err := dec.consume(prs)
				if err != nil {
					yield(nil, err)
					return
				}
				buffered = append(buffered, rows...)

				if len(prs.ResumeToken) > 0 {
					// Everything up to here is replayable from the new
					// token; safe to hand rows to the consumer.
					resumeToken = prs.ResumeToken
					resumable = true
					attempts = 0
					bo.Reset()

					for _, row := range buffered {
						if !yield(row, nil) {
							return
						}
					}
					buffered = buffered[:0]
					continue
				}

				if len(buffered) > conf.MaxBufferedRows {
					// Holding back any longer would stall the consumer.
					// Rows yielded past the token make resumption unsafe
					// until the next token arrives.
					resumable = false
					for _, row := range buffered {
						if !yield(row, nil) {
							return
						}
					}
					buffered = buffered[:0]
				}
			}

			// Stream ended normally.
			for _, row := range buffered {
				if !yield(row, nil) {
					return
				}
			}
			if !dec.empty() {
				yield(nil, transport.Errorf(transport.Internal,
					"stream ended mid-row: %d value(s) short of a complete row", dec.missing()))
			}
			return
		}
	}
}

// Fail returns a sequence that yields err once and stops. It lets request
// builders surface encoding errors through the same channel as stream errors.
func Fail[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// sleepCtx waits for d unless ctx is cancelled first.
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
