// Package inmem provides an in-process Transport backed by programmable
// result sets. It exists for examples and tests: queries are answered from
// registered fixtures, and commit aborts or stream interruptions can be
// injected to exercise the client's retry and resume paths.
package inmem

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/kydenul/k-rdb/transport"
)

// Result is a registered answer for one SQL text.
type Result struct {
	// Columns names the result columns.
	Columns []string

	// Rows holds the row values, one inner slice per row.
	Rows [][]any

	// RowCount is reported in the trailing stats message for DML.
	RowCount int64

	// ValuesPerMessage bounds how many flattened values each partial result
	// carries. Zero sends everything in a single message.
	ValuesPerMessage int

	// TokenEvery emits a resume token on every n-th message. Zero emits no
	// tokens, which makes the stream non-resumable.
	TokenEvery int

	// Messages, when non-nil, is replayed verbatim and overrides all of the
	// fields above. Use it to hand-craft chunked-value sequences.
	Messages []*transport.PartialResultSet
}

type streamFault struct {
	after int
	code  transport.Code
}

// Backend is an in-memory Transport. The zero value is not usable; create
// one with NewBackend.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*transport.Session
	txns     map[string]bool
	results  map[string]*Result

	abortCommits int
	faults       map[string][]streamFault

	txnSeq  int
	created int
	begins  int
	commits int
	execs   map[string]int
}

var _ transport.Transport = (*Backend)(nil)

// NewBackend creates an empty backend that answers "SELECT 1" out of the
// box so session keep-alive pings succeed.
func NewBackend() *Backend {
	b := &Backend{
		sessions: make(map[string]*transport.Session),
		txns:     make(map[string]bool),
		results:  make(map[string]*Result),
		faults:   make(map[string][]streamFault),
		execs:    make(map[string]int),
	}
	b.results["SELECT 1"] = &Result{Columns: []string{"1"}, Rows: [][]any{{int64(1)}}}
	return b
}

// PutResult registers the answer for the given SQL text, replacing any
// previous registration.
func (b *Backend) PutResult(sql string, res *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[sql] = res
}

// AbortNextCommits makes the next n commits fail with an Aborted status.
func (b *Backend) AbortNextCommits(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortCommits = n
}

// InterruptStream makes one future attempt of the given SQL fail with code
// after delivering the first `after` messages. Interruptions queue up and
// are consumed in registration order, one per attempt.
func (b *Backend) InterruptStream(sql string, after int, code transport.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[sql] = append(b.faults[sql], streamFault{after: after, code: code})
}

// SessionCount reports the number of live sessions.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// CreatedSessions reports how many sessions were ever created.
func (b *Backend) CreatedSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// BeginCount reports how many transactions were ever begun.
func (b *Backend) BeginCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begins
}

// CommitCount reports how many commits were attempted, aborted ones
// included.
func (b *Backend) CommitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// ExecCount reports how many streaming attempts were made for the SQL text,
// resume restarts included.
func (b *Backend) ExecCount(sql string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.execs[sql]
}

func (b *Backend) CreateSession(ctx context.Context, req *transport.CreateSessionRequest) (*transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	s := &transport.Session{
		Name:                   req.Database + "/sessions/" + uuid.NewString(),
		CreateTime:             now,
		ApproximateLastUseTime: now,
		Labels:                 req.Labels,
	}
	b.sessions[s.Name] = s
	b.created++
	return s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, req *transport.DeleteSessionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[req.Name]; !ok {
		return transport.Errorf(transport.NotFound, "session not found: %s", req.Name)
	}
	delete(b.sessions, req.Name)
	return nil
}

func (b *Backend) BeginTransaction(ctx context.Context, req *transport.BeginTransactionRequest) (*transport.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[req.Session]; !ok {
		return nil, transport.Errorf(transport.NotFound, "session not found: %s", req.Session)
	}

	b.txnSeq++
	b.begins++
	id := fmt.Appendf(nil, "txn-%d", b.txnSeq)
	b.txns[string(id)] = true

	txn := &transport.Transaction{ID: id}
	if req.Options != nil && req.Options.ReadOnly != nil && req.Options.ReadOnly.ReturnReadTimestamp {
		txn.ReadTimestamp = time.Now()
	}
	return txn, nil
}

func (b *Backend) Commit(ctx context.Context, req *transport.CommitRequest) (*transport.CommitResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.commits++
	if _, ok := b.sessions[req.Session]; !ok {
		return nil, transport.Errorf(transport.NotFound, "session not found: %s", req.Session)
	}
	if !b.txns[string(req.TransactionID)] {
		return nil, transport.Errorf(transport.FailedPrecondition, "unknown transaction: %q", req.TransactionID)
	}
	if b.abortCommits > 0 {
		b.abortCommits--
		return nil, transport.Errorf(transport.Aborted, "transaction aborted")
	}

	delete(b.txns, string(req.TransactionID))
	return &transport.CommitResponse{CommitTimestamp: time.Now()}, nil
}

func (b *Backend) Rollback(ctx context.Context, req *transport.RollbackRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sessions[req.Session]; !ok {
		return transport.Errorf(transport.NotFound, "session not found: %s", req.Session)
	}
	delete(b.txns, string(req.TransactionID))
	return nil
}

func (b *Backend) ExecuteStreamingSQL(ctx context.Context, req *transport.ExecuteSQLRequest) iter.Seq2[*transport.PartialResultSet, error] {
	b.mu.Lock()

	b.execs[req.SQL]++
	if _, ok := b.sessions[req.Session]; !ok {
		b.mu.Unlock()
		return failSeq(transport.Errorf(transport.NotFound, "session not found: %s", req.Session))
	}

	res, ok := b.results[req.SQL]
	if !ok {
		b.mu.Unlock()
		return failSeq(transport.Errorf(transport.InvalidArgument, "no result registered for %q", req.SQL))
	}

	messages := res.Messages
	if messages == nil {
		messages = buildMessages(res)
	}

	var fault *streamFault
	if q := b.faults[req.SQL]; len(q) > 0 {
		fault = &q[0]
		b.faults[req.SQL] = q[1:]
	}
	b.mu.Unlock()

	start, err := resumeOffset(messages, req.ResumeToken)
	if err != nil {
		return failSeq(err)
	}

	return func(yield func(*transport.PartialResultSet, error) bool) {
		for i := start; i < len(messages); i++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if fault != nil && i-start >= fault.after {
				yield(nil, transport.Errorf(fault.code, "stream interrupted"))
				return
			}
			if !yield(messages[i], nil) {
				return
			}
		}
	}
}

// buildMessages flattens a Result into the partial-result messages of one
// full stream attempt.
func buildMessages(res *Result) []*transport.PartialResultSet {
	var values []any
	for _, row := range res.Rows {
		values = append(values, row...)
	}

	per := res.ValuesPerMessage
	if per <= 0 {
		per = len(values)
	}

	var messages []*transport.PartialResultSet
	for off := 0; off < len(values) || len(messages) == 0; off += per {
		end := min(off+per, len(values))
		messages = append(messages, &transport.PartialResultSet{Values: values[off:end]})
	}

	messages[0].Metadata = &transport.ResultSetMetadata{Columns: res.Columns}
	if res.TokenEvery > 0 {
		// Tokens mark restart points, so they may only sit on messages that
		// end exactly at a row boundary.
		sent := 0
		for i := range messages {
			sent += len(messages[i].Values)
			if (i+1)%res.TokenEvery != 0 {
				continue
			}
			if len(res.Columns) > 0 && sent%len(res.Columns) != 0 {
				continue
			}
			messages[i].ResumeToken = encodeToken(i + 1)
		}
	}
	if res.RowCount > 0 {
		messages[len(messages)-1].Stats = &transport.ResultSetStats{RowCount: res.RowCount}
	}
	return messages
}

// encodeToken marks the message index the stream may restart from.
func encodeToken(next int) []byte {
	tok, _ := sonic.Marshal(next)
	return tok
}

// resumeOffset maps a resume token back to the message index after the
// message that carried it.
func resumeOffset(messages []*transport.PartialResultSet, token []byte) (int, error) {
	if len(token) == 0 {
		return 0, nil
	}
	var next int
	if err := sonic.Unmarshal(token, &next); err != nil {
		return 0, transport.Errorf(transport.InvalidArgument, "malformed resume token: %v", err)
	}
	if next < 0 || next > len(messages) {
		return 0, transport.Errorf(transport.InvalidArgument, "resume token out of range: %d", next)
	}
	return next, nil
}

func failSeq(err error) iter.Seq2[*transport.PartialResultSet, error] {
	return func(yield func(*transport.PartialResultSet, error) bool) {
		yield(nil, err)
	}
}
