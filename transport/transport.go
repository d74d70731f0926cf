// Package transport defines the wire shapes and the dispatch interface the
// client uses to reach the backing database service. The client never opens
// network connections itself; a Transport implementation is injected, which
// keeps every higher layer testable against a substitute backend.
package transport

import (
	"context"
	"iter"
	"time"
)

// Session is the backend-side execution context metadata returned by
// CreateSession. Name is the backend-assigned identity.
type Session struct {
	Name                   string            `json:"name"`
	CreateTime             time.Time         `json:"create_time"`
	ApproximateLastUseTime time.Time         `json:"approximate_last_use_time"`
	Labels                 map[string]string `json:"labels,omitempty"`
}

// Transaction is the handle returned by BeginTransaction. ID is empty for
// single-use read-only transactions, which never begin explicitly.
type Transaction struct {
	ID            []byte    `json:"id,omitempty"`
	ReadTimestamp time.Time `json:"read_timestamp,omitzero"`
}

// ReadOnlyOptions carries the timestamp bound of a read-only transaction.
// Exactly one of the fields is honored; Strong wins when set.
type ReadOnlyOptions struct {
	Strong              bool          `json:"strong,omitempty"`
	ReadTimestamp       time.Time     `json:"read_timestamp,omitzero"`
	ExactStaleness      time.Duration `json:"exact_staleness,omitempty"`
	MaxStaleness        time.Duration `json:"max_staleness,omitempty"`
	ReturnReadTimestamp bool          `json:"return_read_timestamp,omitempty"`
}

// TransactionOptions selects the mode of a transaction to begin.
type TransactionOptions struct {
	ReadWrite bool             `json:"read_write,omitempty"`
	ReadOnly  *ReadOnlyOptions `json:"read_only,omitempty"`
}

// TransactionSelector scopes a request to a transaction: either an existing
// handle (ID) or an inline single-use definition.
type TransactionSelector struct {
	ID        []byte              `json:"id,omitempty"`
	SingleUse *TransactionOptions `json:"single_use,omitempty"`
}

type CreateSessionRequest struct {
	Database string            `json:"database"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type DeleteSessionRequest struct {
	Name string `json:"name"`
}

type BeginTransactionRequest struct {
	Session string              `json:"session"`
	Options *TransactionOptions `json:"options"`
}

type CommitRequest struct {
	Session       string `json:"session"`
	TransactionID []byte `json:"transaction_id"`
}

type CommitResponse struct {
	CommitTimestamp time.Time `json:"commit_timestamp"`
}

type RollbackRequest struct {
	Session       string `json:"session"`
	TransactionID []byte `json:"transaction_id"`
}

// ExecuteSQLRequest is the wire shape of a (streaming) query. ResumeToken
// restarts a previously interrupted stream after the last delivered point.
type ExecuteSQLRequest struct {
	Session     string               `json:"session"`
	SQL         string               `json:"sql"`
	Params      map[string]any       `json:"params,omitempty"`
	ParamTypes  map[string]string    `json:"param_types,omitempty"`
	Transaction *TransactionSelector `json:"transaction,omitempty"`
	ResumeToken []byte               `json:"resume_token,omitempty"`
}

// ResultSetMetadata arrives in the first partial result of a stream.
type ResultSetMetadata struct {
	Columns     []string     `json:"columns"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// ResultSetStats arrives in the final partial result of a DML stream.
type ResultSetStats struct {
	RowCount int64 `json:"row_count"`
}

// PartialResultSet is one chunk of a streamed result. Values are flattened
// across row boundaries; when ChunkedValue is set the last value continues in
// the next chunk. A non-empty ResumeToken marks a restartable point: all
// values sent before it are durable on the backend cursor.
type PartialResultSet struct {
	Metadata     *ResultSetMetadata `json:"metadata,omitempty"`
	Values       []any              `json:"values"`
	ChunkedValue bool               `json:"chunked_value,omitempty"`
	ResumeToken  []byte             `json:"resume_token,omitempty"`
	Stats        *ResultSetStats    `json:"stats,omitempty"`
}

// Transport dispatches client requests to the backend. All calls are
// blocking and honor ctx cancellation. Streaming calls return a lazy
// sequence that yields partial results until the server closes the stream
// or an error terminates it.
type Transport interface {
	CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error)
	DeleteSession(ctx context.Context, req *DeleteSessionRequest) error
	BeginTransaction(ctx context.Context, req *BeginTransactionRequest) (*Transaction, error)
	Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error)
	Rollback(ctx context.Context, req *RollbackRequest) error
	ExecuteStreamingSQL(ctx context.Context, req *ExecuteSQLRequest) iter.Seq2[*PartialResultSet, error]
}
