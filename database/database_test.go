package database

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kydenul/k-rdb/query"
	"github.com/kydenul/k-rdb/session"
	"github.com/kydenul/k-rdb/stream"
	"github.com/kydenul/k-rdb/transport"
	"github.com/kydenul/k-rdb/transport/inmem"
)

const testDB = "projects/p/instances/i/databases/d"

func newTestDatabase(t *testing.T, backend *inmem.Backend) *Database {
	t.Helper()

	db, err := New(context.Background(), testDB, backend, &Config{
		Pool: &session.Config{MinSessions: 0, MaxSessions: 10, MaxIdleSessions: 10},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return db
}

func TestNewValidation(t *testing.T) {
	if _, err := New(context.Background(), testDB, nil, nil); !errors.Is(err, ErrNilTransport) {
		t.Errorf("nil transport: err = %v, want ErrNilTransport", err)
	}

	t.Log("✓ New rejects a nil transport")
}

func TestRun(t *testing.T) {
	backend := inmem.NewBackend()
	backend.PutResult("SELECT id, name FROM users ORDER BY id", &inmem.Result{
		Columns:          []string{"id", "name"},
		Rows:             [][]any{{int64(1), "ann"}, {int64(2), "bob"}},
		ValuesPerMessage: 3,
		TokenEvery:       1,
	})

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	rows, err := db.Run(ctx, query.NewStatement("SELECT id, name FROM users ORDER BY id"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []stream.Row{{int64(1), "ann"}, {int64(2), "bob"}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, want none after Run", got)
	}

	t.Log("✓ Run buffers all rows in order and releases the session")
}

func TestRunStreamResumesInterruptedStream(t *testing.T) {
	const sql = "SELECT n FROM numbers"
	backend := inmem.NewBackend()
	backend.PutResult(sql, &inmem.Result{
		Columns:          []string{"n"},
		Rows:             [][]any{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}},
		ValuesPerMessage: 1,
		TokenEvery:       2,
	})
	backend.InterruptStream(sql, 3, transport.Unavailable)

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	var rows []stream.Row
	for row, err := range db.RunStream(ctx, query.NewStatement(sql)) {
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		rows = append(rows, row)
	}

	want := []stream.Row{{int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("rows = %v, want %v", rows, want)
	}
	if got := backend.ExecCount(sql); got != 2 {
		t.Errorf("ExecCount = %d, want 2 (initial attempt + resume)", got)
	}

	t.Log("✓ interrupted query resumed with no duplicated and no dropped rows")
}

func TestRunPropagatesQueryError(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	_, err := db.Run(ctx, query.NewStatement("SELECT * FROM nowhere"))
	if transport.ErrCode(err) != transport.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument for unknown statement", err)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, want none after failed Run", got)
	}

	t.Log("✓ query errors surface and the session is still released")
}

func TestGetTransactionReadOnly(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	txn, err := db.GetTransaction(ctx, &TransactionOptions{
		ReadOnly:       true,
		TimestampBound: session.MaxStaleness(15 * time.Second),
	})
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if !txn.ReadOnly() {
		t.Error("transaction should be read-only")
	}
	if txn.ReadTimestamp().IsZero() {
		t.Error("read-only transaction should carry a read timestamp")
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	t.Log("✓ read-only GetTransaction applies the timestamp bound")
}

func TestGetTransactionReadWrite(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	txn, err := db.GetTransaction(ctx, &TransactionOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.ReadOnly() {
		t.Error("transaction should be read-write")
	}
	if txn.Timeout() != time.Minute {
		t.Errorf("Timeout = %v, want 1m", txn.Timeout())
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	t.Log("✓ read-write GetTransaction hands out a begun transaction")
}

func TestRunTransactionCommits(t *testing.T) {
	backend := inmem.NewBackend()
	backend.PutResult("UPDATE t SET v = 1", &inmem.Result{RowCount: 3})

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	var updated int64
	ts, err := db.RunTransaction(ctx, nil, func(ctx context.Context, txn *session.Transaction) error {
		n, err := txn.Update(ctx, query.NewStatement("UPDATE t SET v = 1"))
		updated = n
		return err
	})
	if err != nil {
		t.Fatalf("RunTransaction failed: %v", err)
	}
	if ts.IsZero() {
		t.Error("commit timestamp should be set")
	}
	if updated != 3 {
		t.Errorf("updated = %d, want 3", updated)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, want none", got)
	}

	t.Log("✓ transaction function committed once")
}

func TestRunTransactionRetriesOnAbort(t *testing.T) {
	backend := inmem.NewBackend()
	backend.AbortNextCommits(2)

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	var calls int
	_, err := db.RunTransaction(ctx, nil, func(ctx context.Context, txn *session.Transaction) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("function calls = %d, want 3 (two aborts then success)", calls)
	}
	if got := backend.CommitCount(); got != 3 {
		t.Errorf("CommitCount = %d, want 3", got)
	}
	// Every restart reuses the session; only the pre-begun handle plus two
	// retry begins hit the backend.
	if got := backend.CreatedSessions(); got != 1 {
		t.Errorf("CreatedSessions = %d, want 1", got)
	}

	t.Log("✓ aborted commits retried on the same session until success")
}

func TestRunTransactionFunctionError(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	boom := errors.New("boom")
	_, err := db.RunTransaction(ctx, nil, func(ctx context.Context, txn *session.Transaction) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the function's error unchanged", err)
	}
	if got := backend.CommitCount(); got != 0 {
		t.Errorf("CommitCount = %d, want 0", got)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, want none after rollback", got)
	}

	t.Log("✓ function error rolls back and surfaces unchanged")
}

func TestRunTransactionDeadlineExceeded(t *testing.T) {
	backend := inmem.NewBackend()
	backend.AbortNextCommits(1000)

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	start := time.Now()
	_, err := db.RunTransaction(ctx, &TransactionOptions{Timeout: 100 * time.Millisecond},
		func(ctx context.Context, txn *session.Transaction) error { return nil })

	if transport.ErrCode(err) != transport.DeadlineExceeded {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("retry loop ran %v, want it bounded near the 100ms window", elapsed)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, want none after the window expired", got)
	}

	t.Log("✓ retry loop bounded by the wall-clock window")
}

func TestRunTransactionPoolFailureSkipsFunction(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()

	if err := db.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	called := false
	_, err := db.RunTransaction(ctx, nil, func(ctx context.Context, txn *session.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, session.ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
	if called {
		t.Error("function must not run when no transaction could begin")
	}

	t.Log("✓ function never invoked without a transaction")
}

func TestCloseReportsLeakedTransaction(t *testing.T) {
	backend := inmem.NewBackend()
	db, err := New(context.Background(), testDB, backend, &Config{
		Pool: &session.Config{MaxSessions: 10, TrackLeaks: true},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := db.GetTransaction(ctx, nil); err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}

	err = db.Close(ctx)
	var leakErr *session.LeakError
	if !errors.As(err, &leakErr) {
		t.Fatalf("Close = %v, want *session.LeakError", err)
	}
	if got, want := leakErr.Error(), "1 session leak(s) found."; got != want {
		t.Errorf("leak message = %q, want %q", got, want)
	}

	t.Log("✓ an unfinished transaction shows up as a session leak")
}

func TestCreateSession(t *testing.T) {
	backend := inmem.NewBackend()
	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	sess, meta, err := db.CreateSession(ctx, map[string]string{"team": "billing"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Name() != meta.Name {
		t.Errorf("session name %q != metadata name %q", sess.Name(), meta.Name)
	}
	if meta.Labels["team"] != "billing" {
		t.Errorf("labels = %v, want team=billing", meta.Labels)
	}
	if got := db.Leaks(); len(got) != 0 {
		t.Errorf("Leaks = %v, manual sessions are not pool leases", got)
	}

	t.Log("✓ manual sessions bypass the pool")
}

func TestWithTimestampBound(t *testing.T) {
	backend := inmem.NewBackend()
	backend.PutResult("SELECT 2", &inmem.Result{
		Columns: []string{"2"},
		Rows:    [][]any{{int64(2)}},
	})

	db := newTestDatabase(t, backend)
	ctx := context.Background()
	defer db.Close(ctx)

	rows, err := db.Run(ctx, query.NewStatement("SELECT 2"),
		WithTimestampBound(session.ExactStaleness(5*time.Second)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != int64(2) {
		t.Errorf("rows = %v, want [[2]]", rows)
	}

	t.Log("✓ timestamp bound accepted on plain queries")
}
