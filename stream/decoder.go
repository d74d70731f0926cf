package stream

import (
	"github.com/kydenul/k-rdb/transport"
)

// decoder reassembles flattened partial-result values into complete rows.
// The backend caps message size, so a single value may span two messages
// (ChunkedValue) and a row may span any number of them.
type decoder struct {
	columns    int
	row        Row
	pending    any
	hasPending bool
}

// consume folds one partial result into the decoder and returns the rows it
// completed.
func (d *decoder) consume(prs *transport.PartialResultSet) ([]Row, error) {
	if prs.Metadata != nil && d.columns == 0 {
		d.columns = len(prs.Metadata.Columns)
	}

	vals := prs.Values
	if d.hasPending && len(vals) > 0 {
		merged, err := mergeValues(d.pending, vals[0])
		if err != nil {
			return nil, err
		}
		vals = append([]any{merged}, vals[1:]...)
		d.pending = nil
		d.hasPending = false
	}

	if prs.ChunkedValue {
		if len(vals) == 0 {
			return nil, transport.Errorf(transport.Internal,
				"partial result flags a chunked value but carries none")
		}
		d.pending = vals[len(vals)-1]
		d.hasPending = true
		vals = vals[:len(vals)-1]
	}

	if len(vals) == 0 {
		return nil, nil
	}
	if d.columns == 0 {
		return nil, transport.Errorf(transport.Internal,
			"partial result carries values before metadata")
	}

	var rows []Row
	for _, v := range vals {
		d.row = append(d.row, v)
		if len(d.row) == d.columns {
			rows = append(rows, d.row)
			d.row = nil
		}
	}
	return rows, nil
}

// reset drops all state assembled since the last resume token. Column
// metadata survives: the backend resends it on a resumed call.
func (d *decoder) reset() {
	d.row = nil
	d.pending = nil
	d.hasPending = false
}

func (d *decoder) empty() bool {
	return len(d.row) == 0 && !d.hasPending
}

func (d *decoder) missing() int {
	n := d.columns - len(d.row)
	if d.hasPending {
		n++
	}
	return n
}

// mergeValues joins a value split across two partial results. Only strings
// and lists are chunkable; a split list may itself end/start with a split
// element, merged recursively.
func mergeValues(prev, next any) (any, error) {
	switch p := prev.(type) {
	case string:
		n, ok := next.(string)
		if !ok {
			return nil, transport.Errorf(transport.Internal,
				"cannot merge chunked string with %T", next)
		}
		return p + n, nil

	case []any:
		n, ok := next.([]any)
		if !ok {
			return nil, transport.Errorf(transport.Internal,
				"cannot merge chunked list with %T", next)
		}
		if len(p) == 0 {
			return n, nil
		}
		if len(n) == 0 {
			return p, nil
		}
		// p aliases a transport message that a restart may replay, so the
		// merge must not write into its backing array.
		if joinable(p[len(p)-1], n[0]) {
			joined, err := mergeValues(p[len(p)-1], n[0])
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(p)+len(n)-1)
			out = append(out, p[:len(p)-1]...)
			out = append(out, joined)
			return append(out, n[1:]...), nil
		}
		out := make([]any, 0, len(p)+len(n))
		out = append(out, p...)
		return append(out, n...), nil

	default:
		return nil, transport.Errorf(transport.Internal,
			"value of type %T cannot be chunked", prev)
	}
}

// joinable reports whether the boundary elements of a split list are halves
// of one value rather than two adjacent elements.
func joinable(a, b any) bool {
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case []any:
		_, ok := b.([]any)
		return ok
	default:
		return false
	}
}
