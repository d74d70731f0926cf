package stream

import (
	"reflect"
	"testing"

	"github.com/kydenul/k-rdb/transport"
)

func TestMergeValues(t *testing.T) {
	tests := []struct {
		name string
		prev any
		next any
		want any
	}{
		{"strings", "foo", "bar", "foobar"},
		{"empty left list", []any{}, []any{"a"}, []any{"a"}},
		{"empty right list", []any{"a"}, []any{}, []any{"a"}},
		{
			"joinable boundary",
			[]any{"a", "b"},
			[]any{"c", "d"},
			[]any{"a", "bc", "d"},
		},
		{
			"non-joinable boundary",
			[]any{"a", int64(1)},
			[]any{int64(2), "b"},
			[]any{"a", int64(1), int64(2), "b"},
		},
		{
			"nested list boundary",
			[]any{[]any{"x", "y"}},
			[]any{[]any{"z"}, "tail"},
			[]any{[]any{"x", "yz"}, "tail"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeValues(tt.prev, tt.next)
			if err != nil {
				t.Fatalf("mergeValues failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeValues = %v, want %v", got, tt.want)
			}
		})
	}

	t.Log("✓ chunked value halves merged recursively")
}

func TestMergeValuesUnchunkable(t *testing.T) {
	tests := []struct {
		name string
		prev any
		next any
	}{
		{"number", int64(1), int64(2)},
		{"string with list", "a", []any{"b"}},
		{"list with string", []any{"a"}, "b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mergeValues(tt.prev, tt.next)
			if transport.ErrCode(err) != transport.Internal {
				t.Errorf("mergeValues(%v, %v) = %v, want Internal", tt.prev, tt.next, err)
			}
		})
	}

	t.Log("✓ unmergeable halves rejected")
}

func TestDecoderChunkFlagWithoutValues(t *testing.T) {
	var d decoder
	_, err := d.consume(&transport.PartialResultSet{
		Metadata:     &transport.ResultSetMetadata{Columns: []string{"a"}},
		ChunkedValue: true,
	})
	if transport.ErrCode(err) != transport.Internal {
		t.Errorf("err = %v, want Internal for empty chunked message", err)
	}

	t.Log("✓ chunked flag without values rejected")
}

func TestDecoderValuesBeforeMetadata(t *testing.T) {
	var d decoder
	_, err := d.consume(&transport.PartialResultSet{Values: []any{int64(1)}})
	if transport.ErrCode(err) != transport.Internal {
		t.Errorf("err = %v, want Internal for values before metadata", err)
	}

	t.Log("✓ values before metadata rejected")
}
