// Package query turns a logical statement into the wire request shape.
// It is pure: no I/O, no retained state.
package query

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cast"

	"github.com/kydenul/k-rdb/transport"
)

// Statement is a SQL string with optional named parameters. A bare SQL
// string is the shorthand for a Statement with no parameters.
type Statement struct {
	SQL        string
	Params     map[string]any
	ParamTypes map[string]string
}

// NewStatement returns a Statement wrapping the given SQL string, making the
// string shorthand and the struct form interchangeable.
func NewStatement(sql string) Statement {
	return Statement{SQL: sql}
}

// Encode shapes stmt into an ExecuteSQLRequest scoped to the given session
// and transaction selector. Parameter values are normalized to wire-safe
// representations; an un-encodable parameter fails with InvalidArgument.
func Encode(session string, stmt Statement, sel *transport.TransactionSelector) (*transport.ExecuteSQLRequest, error) {
	req := &transport.ExecuteSQLRequest{
		Session:     session,
		SQL:         stmt.SQL,
		Transaction: sel,
	}

	if len(stmt.Params) > 0 {
		req.Params = make(map[string]any, len(stmt.Params))
		for name, val := range stmt.Params {
			encoded, err := encodeValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to encode param %q: %w", name, err)
			}
			req.Params[name] = encoded
		}
	}

	if len(stmt.ParamTypes) > 0 {
		req.ParamTypes = make(map[string]string, len(stmt.ParamTypes))
		for name, typ := range stmt.ParamTypes {
			req.ParamTypes[name] = typ
		}
	}

	return req, nil
}

// encodeValue normalizes a parameter value to the small set of types the
// wire accepts: nil, bool, int64, float64, string. Binary data travels as
// base64; timestamps as RFC3339Nano; composites as their JSON form.
func encodeValue(val any) (any, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return cast.ToInt64(v), nil
	case float32, float64:
		return cast.ToFloat64(v), nil
	case string:
		return v, nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case time.Duration:
		return v.String(), nil
	}

	// Composite values (slices, maps, structs) travel as JSON.
	switch reflect.ValueOf(val).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct, reflect.Ptr:
		data, err := sonic.Marshal(val)
		if err != nil {
			return nil, transport.Errorf(transport.InvalidArgument,
				"unsupported param value %T: %v", val, err)
		}
		return string(data), nil
	default:
		return nil, transport.Errorf(transport.InvalidArgument,
			"unsupported param value type %T", val)
	}
}
