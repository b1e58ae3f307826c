// Package query executes generated statements and carries their outcome as a
// tagged result.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NoDataSentinel is the wire value of an Empty result.
const NoDataSentinel = "No data found"

// Result is one of Rows, Empty or Failure.
type Result interface {
	isResult()
}

// Rows holds a non-empty result set with columns in select order.
type Rows struct {
	Columns []string
	Values  [][]any
}

type Empty struct{}

type Failure struct {
	Message string
}

func (Rows) isResult()    {}
func (Empty) isResult()   {}
func (Failure) isResult() {}

func (r Rows) Len() int {
	return len(r.Values)
}

// Column returns every value of the named column, or false when the result
// set has no such column.
func (r Rows) Column(name string) ([]any, bool) {
	index := -1
	for i, column := range r.Columns {
		if column == name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, false
	}
	values := make([]any, 0, len(r.Values))
	for _, row := range r.Values {
		if index < len(row) {
			values = append(values, row[index])
		}
	}
	return values, true
}

// MarshalJSON renders the rows as an array of objects whose keys keep the
// select-list order.
func (r Rows) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range r.Values {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, column := range r.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(column)
			if err != nil {
				return nil, err
			}
			var value any
			if j < len(row) {
				value = row[j]
			}
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("marshal column %q: %w", column, err)
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.Write(encoded)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Truncate returns at most limit rows and the size of the full result set.
func Truncate(rows Rows, limit int) (Rows, int) {
	total := len(rows.Values)
	if limit <= 0 || total <= limit {
		return rows, total
	}
	return Rows{Columns: rows.Columns, Values: rows.Values[:limit]}, total
}

// Envelope is the wire form of a Result: {"result": rows}, {"result": "No
// data found"} or {"error": message}.
type Envelope struct {
	Result Result
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	switch typed := e.Result.(type) {
	case nil:
		return []byte("null"), nil
	case Rows:
		return json.Marshal(map[string]Rows{"result": typed})
	case Empty:
		return json.Marshal(map[string]string{"result": NoDataSentinel})
	case Failure:
		return json.Marshal(map[string]string{"error": typed.Message})
	default:
		return nil, fmt.Errorf("unsupported result type %T", e.Result)
	}
}
