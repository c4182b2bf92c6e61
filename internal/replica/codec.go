package replica

import (
	"bytes"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Row is one table row keyed by column name
type Row map[string]any

// Codec converts between a host value and a Row for one table
type Codec interface {
	Encode(value any) (Row, error)
	Decode(row Row) (any, error)
}

// RowCodec accepts Row or map[string]any values unchanged
type RowCodec struct{}

// Encode implements Codec
func (RowCodec) Encode(value any) (Row, error) {
	switch v := value.(type) {
	case Row:
		return v, nil
	case map[string]any:
		return Row(v), nil
	case nil:
		return Row{}, nil
	default:
		return nil, fmt.Errorf("row codec cannot encode %T", value)
	}
}

// Decode implements Codec
func (RowCodec) Decode(row Row) (any, error) {
	return row, nil
}

// JSONCodec maps a struct type to a row through its json tags, so a host
// integration point records and reads typed values.
type JSONCodec[T any] struct{}

// Encode implements Codec
func (JSONCodec[T]) Encode(value any) (Row, error) {
	var v T
	switch typed := value.(type) {
	case T:
		v = typed
	case *T:
		if typed == nil {
			return nil, fmt.Errorf("nil %T", value)
		}
		v = *typed
	default:
		return nil, fmt.Errorf("expected %T, got %T", v, value)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return DecodePayload(data)
}

// Decode implements Codec
func (JSONCodec[T]) Decode(row Row) (any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return v, nil
}

// EncodePayload serializes a row for the change log or a snapshot frame
func EncodePayload(row Row) ([]byte, error) {
	if row == nil {
		return nil, nil
	}
	return json.Marshal(row)
}

// DecodePayload parses a serialized row. Integral numbers come back as
// int64 so primary keys and amounts keep their type.
func DecodePayload(data []byte) (Row, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	for k, v := range row {
		row[k] = normalize(v)
	}
	return row, nil
}

// NormalizeValue converts driver specific values into the portable forms
// used in payloads.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func normalize(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
