package core

import "encoding/json"

// Format selects between the two serialization pipelines. Text is the
// compatibility default, suitable for every dialect and for debugging.
type Format int

const (
	FormatText Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatText:
		return "text"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Codec turns a TableRow into wire bytes and back, and provides a batch
// variant whose element failures are reported individually rather than
// aborting the whole batch.
type Codec interface {
	Format() Format
	Encode(row TableRow) ([]byte, error)
	Decode(data []byte) (TableRow, error)
	EncodeBatch(rows []TableRow) ([]byte, error)
	DecodeBatch(data []byte) ([]TableRow, []error)
}

// TextCodec implements Codec using human-readable JSON. It is the
// compatibility default across every dialect.
type TextCodec struct{}

func (TextCodec) Format() Format { return FormatText }

func (TextCodec) Encode(row TableRow) ([]byte, error) {
	b, err := json.Marshal(map[string]any(row))
	if err != nil {
		return nil, WrapError(ErrValidation, "text encode", err)
	}
	return b, nil
}

func (TextCodec) Decode(data []byte) (TableRow, error) {
	var row TableRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, WrapError(ErrDecode, "text decode", err)
	}
	return row, nil
}

func (TextCodec) EncodeBatch(rows []TableRow) ([]byte, error) {
	b, err := json.Marshal(rows)
	if err != nil {
		return nil, WrapError(ErrValidation, "text encode batch", err)
	}
	return b, nil
}

func (TextCodec) DecodeBatch(data []byte) ([]TableRow, []error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, []error{WrapError(ErrDecode, "text decode batch", err)}
	}
	rows := make([]TableRow, 0, len(raw))
	var errs []error
	for i, elem := range raw {
		var row TableRow
		if err := json.Unmarshal(elem, &row); err != nil {
			errs = append(errs, WrapError(ErrDecode, "text decode batch element", err))
			continue
		}
		_ = i
		rows = append(rows, row)
	}
	return rows, errs
}

func codecFor(f Format) Codec {
	if f == FormatBinary {
		return BinaryCodec{}
	}
	return TextCodec{}
}
