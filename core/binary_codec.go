package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Binary wire format. Deliberately small and explicit: no reflection, no
// host-native serialization, no dynamic code loading. The entire decoder
// is the switch in decodeValue below.
//
// row := fieldCount:uint32LE { key keyLen:uint16LE keyBytes
//                               tag:uint8 valLen:uint32LE valBytes }*
// batch := count:uint32LE { rowLen:uint32LE rowBytes }*

type binaryTag byte

const (
	tagNil    binaryTag = 0
	tagString binaryTag = 1
	tagFloat  binaryTag = 2
	tagBool   binaryTag = 3
	tagVector binaryTag = 4
	tagJSON   binaryTag = 5 // fallback for shapes the format doesn't special-case
)

// BinaryCodec implements Codec for the length-prefixed binary format.
// This format MUST NOT be used on data from untrusted sources; Encode
// and Decode each emit exactly one warning per call as a contract, not
// merely informational logging.
type BinaryCodec struct{}

func (BinaryCodec) Format() Format { return FormatBinary }

func (BinaryCodec) Encode(row TableRow) ([]byte, error) {
	binaryCodecLogger().Warn("binary format encode: never use with data from an untrusted source")
	var buf bytes.Buffer
	if err := encodeRow(&buf, row); err != nil {
		return nil, WrapError(ErrValidation, "binary encode", err)
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) Decode(data []byte) (TableRow, error) {
	binaryCodecLogger().Warn("binary format decode: never use with data from an untrusted source")
	r := bytes.NewReader(data)
	row, err := decodeRow(r)
	if err != nil {
		return nil, WrapError(ErrDecode, "binary decode", err)
	}
	return row, nil
}

func (BinaryCodec) EncodeBatch(rows []TableRow) ([]byte, error) {
	binaryCodecLogger().Warn("binary format encode: never use with data from an untrusted source")
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(rows))); err != nil {
		return nil, err
	}
	for _, row := range rows {
		var rowBuf bytes.Buffer
		if err := encodeRow(&rowBuf, row); err != nil {
			return nil, WrapError(ErrValidation, "binary encode batch element", err)
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(rowBuf.Len())); err != nil {
			return nil, err
		}
		buf.Write(rowBuf.Bytes())
	}
	return buf.Bytes(), nil
}

func (BinaryCodec) DecodeBatch(data []byte) ([]TableRow, []error) {
	binaryCodecLogger().Warn("binary format decode: never use with data from an untrusted source")
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, []error{WrapError(ErrDecode, "binary decode batch header", err)}
	}
	rows := make([]TableRow, 0, count)
	var errs []error
	for i := uint32(0); i < count; i++ {
		var rowLen uint32
		if err := binary.Read(r, binary.LittleEndian, &rowLen); err != nil {
			errs = append(errs, WrapError(ErrDecode, fmt.Sprintf("batch element %d header", i), err))
			break
		}
		rowBytes := make([]byte, rowLen)
		if _, err := r.Read(rowBytes); err != nil {
			errs = append(errs, WrapError(ErrDecode, fmt.Sprintf("batch element %d body", i), err))
			break
		}
		row, err := decodeRow(bytes.NewReader(rowBytes))
		if err != nil {
			errs = append(errs, WrapError(ErrDecode, fmt.Sprintf("batch element %d", i), err))
			continue
		}
		rows = append(rows, row)
	}
	return rows, errs
}

func encodeRow(buf *bytes.Buffer, row TableRow) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(row))); err != nil {
		return err
	}
	for key, val := range row {
		if len(key) > math.MaxUint16 {
			return fmt.Errorf("field name %q too long", key)
		}
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(key))); err != nil {
			return err
		}
		buf.WriteString(key)
		tag, payload, err := encodeValue(val)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		buf.WriteByte(byte(tag))
		if err := binary.Write(buf, binary.LittleEndian, uint32(len(payload))); err != nil {
			return err
		}
		buf.Write(payload)
	}
	return nil
}

func decodeRow(r *bytes.Reader) (TableRow, error) {
	var fieldCount uint32
	if err := binary.Read(r, binary.LittleEndian, &fieldCount); err != nil {
		return nil, err
	}
	row := make(TableRow, fieldCount)
	for i := uint32(0); i < fieldCount; i++ {
		var keyLen uint16
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, err
		}
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, err
		}
		var tag byte
		if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
			return nil, err
		}
		var valLen uint32
		if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
			return nil, err
		}
		valBytes := make([]byte, valLen)
		if _, err := io.ReadFull(r, valBytes); err != nil {
			return nil, err
		}
		val, err := decodeValue(binaryTag(tag), valBytes)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", string(keyBytes), err)
		}
		row[string(keyBytes)] = val
	}
	return row, nil
}

func encodeValue(val any) (binaryTag, []byte, error) {
	switch v := val.(type) {
	case nil:
		return tagNil, nil, nil
	case string:
		return tagString, []byte(v), nil
	case float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
		return tagFloat, b, nil
	case bool:
		if v {
			return tagBool, []byte{1}, nil
		}
		return tagBool, []byte{0}, nil
	case Vector:
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, math.Float64bits(v.X))
		binary.Write(&buf, binary.LittleEndian, math.Float64bits(v.Y))
		return tagVector, buf.Bytes(), nil
	case map[string]any:
		if x, xok := v["x"]; xok {
			if y, yok := v["y"]; yok {
				xf, err1 := asFloat(x, "", "x")
				yf, err2 := asFloat(y, "", "y")
				if err1 == nil && err2 == nil {
					return encodeValue(Vector{X: xf, Y: yf})
				}
			}
		}
		payload, err := json.Marshal(v)
		return tagJSON, payload, err
	default:
		payload, err := json.Marshal(v)
		return tagJSON, payload, err
	}
}

func decodeValue(tag binaryTag, payload []byte) (any, error) {
	switch tag {
	case tagNil:
		return nil, nil
	case tagString:
		return string(payload), nil
	case tagFloat:
		if len(payload) != 8 {
			return nil, fmt.Errorf("float payload must be 8 bytes, got %d", len(payload))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(payload)), nil
	case tagBool:
		if len(payload) != 1 {
			return nil, fmt.Errorf("bool payload must be 1 byte, got %d", len(payload))
		}
		return payload[0] != 0, nil
	case tagVector:
		if len(payload) != 16 {
			return nil, fmt.Errorf("vector payload must be 16 bytes, got %d", len(payload))
		}
		x := math.Float64frombits(binary.LittleEndian.Uint64(payload[:8]))
		y := math.Float64frombits(binary.LittleEndian.Uint64(payload[8:]))
		return map[string]any{"x": x, "y": y}, nil
	case tagJSON:
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown binary tag %d", tag)
	}
}
