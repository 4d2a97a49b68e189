package serializer

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strconv"

	"github.com/openuds/engine/pkg/security"
)

// On-disk magics, 6 bytes each. The outermost magic selects the layer:
// plain field stream, zlib-compressed stream, or AES-GCM encrypted stream.
const (
	MagicPlain      = "MGBAS1"
	MagicCompressed = "MGZAS1"
	MagicEncrypted  = "MGEAS1"
)

const headerLen = 6 + 4 // magic + CRC32

// Kind is the stored type tag of a field.
type Kind string

const (
	KindInt      Kind = "int"
	KindStr      Kind = "str"
	KindFloat    Kind = "float"
	KindBool     Kind = "bool"
	KindList     Kind = "list"
	KindDict     Kind = "dict"
	KindPassword Kind = "password"
)

// Field is one typed value of a driver payload.
type Field struct {
	Kind  Kind
	Value any
}

// Map is a driver payload: field name to typed value.
type Map map[string]Field

// Typed accessors. A missing field or a kind mismatch yields the zero
// value; payload readers treat absent fields as defaults.

// StrValue returns the string stored under name.
func (m Map) StrValue(name string) string {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.(string); ok {
			return v
		}
	}
	return ""
}

// IntValue returns the int stored under name.
func (m Map) IntValue(name string) int64 {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.(int64); ok {
			return v
		}
	}
	return 0
}

// FloatValue returns the float stored under name.
func (m Map) FloatValue(name string) float64 {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.(float64); ok {
			return v
		}
	}
	return 0
}

// BoolValue returns the bool stored under name.
func (m Map) BoolValue(name string) bool {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.(bool); ok {
			return v
		}
	}
	return false
}

// ListValue returns the string list stored under name.
func (m Map) ListValue(name string) []string {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.([]string); ok {
			return v
		}
	}
	return nil
}

// DictValue returns the string map stored under name.
func (m Map) DictValue(name string) map[string]string {
	if f, ok := m[name]; ok {
		if v, ok := f.Value.(map[string]string); ok {
			return v
		}
	}
	return nil
}

// Helpers to build fields without spelling the kind at every call site.
func Int(v int64) Field        { return Field{Kind: KindInt, Value: v} }
func Str(v string) Field       { return Field{Kind: KindStr, Value: v} }
func Float(v float64) Field    { return Field{Kind: KindFloat, Value: v} }
func Bool(v bool) Field        { return Field{Kind: KindBool, Value: v} }
func List(v []string) Field    { return Field{Kind: KindList, Value: v} }
func Dict(v map[string]string) Field { return Field{Kind: KindDict, Value: v} }
func Password(v string) Field  { return Field{Kind: KindPassword, Value: v} }

// Codec marshals and unmarshals driver payloads. Compression and
// encryption are optional layers; Unmarshal auto-detects them from the
// magic so payloads written under older settings stay readable.
type Codec struct {
	crypter  *security.Crypter
	compress bool
	encrypt  bool
}

// NewCodec creates a codec. crypter may be nil when encrypt is false.
func NewCodec(crypter *security.Crypter, compress, encrypt bool) (*Codec, error) {
	if encrypt && crypter == nil {
		return nil, fmt.Errorf("encryption requested without a crypter")
	}
	return &Codec{crypter: crypter, compress: compress, encrypt: encrypt}, nil
}

// Marshal serializes the payload, applying the codec's layers.
func (c *Codec) Marshal(m Map) ([]byte, error) {
	data, err := marshalPlain(m)
	if err != nil {
		return nil, err
	}

	if c.compress {
		var buf bytes.Buffer
		buf.WriteString(MagicCompressed)
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		data = buf.Bytes()
	}

	if c.encrypt {
		// Key is derived from the site secret salted with the header,
		// so re-keying the site secret invalidates every payload at once.
		sealed, err := c.crypter.Derive([]byte(MagicEncrypted)).Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt payload: %w", err)
		}
		out := make([]byte, 0, 6+len(sealed))
		out = append(out, MagicEncrypted...)
		out = append(out, sealed...)
		data = out
	}

	return data, nil
}

// Unmarshal deserializes a payload, peeling layers by magic.
func (c *Codec) Unmarshal(data []byte) (Map, error) {
	for {
		if len(data) < 6 {
			return nil, fmt.Errorf("payload too short: %d bytes", len(data))
		}
		switch string(data[:6]) {
		case MagicEncrypted:
			if c.crypter == nil {
				return nil, fmt.Errorf("encrypted payload but no crypter configured")
			}
			plain, err := c.crypter.Derive([]byte(MagicEncrypted)).Decrypt(data[6:])
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt payload: %w", err)
			}
			data = plain

		case MagicCompressed:
			zr, err := zlib.NewReader(bytes.NewReader(data[6:]))
			if err != nil {
				return nil, fmt.Errorf("failed to decompress payload: %w", err)
			}
			plain, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress payload: %w", err)
			}
			data = plain

		case MagicPlain:
			return unmarshalPlain(data)

		default:
			return nil, fmt.Errorf("unknown payload magic %q", data[:6])
		}
	}
}

// marshalPlain writes the innermost layer: magic, CRC32 of the record
// section, then {nameLen:u16, typeLen:u16, valueLen:u32, name, type,
// value} per field, big-endian, fields sorted by name for determinism.
func marshalPlain(m Map) ([]byte, error) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	var records bytes.Buffer
	for _, name := range names {
		f := m[name]
		value, err := encodeValue(f)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		kind := string(f.Kind)

		var hdr [8]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(name)))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(kind)))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(value)))
		records.Write(hdr[:])
		records.WriteString(name)
		records.WriteString(kind)
		records.Write(value)
	}

	out := make([]byte, headerLen, headerLen+records.Len())
	copy(out, MagicPlain)
	binary.BigEndian.PutUint32(out[6:10], crc32.ChecksumIEEE(records.Bytes()))
	return append(out, records.Bytes()...), nil
}

func unmarshalPlain(data []byte) (Map, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}
	records := data[headerLen:]
	if want, got := binary.BigEndian.Uint32(data[6:10]), crc32.ChecksumIEEE(records); want != got {
		return nil, fmt.Errorf("payload CRC mismatch: header %08x, computed %08x", want, got)
	}

	m := make(Map)
	for len(records) > 0 {
		if len(records) < 8 {
			return nil, fmt.Errorf("truncated field header")
		}
		nameLen := int(binary.BigEndian.Uint16(records[0:2]))
		typeLen := int(binary.BigEndian.Uint16(records[2:4]))
		valueLen := int(binary.BigEndian.Uint32(records[4:8]))
		records = records[8:]
		if len(records) < nameLen+typeLen+valueLen {
			return nil, fmt.Errorf("truncated field body")
		}
		name := string(records[:nameLen])
		kind := Kind(records[nameLen : nameLen+typeLen])
		value := records[nameLen+typeLen : nameLen+typeLen+valueLen]
		records = records[nameLen+typeLen+valueLen:]

		f, err := decodeValue(kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		m[name] = f
	}
	return m, nil
}

func encodeValue(f Field) ([]byte, error) {
	switch f.Kind {
	case KindInt:
		v, ok := f.Value.(int64)
		if !ok {
			return nil, fmt.Errorf("expected int64, got %T", f.Value)
		}
		return strconv.AppendInt(nil, v, 10), nil
	case KindFloat:
		v, ok := f.Value.(float64)
		if !ok {
			return nil, fmt.Errorf("expected float64, got %T", f.Value)
		}
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	case KindBool:
		v, ok := f.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", f.Value)
		}
		return strconv.AppendBool(nil, v), nil
	case KindStr, KindPassword:
		v, ok := f.Value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", f.Value)
		}
		return []byte(v), nil
	case KindList:
		v, ok := f.Value.([]string)
		if !ok {
			return nil, fmt.Errorf("expected []string, got %T", f.Value)
		}
		return json.Marshal(v)
	case KindDict:
		v, ok := f.Value.(map[string]string)
		if !ok {
			return nil, fmt.Errorf("expected map[string]string, got %T", f.Value)
		}
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown kind %q", f.Kind)
	}
}

func decodeValue(kind Kind, value []byte) (Field, error) {
	switch kind {
	case KindInt:
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return Field{}, err
		}
		return Int(v), nil
	case KindFloat:
		v, err := strconv.ParseFloat(string(value), 64)
		if err != nil {
			return Field{}, err
		}
		return Float(v), nil
	case KindBool:
		v, err := strconv.ParseBool(string(value))
		if err != nil {
			return Field{}, err
		}
		return Bool(v), nil
	case KindStr:
		return Str(string(value)), nil
	case KindPassword:
		return Password(string(value)), nil
	case KindList:
		var v []string
		if err := json.Unmarshal(value, &v); err != nil {
			return Field{}, err
		}
		return List(v), nil
	case KindDict:
		var v map[string]string
		if err := json.Unmarshal(value, &v); err != nil {
			return Field{}, err
		}
		return Dict(v), nil
	default:
		return Field{}, fmt.Errorf("unknown kind %q", kind)
	}
}
