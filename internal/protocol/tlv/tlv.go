package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U32Field(id uint16, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{ID: id, Type: TypeU32, Value: b}
}

func U64Field(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

// BytesField does not copy v; the caller keeps it alive until encoded.
func BytesField(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func StringField(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// EncodedLen is the wire size of fields without encoding them.
func EncodedLen(fields []Field) int {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	return n
}

func EncodeField(f Field) []byte {
	return appendField(make([]byte, 0, HeaderLen+len(f.Value)), f)
}

func appendField(dst []byte, f Field) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], f.ID)
	hdr[2] = f.Type
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Value...)
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, ErrShortFieldValue
		}
		// Values alias payload; frames are read into fresh buffers.
		fields = append(fields, Field{ID: id, Type: typeID, Value: payload[i : i+int(l) : i+int(l)]})
		i += int(l)
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, EncodedLen(fields))
	for _, f := range fields {
		out = appendField(out, f)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetU32 looks up a u32 field and checks its type.
func GetU32(fields []Field, id uint16) (uint32, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	return U32FromBytes(f.Value)
}

func GetU64(fields []Field, id uint16) (uint64, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, TypeU64); err != nil {
		return 0, err
	}
	return U64FromBytes(f.Value)
}
