package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// ---------------------------------------------------------------------------
// Canonical serialization
//
// The byte layout is a cross-node protocol contract: primitives are
// fixed-width little-endian scalars, addresses are raw fixed-length bytes,
// vectors are a minimal ULEB128 length prefix followed by element
// encodings, and structs are their field encodings concatenated in declared
// order. Exactly one encoding exists per (value, type) pair; the decoder
// rejects every non-canonical alternative because these bytes feed
// consensus-critical hashes.
// ---------------------------------------------------------------------------

// Type tag kind bytes. Shared by the tag encoding and the module wire form.
const (
	kindBool      uint8 = 0x00
	kindU8        uint8 = 0x01
	kindU64       uint8 = 0x02
	kindU128      uint8 = 0x03
	kindAddress   uint8 = 0x04
	kindSigner    uint8 = 0x05
	kindVector    uint8 = 0x06
	kindStruct    uint8 = 0x07
	kindTypeParam uint8 = 0x08
)

// Codec encodes and decodes values against their types. Struct decoding
// resolves field layouts through the resolver; limits bound input size and
// container nesting so malformed bytes fail cleanly instead of exhausting
// memory.
type Codec struct {
	resolver *Resolver
	limits   Limits
}

// NewCodec builds a codec. Zero-valued limits fields fall back to defaults.
func NewCodec(r *Resolver, limits Limits) *Codec {
	def := DefaultLimits()
	if limits.MaxTypeDepth < 1 {
		limits.MaxTypeDepth = def.MaxTypeDepth
	}
	if limits.MaxValueSize == 0 {
		limits.MaxValueSize = def.MaxValueSize
	}
	if limits.MaxCallDepth < 1 {
		limits.MaxCallDepth = def.MaxCallDepth
	}
	return &Codec{resolver: r, limits: limits}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes v as a value of type t into its unique canonical byte
// sequence. Signers and references are transient and cannot be serialized.
func (c *Codec) Encode(v Value, t TypeTag) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.encodeValue(&buf, v, t, 1); err != nil {
		return nil, err
	}
	if uint64(buf.Len()) > c.limits.MaxValueSize {
		return nil, fmt.Errorf("encoded value is %d bytes, maximum %d: %w",
			buf.Len(), c.limits.MaxValueSize, ErrValueTooLarge)
	}
	return buf.Bytes(), nil
}

func (c *Codec) encodeValue(buf *bytes.Buffer, v Value, t TypeTag, depth int) error {
	if depth > c.limits.MaxTypeDepth {
		return fmt.Errorf("value nesting exceeds maximum depth %d: %w", c.limits.MaxTypeDepth, ErrTypeTooDeep)
	}
	switch tt := t.(type) {
	case TagBool:
		b, ok := v.(BoolValue)
		if !ok {
			return encodeTypeError(v, t)
		}
		if b {
			return buf.WriteByte(1)
		}
		return buf.WriteByte(0)
	case TagU8:
		n, ok := v.(U8Value)
		if !ok {
			return encodeTypeError(v, t)
		}
		return buf.WriteByte(byte(n))
	case TagU64:
		n, ok := v.(U64Value)
		if !ok {
			return encodeTypeError(v, t)
		}
		var scratch [8]byte
		binary.LittleEndian.PutUint64(scratch[:], uint64(n))
		_, err := buf.Write(scratch[:])
		return err
	case TagU128:
		n, ok := v.(U128Value)
		if !ok {
			return encodeTypeError(v, t)
		}
		_, err := buf.Write(u128LE(n))
		return err
	case TagAddress:
		a, ok := v.(AddressValue)
		if !ok {
			return encodeTypeError(v, t)
		}
		_, err := buf.Write(a[:])
		return err
	case TagSigner:
		return fmt.Errorf("signer values are transient and cannot be serialized: %w", ErrTypeMismatch)
	case TagVector:
		vec, ok := v.(*VectorValue)
		if !ok || !TagsEqual(vec.Elem, tt.Elem) {
			return encodeTypeError(v, t)
		}
		if len(vec.Items) > math.MaxUint32 {
			return fmt.Errorf("vector of %d elements exceeds u32 length: %w", len(vec.Items), ErrValueTooLarge)
		}
		writeUleb128(buf, uint64(len(vec.Items)))
		for _, item := range vec.Items {
			if err := c.encodeValue(buf, item, tt.Elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	case TagStruct:
		s, ok := v.(*StructValue)
		if !ok || !TagsEqual(s.Tag, tt) {
			return encodeTypeError(v, t)
		}
		fieldTypes, err := c.structFieldTypes(tt)
		if err != nil {
			return err
		}
		if len(s.Fields) != len(fieldTypes) {
			return fmt.Errorf("struct %s has %d fields, value carries %d: %w",
				tt, len(fieldTypes), len(s.Fields), ErrFieldMismatch)
		}
		for i, f := range s.Fields {
			if err := c.encodeValue(buf, f, fieldTypes[i], depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("type %s is not serializable: %w", t, ErrTypeMismatch)
}

func encodeTypeError(v Value, t TypeTag) error {
	return fmt.Errorf("cannot encode %T as %s: %w", v, t, ErrTypeMismatch)
}

// u128LE returns the 16-byte little-endian encoding of v.
func u128LE(v U128Value) []byte {
	be := v.Bits().Bytes32()
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = be[31-i]
	}
	return out
}

// u128FromLE rebuilds a U128Value from exactly 16 little-endian bytes.
func u128FromLE(b []byte) U128Value {
	var be [32]byte
	for i := 0; i < 16; i++ {
		be[31-i] = b[i]
	}
	var bits uint256.Int
	bits.SetBytes32(be[:])
	u, _ := U128FromBits(&bits) // 16 input bytes can never exceed 128 bits
	return u
}

// writeUleb128 writes n in minimal ULEB128 form.
func writeUleb128(buf *bytes.Buffer, n uint64) {
	for {
		b := byte(n & 0x7F)
		n >>= 7
		if n != 0 {
			buf.WriteByte(b | 0x80)
			continue
		}
		buf.WriteByte(b)
		return
	}
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode parses data as the unique canonical encoding of a value of type t.
// It is total over arbitrary input: wrong lengths, trailing bytes, and
// syntactically valid but non-canonical encodings all fail with
// ErrDeserialization.
func (c *Codec) Decode(data []byte, t TypeTag) (Value, error) {
	if uint64(len(data)) > c.limits.MaxValueSize {
		return nil, fmt.Errorf("input is %d bytes, maximum %d: %w",
			len(data), c.limits.MaxValueSize, ErrValueTooLarge)
	}
	d := &decoder{data: data, codec: c}
	v, err := d.decodeValue(t, 1)
	if err != nil {
		return nil, err
	}
	if d.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after value: %w", len(data)-d.off, ErrDeserialization)
	}
	return v, nil
}

type decoder struct {
	data  []byte
	off   int
	codec *Codec
}

func (d *decoder) remaining() int { return len(d.data) - d.off }

func (d *decoder) readByte() (byte, error) {
	if d.off >= len(d.data) {
		return 0, fmt.Errorf("unexpected end of input at offset %d: %w", d.off, ErrDeserialization)
	}
	b := d.data[d.off]
	d.off++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, d.off, d.remaining(), ErrDeserialization)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// readUleb128 reads a minimal ULEB128-encoded u32 length. Non-minimal
// encodings (padding continuation bytes, an all-zero final byte after a
// continuation) are rejected: each length has exactly one valid spelling.
func (d *decoder) readUleb128() (uint64, error) {
	var value uint64
	var shift uint
	for {
		b, err := d.readByte()
		if err != nil {
			return 0, err
		}
		digit := uint64(b & 0x7F)
		value |= digit << shift
		if b&0x80 == 0 {
			if shift > 0 && digit == 0 {
				return 0, fmt.Errorf("non-minimal ULEB128 length: %w", ErrDeserialization)
			}
			if value > math.MaxUint32 {
				return 0, fmt.Errorf("length %d exceeds u32: %w", value, ErrDeserialization)
			}
			return value, nil
		}
		shift += 7
		if shift > 32 {
			return 0, fmt.Errorf("ULEB128 length overflows u32: %w", ErrDeserialization)
		}
	}
}

func (d *decoder) decodeValue(t TypeTag, depth int) (Value, error) {
	if depth > d.codec.limits.MaxTypeDepth {
		return nil, fmt.Errorf("value nesting exceeds maximum depth %d: %w", d.codec.limits.MaxTypeDepth, ErrTypeTooDeep)
	}
	switch tt := t.(type) {
	case TagBool:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case 0:
			return BoolValue(false), nil
		case 1:
			return BoolValue(true), nil
		}
		return nil, fmt.Errorf("bool byte must be 0 or 1, got %#x: %w", b, ErrDeserialization)
	case TagU8:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return U8Value(b), nil
	case TagU64:
		b, err := d.readBytes(8)
		if err != nil {
			return nil, err
		}
		return U64Value(binary.LittleEndian.Uint64(b)), nil
	case TagU128:
		b, err := d.readBytes(16)
		if err != nil {
			return nil, err
		}
		return u128FromLE(b), nil
	case TagAddress:
		b, err := d.readBytes(AddressLength)
		if err != nil {
			return nil, err
		}
		var a Address
		copy(a[:], b)
		return AddressValue(a), nil
	case TagSigner:
		return nil, fmt.Errorf("signer values are transient and cannot be deserialized: %w", ErrDeserialization)
	case TagVector:
		n, err := d.readUleb128()
		if err != nil {
			return nil, err
		}
		// Every element occupies at least one byte, so a length beyond the
		// remaining input is malformed. Checking before allocating keeps a
		// hostile length prefix from reserving unbounded memory.
		if n > uint64(d.remaining()) {
			return nil, fmt.Errorf("vector length %d exceeds remaining %d bytes: %w", n, d.remaining(), ErrDeserialization)
		}
		items := make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			item, err := d.decodeValue(tt.Elem, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return &VectorValue{Elem: tt.Elem, Items: items}, nil
	case TagStruct:
		fieldTypes, err := d.codec.structFieldTypes(tt)
		if err != nil {
			return nil, err
		}
		abilities, err := d.codec.resolver.AbilitiesOf(tt)
		if err != nil {
			return nil, err
		}
		fields := make([]Value, len(fieldTypes))
		for i, ft := range fieldTypes {
			f, err := d.decodeValue(ft, depth+1)
			if err != nil {
				return nil, err
			}
			fields[i] = f
		}
		return &StructValue{Tag: tt, Abilities: abilities, Fields: fields}, nil
	}
	return nil, fmt.Errorf("type %s is not deserializable: %w", t, ErrDeserialization)
}

// structFieldTypes resolves and instantiates the concrete field types of a
// struct tag.
func (c *Codec) structFieldTypes(tag TagStruct) ([]TypeTag, error) {
	if c.resolver == nil {
		return nil, fmt.Errorf("no resolver configured for struct %s: %w", tag, ErrModuleNotFound)
	}
	def, err := c.resolver.Resolve(tag)
	if err != nil {
		return nil, err
	}
	return c.resolver.Instantiate(def, tag.TypeArgs)
}

// ---------------------------------------------------------------------------
// Type tag encoding
//
// Tags have their own canonical byte form, used to key resources in storage
// and to order write sets deterministically.
// ---------------------------------------------------------------------------

// EncodeTypeTag serializes a concrete type tag to canonical bytes.
func EncodeTypeTag(t TypeTag) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTag(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTag(buf *bytes.Buffer, t TypeTag) error {
	switch tt := t.(type) {
	case TagBool:
		return buf.WriteByte(kindBool)
	case TagU8:
		return buf.WriteByte(kindU8)
	case TagU64:
		return buf.WriteByte(kindU64)
	case TagU128:
		return buf.WriteByte(kindU128)
	case TagAddress:
		return buf.WriteByte(kindAddress)
	case TagSigner:
		return buf.WriteByte(kindSigner)
	case TagVector:
		buf.WriteByte(kindVector)
		return encodeTag(buf, tt.Elem)
	case TagStruct:
		buf.WriteByte(kindStruct)
		buf.Write(tt.Module.Address[:])
		writeUleb128(buf, uint64(len(tt.Module.Name)))
		buf.WriteString(tt.Module.Name)
		writeUleb128(buf, uint64(len(tt.Name)))
		buf.WriteString(tt.Name)
		writeUleb128(buf, uint64(len(tt.TypeArgs)))
		for _, a := range tt.TypeArgs {
			if err := encodeTag(buf, a); err != nil {
				return err
			}
		}
		return nil
	case TagTypeParam:
		return fmt.Errorf("type parameter T%d has no canonical encoding: %w", tt.Index, ErrTypeMismatch)
	}
	return fmt.Errorf("unknown type tag %T: %w", t, ErrTypeMismatch)
}

// DecodeTypeTag parses the canonical byte form of a type tag under the
// default limits. Callers that carry their own Limits should use the
// Codec method instead.
func DecodeTypeTag(data []byte) (TypeTag, error) {
	return (&Codec{limits: DefaultLimits()}).DecodeTypeTag(data)
}

// DecodeTypeTag parses the canonical byte form of a type tag, bounding its
// nesting by the codec's configured MaxTypeDepth.
func (c *Codec) DecodeTypeTag(data []byte) (TypeTag, error) {
	d := &decoder{data: data, codec: c}
	t, err := d.decodeTag(1)
	if err != nil {
		return nil, err
	}
	if d.off != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after type tag: %w", len(data)-d.off, ErrDeserialization)
	}
	return t, nil
}

func (d *decoder) decodeTag(depth int) (TypeTag, error) {
	if depth > d.codec.limits.MaxTypeDepth {
		return nil, fmt.Errorf("type tag exceeds maximum depth %d: %w", d.codec.limits.MaxTypeDepth, ErrTypeTooDeep)
	}
	kind, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindBool:
		return TagBool{}, nil
	case kindU8:
		return TagU8{}, nil
	case kindU64:
		return TagU64{}, nil
	case kindU128:
		return TagU128{}, nil
	case kindAddress:
		return TagAddress{}, nil
	case kindSigner:
		return TagSigner{}, nil
	case kindVector:
		elem, err := d.decodeTag(depth + 1)
		if err != nil {
			return nil, err
		}
		return TagVector{Elem: elem}, nil
	case kindStruct:
		addrBytes, err := d.readBytes(AddressLength)
		if err != nil {
			return nil, err
		}
		var addr Address
		copy(addr[:], addrBytes)
		modName, err := d.readString()
		if err != nil {
			return nil, err
		}
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		n, err := d.readUleb128()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.remaining()) {
			return nil, fmt.Errorf("type argument count %d exceeds remaining input: %w", n, ErrDeserialization)
		}
		tag := TagStruct{Module: ModuleID{Address: addr, Name: modName}, Name: name}
		for i := uint64(0); i < n; i++ {
			arg, err := d.decodeTag(depth + 1)
			if err != nil {
				return nil, err
			}
			tag.TypeArgs = append(tag.TypeArgs, arg)
		}
		return tag, nil
	}
	return nil, fmt.Errorf("unknown type tag kind %#x: %w", kind, ErrDeserialization)
}

func (d *decoder) readString() (string, error) {
	n, err := d.readUleb128()
	if err != nil {
		return "", err
	}
	b, err := d.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
