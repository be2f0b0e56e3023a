// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package container

import (
	"bytes"
	"fmt"

	"github.com/probelang/sandboxvm/internal/leb128"
)

// Magic identifies the container format; Version is (major, minor) for v1.
var Magic = [4]byte{'S', 'B', 'X', '1'}

const (
	VersionMajor = 1
	VersionMinor = 0
)

// Section tags, spec.md §6.1.
const (
	tagSymbols      = 1
	tagConstPool    = 2
	tagTypes        = 3
	tagFunctionTbl  = 4
	tagBytecode     = 5
	tagSpanTables   = 6
	tagHostSigTable = 7

	firstForwardCompatTag = 8 // tags >= this are skipped unconditionally
)

// DecodeErrorKind enumerates the decode failures spec.md §4.1 names.
type DecodeErrorKind int

const (
	ErrTruncatedSection DecodeErrorKind = iota
	ErrOverlongVarint
	ErrUnknownRequiredTag
	ErrDuplicateSection
	ErrMissingRequiredSection
	ErrIndexOutOfRange
	ErrBlobRangeInvalid
	ErrUnknownValueTypeTag
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrTruncatedSection:
		return "TruncatedSection"
	case ErrOverlongVarint:
		return "OverlongVarint"
	case ErrUnknownRequiredTag:
		return "UnknownRequiredTag"
	case ErrDuplicateSection:
		return "DuplicateSection"
	case ErrMissingRequiredSection:
		return "MissingRequiredSection"
	case ErrIndexOutOfRange:
		return "IndexOutOfRange"
	case ErrBlobRangeInvalid:
		return "BlobRangeInvalid"
	case ErrUnknownValueTypeTag:
		return "UnknownValueTypeTag"
	default:
		return "UnknownDecodeError"
	}
}

// DecodeError reports a structural container failure.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int // byte offset at which the problem was found, where known
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("container: %s at offset %d: %s", e.Kind, e.Offset, e.Detail)
	}
	return fmt.Sprintf("container: %s: %s", e.Kind, e.Detail)
}

func decErr(kind DecodeErrorKind, offset int, format string, args ...interface{}) error {
	return &DecodeError{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// ---- Encode -----------------------------------------------------------------

// Encode produces the canonical byte sequence for p (spec.md §4.1): fixed
// section order, minimal varints, symbols in insertion order, and Bytes/Str
// blob payloads packed in first-mention order. Encode always repacks the
// blob arena from scratch rather than trusting p.Blob's existing layout, so
// Encode(p) is canonical even when p was not itself produced by Decode.
func Encode(p *Program) []byte {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.WriteByte(VersionMajor)
	buf.WriteByte(VersionMinor)

	writeSection(&buf, tagSymbols, encodeSymbols(p.Symbols))
	writeSection(&buf, tagConstPool, encodeConsts(p.Consts, p.Blob))
	writeSection(&buf, tagTypes, encodeTypes(p.Types))
	writeSection(&buf, tagFunctionTbl, encodeFuncs(p.Funcs))
	writeSection(&buf, tagBytecode, p.Bytecode)
	writeSection(&buf, tagSpanTables, encodeSpans(p.Funcs))
	writeSection(&buf, tagHostSigTable, encodeHostSigs(p.HostSigs))

	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, tag uint64, body []byte) {
	var hdr []byte
	hdr = leb128.Put(hdr, tag)
	hdr = leb128.Put(hdr, uint64(len(body)))
	buf.Write(hdr)
	buf.Write(body)
}

func putVarint(buf *bytes.Buffer, v uint64) {
	var tmp []byte
	tmp = leb128.Put(tmp, v)
	buf.Write(tmp)
}

func putValueType(buf *bytes.Buffer, v ValueType) {
	buf.WriteByte(byte(v.Tag))
	switch v.Tag {
	case TagDecimal:
		buf.WriteByte(v.Scale)
	case TagAgg:
		putVarint(buf, uint64(v.TypeID))
	}
}

func putU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	buf.Write(tmp[:])
}

func encodeSymbols(t *SymbolTable) []byte {
	var buf bytes.Buffer
	if t == nil {
		putVarint(&buf, 0)
		return buf.Bytes()
	}
	strs := t.Strings()
	putVarint(&buf, uint64(len(strs)))
	for _, s := range strs {
		putVarint(&buf, uint64(len(s)))
		buf.WriteString(s)
	}
	return buf.Bytes()
}

func encodeConsts(consts []ConstEntry, blob []byte) []byte {
	var buf bytes.Buffer
	putVarint(&buf, uint64(len(consts)))
	for _, c := range consts {
		buf.WriteByte(byte(c.Kind))
		switch c.Kind {
		case ConstI64:
			putU64(&buf, uint64(c.I64))
		case ConstU64:
			putU64(&buf, c.U64)
		case ConstF64:
			putU64(&buf, c.Bits)
		case ConstBool:
			if c.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case ConstUnit:
			// no payload
		case ConstDecimal:
			putU64(&buf, uint64(c.DecHi))
			putU64(&buf, c.DecLo)
			buf.WriteByte(c.DecScl)
		case ConstBytes, ConstStr:
			payload := blob[c.BlobOff : c.BlobOff+c.BlobLen]
			putVarint(&buf, uint64(len(payload)))
			buf.Write(payload)
		}
	}
	return buf.Bytes()
}

func encodeTypes(types []TypeDef) []byte {
	var buf bytes.Buffer
	putVarint(&buf, uint64(len(types)))
	for _, t := range types {
		buf.WriteByte(byte(t.Kind))
		switch t.Kind {
		case KindArray:
			putValueType(&buf, t.ElemType)
		default: // struct, tuple
			putVarint(&buf, uint64(len(t.FieldTypes)))
			for _, ft := range t.FieldTypes {
				putValueType(&buf, ft)
			}
		}
	}
	return buf.Bytes()
}

func encodeFuncs(funcs []FuncEntry) []byte {
	var buf bytes.Buffer
	putVarint(&buf, uint64(len(funcs)))
	for _, f := range funcs {
		putVarint(&buf, uint64(f.Name))
		putVarint(&buf, uint64(len(f.ArgTypes)))
		for _, a := range f.ArgTypes {
			putValueType(&buf, a)
		}
		putVarint(&buf, uint64(len(f.RetTypes)))
		for _, r := range f.RetTypes {
			putValueType(&buf, r)
		}
		putVarint(&buf, uint64(f.RegCount))
		putVarint(&buf, uint64(f.CodeOff))
		putVarint(&buf, uint64(f.CodeLen))
	}
	return buf.Bytes()
}

func encodeSpans(funcs []FuncEntry) []byte {
	var buf bytes.Buffer
	for _, f := range funcs {
		putVarint(&buf, uint64(len(f.Spans)))
		for _, s := range f.Spans {
			putVarint(&buf, uint64(s.PC))
			putVarint(&buf, uint64(s.SpanID))
		}
	}
	return buf.Bytes()
}

func encodeHostSigs(sigs []HostSig) []byte {
	var buf bytes.Buffer
	putVarint(&buf, uint64(len(sigs)))
	for _, s := range sigs {
		putVarint(&buf, uint64(len(s.ArgTypes)))
		for _, a := range s.ArgTypes {
			putValueType(&buf, a)
		}
		putVarint(&buf, uint64(len(s.RetTypes)))
		for _, r := range s.RetTypes {
			putValueType(&buf, r)
		}
	}
	return buf.Bytes()
}

// ---- Decode -----------------------------------------------------------------

// Decode parses a container byte sequence into a Program. It guarantees
// only structural well-formedness (spec.md §4.1): every cross-section
// index resolves and every blob range is in bounds. It does not verify
// control flow, register discipline, or opcode type safety.
func Decode(data []byte) (*Program, error) {
	if len(data) < 6 {
		return nil, decErr(ErrTruncatedSection, 0, "container shorter than the 6-byte header")
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, decErr(ErrTruncatedSection, 0, "bad magic")
	}
	pos := 6 // skip magic + major + minor (version is not itself validated against a supported set in v1)

	seen := map[uint64]bool{}
	var rawSymbols, rawConsts, rawTypes, rawFuncs, rawSpans, rawHostSigs []byte
	haveFuncs, haveCode, haveSpans := false, false, false
	var bytecode []byte

	for pos < len(data) {
		tag, n, err := leb128.Read(data[pos:])
		if err != nil {
			return nil, varintErr(err, pos)
		}
		pos += n
		length, n, err := leb128.Read(data[pos:])
		if err != nil {
			return nil, varintErr(err, pos)
		}
		pos += n
		if tag == 0 {
			return nil, decErr(ErrUnknownRequiredTag, pos, "tag 0 is reserved")
		}
		if pos+int(length) > len(data) {
			return nil, decErr(ErrTruncatedSection, pos, "section body extends past end of input")
		}
		body := data[pos : pos+int(length)]
		pos += int(length)

		if tag >= firstForwardCompatTag {
			continue // unknown tag, forward-compatible skip
		}
		if seen[tag] {
			return nil, decErr(ErrDuplicateSection, pos, "duplicate section tag %d", tag)
		}
		seen[tag] = true

		switch tag {
		case tagSymbols:
			rawSymbols = body
		case tagConstPool:
			rawConsts = body
		case tagTypes:
			rawTypes = body
		case tagFunctionTbl:
			rawFuncs = body
			haveFuncs = true
		case tagBytecode:
			bytecode = body
			haveCode = true
		case tagSpanTables:
			rawSpans = body
			haveSpans = true
		case tagHostSigTable:
			rawHostSigs = body
		default:
			return nil, decErr(ErrUnknownRequiredTag, pos, "tag %d is reserved but undefined", tag)
		}
	}

	if !haveFuncs || !haveCode || !haveSpans {
		return nil, decErr(ErrMissingRequiredSection, pos, "function_table, bytecode_blobs, and span_tables are all required")
	}

	symtab, err := decodeSymbols(rawSymbols)
	if err != nil {
		return nil, err
	}
	types, err := decodeTypes(rawTypes)
	if err != nil {
		return nil, err
	}
	consts, blob, err := decodeConsts(rawConsts)
	if err != nil {
		return nil, err
	}
	funcs, err := decodeFuncs(rawFuncs)
	if err != nil {
		return nil, err
	}
	if err := decodeSpansInto(rawSpans, funcs); err != nil {
		return nil, err
	}
	hostSigs, err := decodeHostSigs(rawHostSigs)
	if err != nil {
		return nil, err
	}

	p := &Program{
		Symbols:  symtab,
		Consts:   consts,
		Types:    types,
		Funcs:    funcs,
		Bytecode: bytecode,
		HostSigs: hostSigs,
		Blob:     blob,
	}
	if err := validateCrossRefs(p); err != nil {
		return nil, err
	}
	return p, nil
}

func varintErr(err error, pos int) error {
	if err == leb128.ErrOverlong {
		return decErr(ErrOverlongVarint, pos, "non-minimal varint encoding")
	}
	return decErr(ErrTruncatedSection, pos, "truncated varint")
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) u64() (uint64, error) {
	v, n, err := leb128.Read(c.buf[c.pos:])
	if err != nil {
		return 0, varintErr(err, c.pos)
	}
	c.pos += n
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	v, err := c.u64()
	return uint32(v), err
}

func (c *cursor) fixed8() (uint64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, decErr(ErrTruncatedSection, c.pos, "expected 8 fixed bytes")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(c.buf[c.pos+i]) << (8 * i)
	}
	c.pos += 8
	return v, nil
}

func (c *cursor) byte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, decErr(ErrTruncatedSection, c.pos, "expected 1 byte")
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) valueType() (ValueType, error) {
	tagB, err := c.byte()
	if err != nil {
		return ValueType{}, err
	}
	tag := ValueTypeTag(tagB)
	if !tag.Valid() {
		return ValueType{}, decErr(ErrUnknownValueTypeTag, c.pos-1, "tag byte %d", tagB)
	}
	v := ValueType{Tag: tag}
	switch tag {
	case TagDecimal:
		s, err := c.byte()
		if err != nil {
			return ValueType{}, err
		}
		v.Scale = s
	case TagAgg:
		id, err := c.u32()
		if err != nil {
			return ValueType{}, err
		}
		v.TypeID = id
	}
	return v, nil
}

func (c *cursor) valueTypes() ([]ValueType, error) {
	n, err := c.u64()
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]ValueType, n)
	for i := range out {
		out[i], err = c.valueType()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodeSymbols(body []byte) (*SymbolTable, error) {
	t := NewSymbolTable()
	c := &cursor{buf: body}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		l, err := c.u64()
		if err != nil {
			return nil, err
		}
		if c.pos+int(l) > len(c.buf) {
			return nil, decErr(ErrTruncatedSection, c.pos, "symbol string truncated")
		}
		s := string(c.buf[c.pos : c.pos+int(l)])
		c.pos += int(l)
		t.Intern(s)
	}
	return t, nil
}

func decodeTypes(body []byte) ([]TypeDef, error) {
	c := &cursor{buf: body}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	out := make([]TypeDef, n)
	for i := range out {
		kb, err := c.byte()
		if err != nil {
			return nil, err
		}
		kind := TypeKind(kb)
		switch kind {
		case KindArray:
			elem, err := c.valueType()
			if err != nil {
				return nil, err
			}
			out[i] = TypeDef{Kind: KindArray, ElemType: elem}
		case KindStruct, KindTuple:
			fts, err := c.valueTypes()
			if err != nil {
				return nil, err
			}
			out[i] = TypeDef{Kind: kind, FieldTypes: fts}
		default:
			return nil, decErr(ErrUnknownValueTypeTag, c.pos-1, "unknown type kind %d", kb)
		}
	}
	return out, nil
}

// decodeConsts returns the parsed const pool plus the repacked blob arena;
// Bytes/Str payloads are copied into the arena in first-mention order and
// each ConstEntry records only its BlobOff/BlobLen range into it.
func decodeConsts(body []byte) ([]ConstEntry, []byte, error) {
	c := &cursor{buf: body}
	n, err := c.u64()
	if err != nil {
		return nil, nil, err
	}
	out := make([]ConstEntry, n)
	var blob bytes.Buffer
	for i := range out {
		kb, err := c.byte()
		if err != nil {
			return nil, nil, err
		}
		e := ConstEntry{Kind: ConstKind(kb)}
		switch e.Kind {
		case ConstI64:
			v, err := c.fixed8()
			if err != nil {
				return nil, nil, err
			}
			e.I64 = int64(v)
		case ConstU64:
			v, err := c.fixed8()
			if err != nil {
				return nil, nil, err
			}
			e.U64 = v
		case ConstF64:
			v, err := c.fixed8()
			if err != nil {
				return nil, nil, err
			}
			e.Bits = v
		case ConstBool:
			b, err := c.byte()
			if err != nil {
				return nil, nil, err
			}
			e.Bool = b != 0
		case ConstUnit:
			// no payload
		case ConstDecimal:
			hi, err := c.fixed8()
			if err != nil {
				return nil, nil, err
			}
			lo, err := c.fixed8()
			if err != nil {
				return nil, nil, err
			}
			scl, err := c.byte()
			if err != nil {
				return nil, nil, err
			}
			e.DecHi, e.DecLo, e.DecScl = int64(hi), lo, scl
		case ConstBytes, ConstStr:
			l, err := c.u64()
			if err != nil {
				return nil, nil, err
			}
			if c.pos+int(l) > len(c.buf) {
				return nil, nil, decErr(ErrBlobRangeInvalid, c.pos, "blob payload truncated")
			}
			off := blob.Len()
			blob.Write(c.buf[c.pos : c.pos+int(l)])
			c.pos += int(l)
			e.BlobOff = uint32(off)
			e.BlobLen = uint32(l)
		default:
			return nil, nil, decErr(ErrUnknownValueTypeTag, c.pos-1, "unknown const kind %d", kb)
		}
		out[i] = e
	}
	return out, blob.Bytes(), nil
}

func decodeFuncs(body []byte) ([]FuncEntry, error) {
	c := &cursor{buf: body}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	out := make([]FuncEntry, n)
	for i := range out {
		name, err := c.u32()
		if err != nil {
			return nil, err
		}
		argTypes, err := c.valueTypes()
		if err != nil {
			return nil, err
		}
		retTypes, err := c.valueTypes()
		if err != nil {
			return nil, err
		}
		regCount, err := c.u32()
		if err != nil {
			return nil, err
		}
		codeOff, err := c.u32()
		if err != nil {
			return nil, err
		}
		codeLen, err := c.u32()
		if err != nil {
			return nil, err
		}
		out[i] = FuncEntry{
			Name: SymbolId(name), ArgTypes: argTypes, RetTypes: retTypes,
			RegCount: regCount, CodeOff: codeOff, CodeLen: codeLen,
		}
	}
	return out, nil
}

func decodeSpansInto(body []byte, funcs []FuncEntry) error {
	c := &cursor{buf: body}
	for i := range funcs {
		n, err := c.u64()
		if err != nil {
			return err
		}
		spans := make([]SpanEntry, n)
		for j := range spans {
			pc, err := c.u32()
			if err != nil {
				return err
			}
			id, err := c.u32()
			if err != nil {
				return err
			}
			spans[j] = SpanEntry{PC: pc, SpanID: id}
		}
		funcs[i].Spans = spans
	}
	return nil
}

func decodeHostSigs(body []byte) ([]HostSig, error) {
	c := &cursor{buf: body}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	out := make([]HostSig, n)
	for i := range out {
		argTypes, err := c.valueTypes()
		if err != nil {
			return nil, err
		}
		retTypes, err := c.valueTypes()
		if err != nil {
			return nil, err
		}
		out[i] = HostSig{ArgTypes: argTypes, RetTypes: retTypes}
	}
	return out, nil
}

// validateCrossRefs checks every cross-section index resolves and every
// blob/bytecode range is in bounds (spec.md §4.1's "All cross-section
// indices must resolve").
func validateCrossRefs(p *Program) error {
	for i, t := range p.Types {
		if t.Kind == KindArray {
			if t.ElemType.Tag == TagAgg && int(t.ElemType.TypeID) >= len(p.Types) {
				return decErr(ErrIndexOutOfRange, 0, "type %d: array elem TypeId %d out of range", i, t.ElemType.TypeID)
			}
			continue
		}
		for _, ft := range t.FieldTypes {
			if ft.Tag == TagAgg && int(ft.TypeID) >= len(p.Types) {
				return decErr(ErrIndexOutOfRange, 0, "type %d: field TypeId %d out of range", i, ft.TypeID)
			}
		}
	}
	for i, f := range p.Funcs {
		if int(f.Name) >= p.Symbols.Len() && p.Symbols.Len() > 0 {
			return decErr(ErrIndexOutOfRange, 0, "func %d: name symbol %d out of range", i, f.Name)
		}
		if uint64(f.CodeOff)+uint64(f.CodeLen) > uint64(len(p.Bytecode)) {
			return decErr(ErrIndexOutOfRange, 0, "func %d: code range out of range", i)
		}
		for _, vt := range append(append([]ValueType{}, f.ArgTypes...), f.RetTypes...) {
			if vt.Tag == TagAgg && int(vt.TypeID) >= len(p.Types) {
				return decErr(ErrIndexOutOfRange, 0, "func %d: signature TypeId %d out of range", i, vt.TypeID)
			}
		}
	}
	for i, c := range p.Consts {
		if c.Kind == ConstBytes || c.Kind == ConstStr {
			if uint64(c.BlobOff)+uint64(c.BlobLen) > uint64(len(p.Blob)) {
				return decErr(ErrBlobRangeInvalid, 0, "const %d: blob range out of range", i)
			}
		}
	}
	for i, hs := range p.HostSigs {
		for _, vt := range append(append([]ValueType{}, hs.ArgTypes...), hs.RetTypes...) {
			if vt.Tag == TagAgg && int(vt.TypeID) >= len(p.Types) {
				return decErr(ErrIndexOutOfRange, 0, "host sig %d: TypeId %d out of range", i, vt.TypeID)
			}
		}
	}
	return nil
}
