package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cvm-lang/cvm/errz"
)

// Binary module container layout (all integers little-endian):
//
//	magic "CVMB" (4 bytes)
//	version (1 byte)
//	constant count (u32), then per constant: tag byte + payload
//	function count (u32), then per function:
//	    name (u16 length + bytes), entry (u32), arity (u16), locals (u16)
//	symbol count (u32), then per symbol:
//	    name (u16 length + bytes), function index (u32)
//	instruction stream length (u32) + raw bytes
const (
	magic   = "CVMB"
	version = 1
)

// Constant pool tags.
const (
	tagInt byte = iota
	tagFloat
	tagString
	tagBool
)

// Marshal encodes the module into its binary container form.
func Marshal(m *Module) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(version)

	writeU32(&buf, uint32(len(m.constants)))
	for i, c := range m.constants {
		switch c := c.(type) {
		case int64:
			buf.WriteByte(tagInt)
			writeU64(&buf, uint64(c))
		case float64:
			buf.WriteByte(tagFloat)
			writeU64(&buf, math.Float64bits(c))
		case string:
			buf.WriteByte(tagString)
			writeU32(&buf, uint32(len(c)))
			buf.WriteString(c)
		case bool:
			buf.WriteByte(tagBool)
			if c {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			return nil, fmt.Errorf("constant %d: unsupported type %T", i, c)
		}
	}

	writeU32(&buf, uint32(len(m.functions)))
	for _, fn := range m.functions {
		writeString16(&buf, fn.Name)
		writeU32(&buf, uint32(fn.Entry))
		writeU16(&buf, uint16(fn.Arity))
		writeU16(&buf, uint16(fn.Locals))
	}

	writeU32(&buf, uint32(len(m.symbols)))
	for name, index := range m.symbols {
		writeString16(&buf, name)
		writeU32(&buf, uint32(index))
	}

	writeU32(&buf, uint32(len(m.instructions)))
	buf.Write(m.instructions)
	return buf.Bytes(), nil
}

// Unmarshal decodes a binary module container and runs full load-time
// validation on the result.
func Unmarshal(data []byte) (*Module, error) {
	r := &reader{data: data}

	head, err := r.bytes(4)
	if err != nil || string(head) != magic {
		return nil, errz.New(errz.FaultMalformedModule, "bad magic number")
	}
	ver, err := r.byte()
	if err != nil {
		return nil, errz.New(errz.FaultMalformedModule, "truncated header")
	}
	if ver != version {
		return nil, errz.New(errz.FaultMalformedModule, "unsupported version %d", ver)
	}

	constCount, err := r.u32()
	if err != nil {
		return nil, truncated(err)
	}
	constants := make([]any, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		tag, err := r.byte()
		if err != nil {
			return nil, truncated(err)
		}
		switch tag {
		case tagInt:
			v, err := r.u64()
			if err != nil {
				return nil, truncated(err)
			}
			constants = append(constants, int64(v))
		case tagFloat:
			v, err := r.u64()
			if err != nil {
				return nil, truncated(err)
			}
			constants = append(constants, math.Float64frombits(v))
		case tagString:
			n, err := r.u32()
			if err != nil {
				return nil, truncated(err)
			}
			b, err := r.bytes(int(n))
			if err != nil {
				return nil, truncated(err)
			}
			constants = append(constants, string(b))
		case tagBool:
			b, err := r.byte()
			if err != nil {
				return nil, truncated(err)
			}
			constants = append(constants, b != 0)
		default:
			return nil, errz.New(errz.FaultMalformedModule,
				"constant %d: unknown tag 0x%02x", i, tag)
		}
	}

	fnCount, err := r.u32()
	if err != nil {
		return nil, truncated(err)
	}
	functions := make([]FunctionInfo, 0, fnCount)
	for i := uint32(0); i < fnCount; i++ {
		name, err := r.string16()
		if err != nil {
			return nil, truncated(err)
		}
		entry, err := r.u32()
		if err != nil {
			return nil, truncated(err)
		}
		arity, err := r.u16()
		if err != nil {
			return nil, truncated(err)
		}
		locals, err := r.u16()
		if err != nil {
			return nil, truncated(err)
		}
		functions = append(functions, FunctionInfo{
			Name:   name,
			Entry:  int(entry),
			Arity:  int(arity),
			Locals: int(locals),
		})
	}

	symCount, err := r.u32()
	if err != nil {
		return nil, truncated(err)
	}
	symbols := make(map[string]int, symCount)
	for i := uint32(0); i < symCount; i++ {
		name, err := r.string16()
		if err != nil {
			return nil, truncated(err)
		}
		index, err := r.u32()
		if err != nil {
			return nil, truncated(err)
		}
		symbols[name] = int(index)
	}

	streamLen, err := r.u32()
	if err != nil {
		return nil, truncated(err)
	}
	instructions, err := r.bytes(int(streamLen))
	if err != nil {
		return nil, truncated(err)
	}
	if r.remaining() != 0 {
		return nil, errz.New(errz.FaultMalformedModule,
			"%d trailing bytes after instruction stream", r.remaining())
	}

	return New(ModuleParams{
		Instructions: instructions,
		Constants:    constants,
		Functions:    functions,
		Symbols:      symbols,
	})
}

func truncated(err error) error {
	return errz.New(errz.FaultMalformedModule, "truncated module").WithCause(err)
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString16(buf *bytes.Buffer, s string) {
	writeU16(buf, uint16(len(s)))
	buf.WriteString(s)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return append([]byte(nil), b...), nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) string16() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
