package ratchet

import (
	"encoding/binary"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
)

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLP(buf []byte, v []byte) []byte {
	buf = appendU32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendOptional32(buf []byte, v *[32]byte) []byte {
	if v == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return append(buf, v[:]...)
}

// byteCursor is a minimal forward-only reader over an owned byte
// slice, used for state deserialization where bytes.Reader's API
// would otherwise need wrapping on every call site.
type byteCursor struct {
	data []byte
	pos  int
}

func (c *byteCursor) done() bool {
	return c.pos == len(c.data)
}

func (c *byteCursor) readU32() (uint32, error) {
	if c.pos+4 > len(c.data) {
		return 0, bridgeerr.Serialization("unexpected end of data reading u32", nil)
	}
	v := binary.BigEndian.Uint32(c.data[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *byteCursor) readLP() ([]byte, error) {
	length, err := c.readU32()
	if err != nil {
		return nil, err
	}
	if c.pos+int(length) > len(c.data) {
		return nil, bridgeerr.Serialization("unexpected end of data reading length-prefixed bytes", nil)
	}
	out := c.data[c.pos : c.pos+int(length)]
	c.pos += int(length)
	return out, nil
}

func (c *byteCursor) readOptional32() (*[32]byte, error) {
	if c.pos+1 > len(c.data) {
		return nil, bridgeerr.Serialization("unexpected end of data reading optional flag", nil)
	}
	flag := c.data[c.pos]
	c.pos++
	if flag == 0 {
		return nil, nil
	}
	if c.pos+32 > len(c.data) {
		return nil, bridgeerr.Serialization("unexpected end of data reading optional key", nil)
	}
	var out [32]byte
	copy(out[:], c.data[c.pos:c.pos+32])
	c.pos += 32
	return &out, nil
}
