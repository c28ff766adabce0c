package ratchet

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/radix-relay/bridge-core/internal/bridgeerr"
)

// Wire tags distinguish the two ciphertext shapes from spec §6.2. The
// facade checks this leading byte (IsPreKeyMessage) to route the
// ciphertext and hands the whole tagged message to the session engine,
// which decodes the tag again.
const (
	tagPreKeyMessage  byte = 0x01
	tagRegularMessage byte = 0x02
)

func encodeHeader(buf *bytes.Buffer, h Header) {
	buf.Write(h.DHPublic[:])
	buf.Write(h.PQPublic[:])
	writeLPBytes(buf, h.PQCiphertext)
	writeU32(buf, h.PN)
	writeU32(buf, h.N)
}

func decodeHeader(r *bytes.Reader) (Header, error) {
	var h Header
	if _, err := io.ReadFull(r, h.DHPublic[:]); err != nil {
		return h, bridgeerr.Serialization("failed to read header dh public key", err)
	}
	if _, err := io.ReadFull(r, h.PQPublic[:]); err != nil {
		return h, bridgeerr.Serialization("failed to read header pq public key", err)
	}
	ciphertext, err := readLPBytes(r)
	if err != nil {
		return h, bridgeerr.Serialization("failed to read header pq ciphertext", err)
	}
	h.PQCiphertext = ciphertext
	if h.PN, err = readU32(r); err != nil {
		return h, bridgeerr.Serialization("failed to read header pn", err)
	}
	if h.N, err = readU32(r); err != nil {
		return h, bridgeerr.Serialization("failed to read header n", err)
	}
	return h, nil
}

// regularEnvelope wraps a ratchet header and its ciphertext, the
// "regular-message" wire shape.
type regularEnvelope struct {
	Header     Header
	Ciphertext []byte
}

func (e *regularEnvelope) encode() []byte {
	var buf bytes.Buffer
	encodeHeader(&buf, e.Header)
	writeLPBytes(&buf, e.Ciphertext)
	return buf.Bytes()
}

func decodeRegularEnvelope(data []byte) (*regularEnvelope, error) {
	r := bytes.NewReader(data)
	h, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	ciphertext, err := readLPBytes(r)
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read envelope ciphertext", err)
	}
	if r.Len() != 0 {
		return nil, bridgeerr.Serialization("trailing bytes after regular envelope", nil)
	}
	return &regularEnvelope{Header: h, Ciphertext: ciphertext}, nil
}

// preKeyEnvelope wraps the X3DH handshake material a responder needs
// alongside the first regular envelope, the "prekey-message" wire
// shape.
type preKeyEnvelope struct {
	RegistrationID   uint32
	DeviceID         uint32
	IdentityKey      []byte // 65-byte blob, see package bundle
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	SignedPreKeyID   uint32
	PQPreKeyID       uint32
	Inner            regularEnvelope
}

func (e *preKeyEnvelope) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagPreKeyMessage)
	writeU32(&buf, e.RegistrationID)
	writeU32(&buf, e.DeviceID)
	writeLPBytes(&buf, e.IdentityKey)
	if e.HasOneTimePreKey {
		buf.WriteByte(1)
		writeU32(&buf, e.OneTimePreKeyID)
	} else {
		buf.WriteByte(0)
	}
	writeU32(&buf, e.SignedPreKeyID)
	writeU32(&buf, e.PQPreKeyID)
	writeLPBytes(&buf, e.Inner.encode())
	return buf.Bytes()
}

func decodePreKeyEnvelope(data []byte) (*preKeyEnvelope, error) {
	r := bytes.NewReader(data)
	e := &preKeyEnvelope{}

	var err error
	if e.RegistrationID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read registration id", err)
	}
	if e.DeviceID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read device id", err)
	}
	if e.IdentityKey, err = readLPBytes(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read identity key", err)
	}

	hasOTK, err := r.ReadByte()
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read one-time prekey flag", err)
	}
	switch hasOTK {
	case 0:
		e.HasOneTimePreKey = false
	case 1:
		e.HasOneTimePreKey = true
		if e.OneTimePreKeyID, err = readU32(r); err != nil {
			return nil, bridgeerr.Serialization("failed to read one-time prekey id", err)
		}
	default:
		return nil, bridgeerr.Serialization("invalid one-time prekey flag", nil)
	}

	if e.SignedPreKeyID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read signed prekey id", err)
	}
	if e.PQPreKeyID, err = readU32(r); err != nil {
		return nil, bridgeerr.Serialization("failed to read pq prekey id", err)
	}

	innerBytes, err := readLPBytes(r)
	if err != nil {
		return nil, bridgeerr.Serialization("failed to read inner envelope", err)
	}
	inner, err := decodeRegularEnvelope(innerBytes)
	if err != nil {
		return nil, err
	}
	e.Inner = *inner

	if r.Len() != 0 {
		return nil, bridgeerr.Serialization("trailing bytes after prekey envelope", nil)
	}
	return e, nil
}

// encodeRegularMessage tags and serializes a regular-message envelope.
func encodeRegularMessage(e *regularEnvelope) []byte {
	body := e.encode()
	out := make([]byte, 0, len(body)+1)
	out = append(out, tagRegularMessage)
	out = append(out, body...)
	return out
}

// IsPreKeyMessage reports whether data is tagged as a prekey-message,
// without fully decoding it. The facade uses this to decide whether an
// incoming ciphertext should bootstrap a new session or advance an
// existing one.
func IsPreKeyMessage(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, bridgeerr.Serialization("empty ciphertext", nil)
	}
	switch data[0] {
	case tagPreKeyMessage:
		return true, nil
	case tagRegularMessage:
		return false, nil
	default:
		return false, bridgeerr.Serialization("unknown wire tag", nil)
	}
}

// decodeTaggedMessage parses the leading wire tag and dispatches to
// the matching envelope decoder.
func decodeTaggedMessage(data []byte) (isPreKey bool, preKey *preKeyEnvelope, regular *regularEnvelope, err error) {
	if len(data) < 1 {
		return false, nil, nil, bridgeerr.Serialization("empty ciphertext", nil)
	}
	tag, body := data[0], data[1:]
	switch tag {
	case tagPreKeyMessage:
		pk, err := decodePreKeyEnvelope(body)
		if err != nil {
			return false, nil, nil, err
		}
		return true, pk, nil, nil
	case tagRegularMessage:
		re, err := decodeRegularEnvelope(body)
		if err != nil {
			return false, nil, nil, err
		}
		return false, nil, re, nil
	default:
		return false, nil, nil, bridgeerr.Serialization("unknown wire tag", nil)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func writeLPBytes(buf *bytes.Buffer, v []byte) {
	writeU32(buf, uint32(len(v)))
	buf.Write(v)
}

func readLPBytes(r *bytes.Reader) ([]byte, error) {
	length, err := readU32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
