// Package wire implements the IO-MUX framed message codec (spec.md 4.2, 6):
// HEADER || payload, all multi-byte fields big-endian, length == 0 marking EOF.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType identifies the direction and kind of a framed message.
type MsgType uint16

const (
	// StdinMsg carries stdin bytes destined for a single task (by GTaskID).
	StdinMsg MsgType = 1
	// StdoutMsg carries a task's stdout bytes fanned out to clients.
	StdoutMsg MsgType = 2
	// StderrMsg carries a task's stderr bytes fanned out to clients.
	StderrMsg MsgType = 3
	// AllStdinMsg carries stdin bytes destined for every task.
	AllStdinMsg MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case StdinMsg:
		return "STDIN"
	case StdoutMsg:
		return "STDOUT"
	case StderrMsg:
		return "STDERR"
	case AllStdinMsg:
		return "ALLSTDIN"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// HeaderSize is the on-wire size of a Header: two u16 task ids, a u16 type,
// and a u32 length, all big-endian.
const HeaderSize = 10

// Header is the fixed preamble of every framed message.
type Header struct {
	Type     MsgType
	GTaskID  uint16
	LTaskID  uint16
	Length   uint32
}

// IsEOF reports whether this header is the zero-length EOF marker for its
// direction and task.
func (h Header) IsEOF() bool { return h.Length == 0 }

// Marshal writes the header's 10-byte wire representation into buf, which
// must have length >= HeaderSize.
func (h Header) Marshal(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Type))
	binary.BigEndian.PutUint16(buf[2:4], h.GTaskID)
	binary.BigEndian.PutUint16(buf[4:6], h.LTaskID)
	binary.BigEndian.PutUint32(buf[6:10], h.Length)
}

// UnmarshalHeader parses a HeaderSize-byte buffer into a Header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Type:    MsgType(binary.BigEndian.Uint16(buf[0:2])),
		GTaskID: binary.BigEndian.Uint16(buf[2:4]),
		LTaskID: binary.BigEndian.Uint16(buf[4:6]),
		Length:  binary.BigEndian.Uint32(buf[6:10]),
	}, nil
}

// InitMessage is sent server->client as the first thing on a new connection
// (spec.md 6). CredSigLen matches the external credential's fixed width.
const CredSigLen = 16

// InitMessageSize is the on-wire size of InitMessage.
const InitMessageSize = CredSigLen + 4 + 4 + 4

// InitMessage seeds a newly attached client with the node and task-count
// context it needs to interpret subsequent frames.
type InitMessage struct {
	CredSig    [CredSigLen]byte
	NodeID     uint32
	NStdoutObj uint32
	NStderrObj uint32
}

// Marshal writes the init message's wire representation into buf, which
// must have length >= InitMessageSize.
func (m InitMessage) Marshal(buf []byte) {
	copy(buf[0:CredSigLen], m.CredSig[:])
	off := CredSigLen
	binary.BigEndian.PutUint32(buf[off:off+4], m.NodeID)
	binary.BigEndian.PutUint32(buf[off+4:off+8], m.NStdoutObj)
	binary.BigEndian.PutUint32(buf[off+8:off+12], m.NStderrObj)
}

// UnmarshalInitMessage parses an InitMessageSize-byte buffer.
func UnmarshalInitMessage(buf []byte) (InitMessage, error) {
	if len(buf) < InitMessageSize {
		return InitMessage{}, fmt.Errorf("wire: short init message: %d bytes, want %d", len(buf), InitMessageSize)
	}
	var m InitMessage
	copy(m.CredSig[:], buf[0:CredSigLen])
	off := CredSigLen
	m.NodeID = binary.BigEndian.Uint32(buf[off : off+4])
	m.NStdoutObj = binary.BigEndian.Uint32(buf[off+4 : off+8])
	m.NStderrObj = binary.BigEndian.Uint32(buf[off+8 : off+12])
	return m, nil
}
