// Package frame owns the RTM wire framing: a big-endian uint32 length
// covering the command plus payload, a 4-byte ASCII command, then the
// payload. The Decoder reassembles frames from an arbitrary byte stream.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CmdLen is the length of every incoming command.
	CmdLen = 4
	// headerLen covers the length prefix plus the incoming command.
	headerLen = 4 + CmdLen
	// maxOutgoingCmd bounds outgoing command length ("*IDN?" is 5 bytes).
	maxOutgoingCmd = 8
)

var (
	ErrInvalidCommand = errors.New("frame: invalid command")
	ErrFrameTooLarge  = errors.New("frame: frame exceeds limit")
	ErrBadLength      = errors.New("frame: implausible length prefix")
)

// Limits constrains decoder memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

// Encode builds one outgoing frame. Outgoing commands may be longer than
// CmdLen (the identity request is "*IDN?").
func Encode(cmd string, payload []byte) ([]byte, error) {
	if len(cmd) < CmdLen || len(cmd) > maxOutgoingCmd || !asciiPrintable([]byte(cmd)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, cmd)
	}
	buf := make([]byte, 4+len(cmd)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(cmd)+len(payload)))
	copy(buf[4:], cmd)
	copy(buf[4+len(cmd):], payload)
	return buf, nil
}

// Message is one decoded frame. Err is set for a malformed frame that the
// decoder skipped; Cmd and Payload are empty in that case.
type Message struct {
	Cmd     string
	Payload []byte
	Err     error
}

// Decoder reassembles complete frames from a byte stream. Feed never
// blocks; trailing partial frames stay buffered for the next call.
type Decoder struct {
	limits Limits
	buf    []byte
}

func NewDecoder(limits Limits) *Decoder {
	if limits.MaxPayloadBytes == 0 {
		limits = DefaultLimits()
	}
	return &Decoder{limits: limits}
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends p and extracts zero or more complete messages. A corrupt
// header yields a single Message with Err set, after which the decoder
// resynchronizes on the next plausible frame boundary.
func (d *Decoder) Feed(p []byte) []Message {
	d.buf = append(d.buf, p...)
	var out []Message
	for {
		if len(d.buf) < headerLen {
			return out
		}
		if err := d.headerError(d.buf); err != nil {
			out = append(out, Message{Err: err})
			d.resync()
			continue
		}
		length := binary.BigEndian.Uint32(d.buf[0:4])
		total := 4 + int(length)
		if len(d.buf) < total {
			return out
		}
		cmd := string(d.buf[4:headerLen])
		payload := make([]byte, total-headerLen)
		copy(payload, d.buf[headerLen:total])
		d.buf = d.buf[total:]
		out = append(out, Message{Cmd: cmd, Payload: payload})
	}
}

// headerError validates the bytes at the head of buf as a frame header.
func (d *Decoder) headerError(buf []byte) error {
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < CmdLen {
		return fmt.Errorf("%w: %d", ErrBadLength, length)
	}
	if length-CmdLen > d.limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length-CmdLen)
	}
	if !asciiPrintable(buf[4:headerLen]) {
		return fmt.Errorf("%w: % x", ErrInvalidCommand, buf[4:headerLen])
	}
	return nil
}

// resync discards the corrupt header and scans forward for the next
// offset that looks like a valid frame header. When none is found the
// tail that could still start one is kept buffered.
func (d *Decoder) resync() {
	for i := 1; i+headerLen <= len(d.buf); i++ {
		if d.headerError(d.buf[i:]) == nil {
			d.buf = d.buf[i:]
			return
		}
	}
	keep := headerLen - 1
	if len(d.buf) > keep {
		d.buf = d.buf[len(d.buf)-keep:]
	}
}

func asciiPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
