// Package protocol classifies decoded frames into the messages the
// engine routes: parameter updates, data samples, and malformed frames.
//
// Ownership boundary:
// - frame: byte-level framing and reassembly
// - catalog: per-parameter value encodings
// - protocol: which frames mean what
package protocol

import (
	"github.com/tensorlab/rtmlink/internal/protocol/catalog"
	"github.com/tensorlab/rtmlink/internal/protocol/frame"
)

// Well-known RTM commands.
const (
	// DataCommand is the per-sample stream pushed during a measurement.
	DataCommand = "newd"
	// MeasureCommand starts a measurement of n samples.
	MeasureCommand = "meas"
	// ClearCommand discards the server-side data buffer.
	ClearCommand = "cldt"
	// IdentifyCommand requests the instrument identity string.
	IdentifyCommand = "*IDN?"
	// IdentityParameter mirrors the identity reply.
	IdentityParameter = "TENS"
)

// Message is one classified incoming message.
type Message interface {
	isMessage()
}

// ParameterUpdate carries a raw value push for a named parameter.
// Coercion is deferred to the store, which may still reject it.
type ParameterUpdate struct {
	Name string
	Raw  []byte
}

// DataSample carries one measurement sample.
type DataSample struct {
	Value float64
}

// Malformed reports a frame the decoder or sample decode rejected.
type Malformed struct {
	Reason string
}

func (ParameterUpdate) isMessage() {}
func (DataSample) isMessage()      {}
func (Malformed) isMessage()       {}

// Classify maps one decoded frame to its engine-level message.
func Classify(m frame.Message, cat *catalog.Catalog) Message {
	if m.Err != nil {
		return Malformed{Reason: m.Err.Error()}
	}
	if m.Cmd == DataCommand {
		v, err := cat.Unpack(DataCommand, m.Payload)
		if err != nil {
			return Malformed{Reason: err.Error()}
		}
		f, ok := v.(float64)
		if !ok {
			return Malformed{Reason: "data sample is not a float64"}
		}
		return DataSample{Value: f}
	}
	return ParameterUpdate{Name: m.Cmd, Raw: m.Payload}
}
