// Package protocol defines the wire protocol between askrelay and chat
// clients over WebSocket.
//
// Clients send JSON requests whose "action" field selects a route. Answers
// travel back as frames whose encoding is chosen by a Codec: the text codec
// writes raw answer text followed by the literal "End" marker, the envelope
// codec wraps every frame in a typed JSON object.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Route keys. Connect and disconnect are synthesized by the transport; ask is
// selected by a client request's "action" field.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
	RouteAsk        = "ask"
)

// ClientRequest is the body a client sends over the socket.
type ClientRequest struct {
	Action string `json:"action"`
	Data   string `json:"data"`  // the prompt
	Token  string `json:"token"` // bearer credential, sent with every request
}

// EndMarker is the terminal frame of the text codec.
const EndMarker = "End"

// Frame types used by the envelope codec.
const (
	FrameAnswer = "answer"
	FrameEnd    = "end"
	FrameError  = "error"
)

// Error codes carried by error frames.
const (
	CodeMalformedRequest = "malformed_request"
	CodeGenerationFailed = "generation_failed"
)

// Frame is the envelope codec's wire format.
type Frame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Codec encodes answer text and control signals into frame payloads.
type Codec interface {
	Answer(text string) []byte
	End() []byte
	Error(code, message string) []byte
	Name() string
}

// Frame formats accepted by NewCodec.
const (
	FormatText     = "text"
	FormatEnvelope = "envelope"
)

// NewCodec returns the codec for a configured frame format. An empty format
// selects the text codec.
func NewCodec(format string) (Codec, error) {
	switch format {
	case FormatText, "":
		return TextCodec{}, nil
	case FormatEnvelope:
		return EnvelopeCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown frame format: %q", format)
	}
}

// TextCodec sends answers verbatim and terminates with EndMarker.
type TextCodec struct{}

func (TextCodec) Answer(text string) []byte { return []byte(text) }
func (TextCodec) End() []byte               { return []byte(EndMarker) }
func (TextCodec) Name() string              { return FormatText }

func (TextCodec) Error(code, message string) []byte {
	return []byte("Error: " + message)
}

// EnvelopeCodec wraps every frame in a Frame object so clients never have to
// tell answers and control signals apart by content.
type EnvelopeCodec struct{}

func (EnvelopeCodec) Answer(text string) []byte {
	return marshalFrame(Frame{Type: FrameAnswer, Data: text})
}

func (EnvelopeCodec) End() []byte { return marshalFrame(Frame{Type: FrameEnd}) }

func (EnvelopeCodec) Error(code, message string) []byte {
	return marshalFrame(Frame{Type: FrameError, Code: code, Message: message})
}

func (EnvelopeCodec) Name() string { return FormatEnvelope }

func marshalFrame(f Frame) []byte {
	// Frame holds only strings; Marshal cannot fail.
	data, _ := json.Marshal(f)
	return data
}
