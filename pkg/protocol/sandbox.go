package protocol

import "encoding/json"

// FrameKind discriminates the sandbox frames carried inside Data payloads.
type FrameKind string

const (
	FrameRequest      FrameKind = "request"
	FrameResponse     FrameKind = "response"
	FrameFutureResult FrameKind = "future_result"
	FrameData         FrameKind = "data"
)

// Frame is the self-describing record exchanged between the controller, the
// guest interpreter, and the SDK. Exactly one of the variant fields is set,
// selected by Kind.
type Frame struct {
	Kind FrameKind `json:"kind"`

	Request  *FramedRequest  `json:"request,omitempty"`
	Response *FramedResponse `json:"response,omitempty"`
	Future   *FutureResult   `json:"future_result,omitempty"`
	Data     []byte          `json:"data,omitempty"`
}

// FramedRequest is a request addressed to the guest. Controller-originated
// requests use negative mids; client-originated mids are positive.
type FramedRequest struct {
	MID  int64           `json:"mid"`
	FID  int64           `json:"fid"`
	Fmt  string          `json:"fmt,omitempty"`
	Defs json.RawMessage `json:"defs,omitempty"`
	Data []byte          `json:"data,omitempty"`
}

// FramedResponse is the guest's reply to a FramedRequest, correlated by mid.
// Exactly one of Data and Error is set.
type FramedResponse struct {
	MID   int64         `json:"mid"`
	Data  []byte        `json:"data,omitempty"`
	Error *SandboxError `json:"error,omitempty"`
}

// FutureResult is an asynchronous value or error addressed to a logical
// future on the client side; the fid is the invocation id.
type FutureResult struct {
	FID   string          `json:"fid"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *SandboxError   `json:"error,omitempty"`
}

// SandboxError describes a guest-side failure.
type SandboxError struct {
	Name      string `json:"name"`
	Message   string `json:"message,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// EncodeFrame marshals a frame for transport inside a Data payload.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame unmarshals a frame from a Data payload.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
