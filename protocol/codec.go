package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame (and any not yet terminated
// line) to 10 MB.
const DefaultMaxFrameSize = 10 << 20

var (
	// ErrFrameTooLarge is returned by FrameDecoder.Feed once buffered input
	// exceeds the configured maximum. The peer is misbehaving and the
	// connection must be dropped.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformedFrame marks a frame whose text is not valid JSON even
	// though it is syntactically complete.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one complete JSON document taken off the wire. Err is set
// (ErrMalformedFrame) when the text could never become valid JSON; Payload
// then holds the discarded text for logging.
type Frame struct {
	Payload []byte
	Err     error
}

// FrameDecoder splits a byte stream into newline-delimited JSON frames.
//
// Payloads are not guaranteed to fit on one line: a line that is an
// incomplete JSON document (for instance the first line of a pretty-printed
// object) is kept and the following lines are appended to it until the
// document either parses or turns out to be malformed.
//
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	maxSize int
	line    []byte
	pending []byte
}

// NewFrameDecoder returns a decoder enforcing maxSize; maxSize <= 0 selects
// DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	return &FrameDecoder{maxSize: maxSize}
}

// Feed consumes p and returns the frames completed by it, in wire order.
//
// Parameters:
//   - p: Bytes just read from the connection; not retained
//
// Returns:
//   - Zero or more frames
//   - ErrFrameTooLarge when the buffered input exceeds the maximum; frames
//     completed before the overflow are still returned
func (d *FrameDecoder) Feed(p []byte) ([]Frame, error) {
	var frames []Frame
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			d.line = append(d.line, p...)
			if len(d.line)+len(d.pending) > d.maxSize {
				d.Reset()
				return frames, ErrFrameTooLarge
			}

			return frames, nil
		}

		d.line = append(d.line, p[:i]...)
		p = p[i+1:]

		line := bytes.TrimSuffix(d.line, []byte{'\r'})
		if len(d.pending) > 0 {
			d.pending = append(d.pending, '\n')
		}
		d.pending = append(d.pending, line...)
		d.line = d.line[:0]

		if len(d.pending) > d.maxSize {
			d.Reset()
			return frames, ErrFrameTooLarge
		}

		if frame, ok := d.classify(); ok {
			frames = append(frames, frame)
		}
	}

	return frames, nil
}

// Buffered reports how many bytes are held waiting for more input.
func (d *FrameDecoder) Buffered() int {
	return len(d.line) + len(d.pending)
}

// Reset drops all buffered input.
func (d *FrameDecoder) Reset() {
	d.line = nil
	d.pending = nil
}

// classify inspects the pending document. It returns ok == false when the
// document is blank or incomplete and must wait for more lines.
func (d *FrameDecoder) classify() (Frame, bool) {
	doc := bytes.TrimSpace(d.pending)
	if len(doc) == 0 {
		d.pending = d.pending[:0]
		return Frame{}, false
	}

	switch completeness(doc) {
	case docIncomplete:
		return Frame{}, false
	case docComplete:
		frame := Frame{Payload: bytes.Clone(doc)}
		d.pending = d.pending[:0]
		return frame, true
	default:
		frame := Frame{Payload: bytes.Clone(doc), Err: ErrMalformedFrame}
		d.pending = d.pending[:0]
		return frame, true
	}
}

type docState int

const (
	docComplete docState = iota
	docIncomplete
	docMalformed
)

// completeness decides whether doc is one complete JSON value, the prefix of
// one, or garbage.
func completeness(doc []byte) docState {
	dec := json.NewDecoder(bytes.NewReader(doc))

	var v json.RawMessage
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return docIncomplete
		}

		return docMalformed
	}

	// anything but whitespace after the first value is garbage
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return docMalformed
	}

	return docComplete
}

// Encode renders v as one frame: compact JSON followed by a single newline.
// Newlines inside strings are escaped by the JSON encoder, so the only raw
// newline is the terminator.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	// json.Encoder already appends exactly one '\n'
	return buf.Bytes(), nil
}

// DecodeRequest maps a frame payload onto a Request. Errors wrap
// ErrBadRequest.
func DecodeRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	return &req, nil
}

// DecodeResponse maps a frame payload onto a Response.
func DecodeResponse(payload []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &resp, nil
}

// PeekID extracts the "id" member of a payload that could not be mapped
// onto a Request, so the resulting BAD_REQUEST can still be correlated.
// It returns "" when no usable id exists.
func PeekID(payload []byte) ID {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}

	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}

	var id ID
	if err := id.UnmarshalJSON(probe.ID); err != nil {
		return ""
	}

	return id
}
