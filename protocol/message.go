// Package protocol defines the campus RPC envelope: the Request and Response
// messages, the per-connection Session, and the newline-delimited JSON wire
// codec both peers use.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/spf13/cast"
)

// Status is the outcome tag carried by every Response.
type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusError         Status = "ERROR"
	StatusForbidden     Status = "FORBIDDEN"
	StatusNotFound      Status = "NOT_FOUND"
	StatusBadRequest    Status = "BAD_REQUEST"
	StatusInternalError Status = "INTERNAL_ERROR"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusForbidden, StatusNotFound, StatusBadRequest, StatusInternalError:
		return true
	default:
		return false
	}
}

// ErrBadRequest is wrapped by every decode failure caused by a document that
// is valid JSON but does not fit the Request schema.
var ErrBadRequest = errors.New("bad request")

// ID is a correlation id. Peers may send it as a JSON string or number; it
// is always re-encoded as a string. The empty ID means "absent".
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*id = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
	case b[0] == '-' || (b[0] >= '0' && b[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*id = ID(n.String())
	default:
		return fmt.Errorf("id must be a string or a number, got %s", b)
	}

	return nil
}

// Request is one client call.
type Request struct {
	URI     string            `json:"uri"`
	ID      ID                `json:"id,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Session *Session          `json:"session,omitempty"`
}

// NewRequest builds a request for uri. params may be nil.
func NewRequest(uri string, params map[string]string) *Request {
	if params == nil {
		params = map[string]string{}
	}

	return &Request{URI: uri, Params: params}
}

// Param returns the value of key and whether it was present. Keys sent as
// JSON null are never present.
func (r *Request) Param(key string) (string, bool) {
	v, ok := r.Params[key]
	return v, ok
}

// ParamOr returns the value of key, or def when it is absent or empty.
func (r *Request) ParamOr(key, def string) string {
	if v, ok := r.Params[key]; ok && v != "" {
		return v
	}

	return def
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Request) Clone() *Request {
	c := *r
	c.Params = maps.Clone(r.Params)
	c.Session = r.Session.Clone()
	return &c
}

type wireRequest struct {
	URI     json.RawMessage `json:"uri"`
	ID      ID              `json:"id"`
	Params  json.RawMessage `json:"params"`
	Session *Session        `json:"session"`
}

// UnmarshalJSON implements json.Unmarshaler. Every param value is coerced to
// a string; null values are dropped so that they read as absent.
func (r *Request) UnmarshalJSON(b []byte) error {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if len(w.URI) == 0 || string(w.URI) == "null" {
		return fmt.Errorf("%w: missing uri", ErrBadRequest)
	}

	var uri string
	if err := json.Unmarshal(w.URI, &uri); err != nil {
		return fmt.Errorf("%w: uri must be a string", ErrBadRequest)
	}

	if uri == "" {
		return fmt.Errorf("%w: missing uri", ErrBadRequest)
	}

	params, err := normalizeParams(w.Params)
	if err != nil {
		return err
	}

	*r = Request{URI: uri, ID: w.ID, Params: params, Session: w.Session}
	return nil
}

func normalizeParams(raw json.RawMessage) (map[string]string, error) {
	params := map[string]string{}
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: params must be an object", ErrBadRequest)
	}

	for k, v := range values {
		s, ok, err := paramString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: param %q: %v", ErrBadRequest, k, err)
		}

		if ok {
			params[k] = s
		}
	}

	return params, nil
}

// paramString renders one decoded JSON value as a param string. ok is false
// for null. Scalars (strings, json.Number, booleans) go through cast.
func paramString(v any) (string, bool, error) {
	switch val := v.(type) {
	case nil:
		return "", false, nil
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	default:
		s, err := cast.ToStringE(val)
		if err != nil {
			return "", false, err
		}
		return s, true, nil
	}
}

// Response is the server's answer to one Request.
type Response struct {
	Status    Status   `json:"status"`
	Message   string   `json:"message"`
	Data      any      `json:"data"`
	ID        ID       `json:"id,omitempty"`
	Session   *Session `json:"session,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// NewResponse builds a response with an explicit status.
func NewResponse(status Status, message string, data any) *Response {
	return &Response{
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Success wraps data in a SUCCESS response.
func Success(data any) *Response {
	return NewResponse(StatusSuccess, "ok", data)
}

// SuccessMessage is Success with a custom message.
func SuccessMessage(message string, data any) *Response {
	return NewResponse(StatusSuccess, message, data)
}

// Fail reports a business rule violation (ERROR).
func Fail(message string) *Response {
	return NewResponse(StatusError, message, nil)
}

// Forbidden reports an authorization failure.
func Forbidden(message string) *Response {
	return NewResponse(StatusForbidden, message, nil)
}

// NotFound reports an unknown uri or missing entity.
func NotFound(message string) *Response {
	return NewResponse(StatusNotFound, message, nil)
}

// BadRequest reports input that could not be understood.
func BadRequest(message string) *Response {
	return NewResponse(StatusBadRequest, message, nil)
}

// InternalError reports an unexpected failure.
func InternalError(message string) *Response {
	return NewResponse(StatusInternalError, message, nil)
}

// WithID sets the correlation id and returns r.
func (r *Response) WithID(id ID) *Response {
	r.ID = id
	return r
}

// WithSession attaches a session change and returns r.
func (r *Response) WithSession(s *Session) *Response {
	r.Session = s
	return r
}

// IsSuccess reports whether r has status SUCCESS.
func (r *Response) IsSuccess() bool {
	return r != nil && r.Status == StatusSuccess
}

// DecodeData maps the opaque payload onto v (a pointer).
func (r *Response) DecodeData(v any) error {
	b, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to re-encode data: %w", err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}

	return nil
}
