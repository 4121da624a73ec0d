// Package envelope defines the wire-level request and response shapes shared by
// every transport, and the closed status taxonomy surfaced to callers.
package envelope

import (
	"strings"
	"time"
)

// Request is the transport-agnostic client request envelope.
type Request struct {
	ActionID     string            `json:"action_id"`
	CollectionID string            `json:"collection_id,omitempty"`
	Parameters   map[string]any    `json:"parameters"`
	Tag          string            `json:"tag,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`

	// Auth is filled by the authenticator once the request passed the auth gate.
	Auth *AuthContext `json:"-"`
}

// Header returns the value of the named header, matched case-insensitively.
func (r *Request) Header(name string) string {
	if r == nil {
		return ""
	}
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// SetHeader sets a header unless the request already carries one with that name.
func (r *Request) SetHeader(name, value string) {
	if r.Header(name) != "" {
		return
	}
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[name] = value
}

// AuthContext holds the decoded credential claims for one request.
type AuthContext struct {
	Subject   string
	Groups    []string
	ExpiresAt time.Time
}

// StatusBody is the "status" object of a response.
type StatusBody struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// Response is the canonical response envelope: {status, tag?, data?}.
type Response struct {
	Status StatusBody `json:"status"`
	Tag    string     `json:"tag,omitempty"`
	Data   any        `json:"data,omitempty"`
}

// Build produces a response envelope. The message is dropped for successful
// statuses and data is only attached when non-nil.
func Build(status Status, message, tag string, data any) *Response {
	if !status.Valid() {
		status = StatusInternalServerError
		message = ""
		data = nil
	}
	body := StatusBody{Code: status.Code(), Name: status.String()}
	if !status.IsSuccess() {
		body.Message = message
	}
	return &Response{Status: body, Tag: tag, Data: data}
}

// OK builds a successful response carrying data.
func OK(tag string, data any) *Response {
	return Build(StatusOK, "", tag, data)
}

// Fail builds a non-success response with an optional message.
func Fail(status Status, message, tag string) *Response {
	return Build(status, message, tag, nil)
}

// StatusOf maps the response status body back to a Status value.
func (r *Response) StatusOf() Status {
	if r == nil {
		return StatusUnset
	}
	s, _ := ParseStatus(r.Status.Name)
	return s
}

