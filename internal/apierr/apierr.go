// Package apierr defines the closed set of failures the bridge can report
// and maps each of them onto an OpenAI-compatible error envelope.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a failure. The set is closed: Map handles every value.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthentication
	KindUpstream
	KindTransport
	KindInternal
)

// Envelope types as seen by OpenAI clients.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeUpstream       = "upstream_error"
	TypeTransport      = "transport_error"
	TypeInternal       = "internal_error"
)

// maxBodyInMessage bounds how much upstream body text is embedded in a message.
const maxBodyInMessage = 4096

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified failure. Status is only meaningful for KindUpstream,
// where it carries the backend's HTTP status verbatim.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports a malformed request or a missing required field.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Validationf is Validation with formatting. A trailing %w is honoured.
func Validationf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: KindValidation, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Authentication reports a missing or empty bearer credential.
func Authentication(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

// Upstream reports a non-2xx backend response.
func Upstream(status int, body string) *Error {
	return &Error{
		Kind:    KindUpstream,
		Status:  status,
		Message: fmt.Sprintf("dify api error: %d - %s", status, Truncate(body, maxBodyInMessage)),
	}
}

// Transport reports a failure to reach the backend or to read its response.
func Transport(err error) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: fmt.Sprintf("upstream request failed: %v", err),
		Err:     err,
	}
}

// Internal reports anything else, including undecodable backend bodies.
func Internal(err error) *Error {
	msg := "internal server error"
	if err != nil {
		msg = "internal server error: " + err.Error()
	}
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// Envelope is the body of an error response.
type Envelope struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// Body wraps Envelope the way OpenAI clients expect it.
type Body struct {
	Error Envelope `json:"error"`
}

// Classify returns err as a classified *Error. Unclassified errors become
// KindInternal.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Map converts any failure into the envelope sent to the caller.
func Map(err error) Envelope {
	e := Classify(err)
	if e == nil {
		e = Internal(nil)
	}

	switch e.Kind {
	case KindValidation:
		return Envelope{Message: e.Error(), Type: TypeInvalidRequest, Code: http.StatusBadRequest}
	case KindAuthentication:
		return Envelope{Message: e.Error(), Type: TypeInvalidRequest, Code: http.StatusUnauthorized}
	case KindUpstream:
		code := e.Status
		if code < 100 || code > 999 {
			code = http.StatusBadGateway
		}
		return Envelope{Message: e.Error(), Type: TypeUpstream, Code: code}
	case KindTransport:
		return Envelope{Message: e.Error(), Type: TypeTransport, Code: http.StatusBadGateway}
	case KindInternal:
		return Envelope{Message: e.Error(), Type: TypeInternal, Code: http.StatusInternalServerError}
	default:
		return Envelope{Message: e.Error(), Type: TypeInternal, Code: http.StatusInternalServerError}
	}
}

// Truncate shortens s to at most limit bytes on a rune boundary, marking the cut.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
