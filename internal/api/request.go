package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// requestErrorKind is the error tag front-ends match on. It is part of
// the external wire contract and must not change.
const requestErrorKind = "WebRequestError"

// RequestError is a recoverable request failure: it is reported to the
// requesting client as a structured error payload and has no effect on
// the connection or the host. Any other error returned by a handler is
// treated as fatal to the whole host.
type RequestError struct {
	Message string
}

// NewRequestError creates a recoverable request error.
func NewRequestError(format string, args ...any) *RequestError {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

func (e *RequestError) Error() string {
	return e.Message
}

// toWire returns the error's client-visible response payload.
func (e *RequestError) toWire() map[string]any {
	return map[string]any{
		"error":   requestErrorKind,
		"message": e.Message,
	}
}

// Client addresses one connected front-end. Collaborators hold Client
// references past a request's lifetime, so they must check IsClosed
// before sending.
type Client interface {
	ID() string
	Send(data any)
	IsClosed() bool
}

// Request is one decoded client request. It accumulates exactly one
// response: an explicit result, an error, or the literal "ok" default
// applied by finish.
type Request struct {
	client      Client
	id          any
	path        string
	args        map[string]any
	response    any
	hasResponse bool
}

// parseRequest decodes a frame into a Request. The client may name the
// dispatch key "path" or "method" and the argument map "args" or
// "params"; both spellings are part of the external contract.
func parseRequest(client Client, frame []byte) (*Request, error) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, err
	}

	id, ok := raw["id"]
	if !ok {
		return nil, errors.New("request missing id")
	}

	path, ok := stringField(raw, "path", "method")
	if !ok {
		return nil, errors.New("request missing path")
	}

	args := map[string]any{}
	for _, key := range []string{"args", "params"} {
		if v, present := raw[key]; present {
			m, isMap := v.(map[string]any)
			if !isMap {
				return nil, fmt.Errorf("request field %q is not an object", key)
			}
			args = m
			break
		}
	}

	return &Request{client: client, id: id, path: path, args: args}, nil
}

func stringField(raw map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := raw[key]; ok {
			if s, isString := v.(string); isString {
				return s, true
			}
		}
	}
	return "", false
}

// Client returns the connection the request arrived on.
func (r *Request) Client() Client {
	return r.client
}

// Path returns the dispatch path.
func (r *Request) Path() string {
	return r.path
}

// Args returns the raw argument map.
func (r *Request) Args() map[string]any {
	return r.args
}

// Get returns a required argument, failing with a recoverable error
// when it is absent.
func (r *Request) Get(name string) (any, error) {
	v, ok := r.args[name]
	if !ok {
		return nil, NewRequestError("Invalid Argument [%s]", name)
	}
	return v, nil
}

// GetOptional returns the argument or fallback when absent.
func (r *Request) GetOptional(name string, fallback any) any {
	if v, ok := r.args[name]; ok {
		return v
	}
	return fallback
}

// GetString returns a required string argument.
func (r *Request) GetString(name string) (string, error) {
	v, err := r.Get(name)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", NewRequestError("Invalid Argument [%s]", name)
	}
	return s, nil
}

// GetInt returns a required integer argument. JSON numbers and numeric
// strings are both accepted.
func (r *Request) GetInt(name string) (int, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		parsed, convErr := strconv.Atoi(n)
		if convErr != nil {
			return 0, NewRequestError("Invalid Argument [%s]", name)
		}
		return parsed, nil
	default:
		return 0, NewRequestError("Invalid Argument [%s]", name)
	}
}

// GetFloat returns a required float argument. JSON numbers and numeric
// strings are both accepted.
func (r *Request) GetFloat(name string) (float64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		parsed, convErr := strconv.ParseFloat(n, 64)
		if convErr != nil {
			return 0, NewRequestError("Invalid Argument [%s]", name)
		}
		return parsed, nil
	default:
		return 0, NewRequestError("Invalid Argument [%s]", name)
	}
}

// SetResult records the success response. A second call is an error.
func (r *Request) SetResult(data any) error {
	if r.hasResponse {
		return NewRequestError("Multiple calls to send not allowed")
	}
	r.response = data
	r.hasResponse = true
	return nil
}

// setError records an error response, replacing any earlier result so a
// handler that failed after a partial send still reports the failure.
func (r *Request) setError(e *RequestError) {
	r.response = e.toWire()
	r.hasResponse = true
}

// finish seals the request: a request with no recorded response gets
// the literal "ok". Returns the direct-reply envelope.
func (r *Request) finish() map[string]any {
	if !r.hasResponse {
		r.response = "ok"
		r.hasResponse = true
	}
	return map[string]any{
		"request_id": r.id,
		"response":   r.response,
	}
}
