package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer from the backend. Message is the server's
// own text, unmodified.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned status %d", e.StatusCode)
}

// IsConflict reports whether the backend refused because of a competing
// write, such as a slot taken by a concurrent booking.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsClientError reports a 4xx answer.
func (e *APIError) IsClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// AsAPIError unwraps err into an *APIError if it is one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type errorBody struct {
	Message string   `json:"message"`
	Error   string   `json:"error"`
	Errors  []string `json:"errors"`
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		switch {
		case eb.Message != "":
			e.Message = eb.Message
		case eb.Error != "":
			e.Message = eb.Error
		case len(eb.Errors) > 0:
			e.Message = strings.Join(eb.Errors, "; ")
		}
		return e
	}

	// Non-JSON bodies (proxies, plain-text handlers) are passed through.
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 512 {
		e.Message = text
	}
	return e
}
