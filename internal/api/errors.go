package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel kinds for the gateway error taxonomy. Callers branch with
// errors.Is against these while displaying Error.UserMessage.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrServer       = errors.New("server error")
	ErrNetwork      = errors.New("network unavailable")
	ErrParse        = errors.New("malformed response")
)

// Error is the single error type returned by the gateway. Kind is always
// one of the sentinels above; Fields is populated for 422 responses.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Fields     map[string]string
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("api: %s (http %d): %s", e.Kind.Error(), e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Kind.Error(), e.Message)
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.cause
}

// UserMessage is the human-readable string surfaced to the UI. The kind
// stays available for programmatic branching (a 401 suppresses the
// generic notice because a redirect is already underway).
func (e *Error) UserMessage() string {
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		return "Validation failed: " + strings.Join(parts, "; ")
	}
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ErrUnauthorized:
		return "Session expired, please sign in again"
	case ErrForbidden:
		return "You do not have permission to perform this action"
	case ErrNotFound:
		return "The requested item no longer exists"
	case ErrNetwork:
		return "Could not reach the server, check your connection"
	case ErrParse:
		return "The server returned an unexpected response"
	}
	return "The server encountered an error, please try again"
}

func networkError(err error) *Error {
	return &Error{Kind: ErrNetwork, Message: "request failed: " + err.Error(), cause: err}
}

func parseError(err error) *Error {
	return &Error{Kind: ErrParse, Message: "decoding response: " + err.Error(), cause: err}
}

// classifyStatus converts a non-2xx response into a taxonomy error,
// extracting the server's detail message. Error bodies are either
// {"detail": "message"} or, for 422, {"detail": [{"loc": [...], "msg":
// "..."}]} with field-level messages.
func classifyStatus(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}
	switch {
	case statusCode == http.StatusUnauthorized:
		apiErr.Kind = ErrUnauthorized
	case statusCode == http.StatusForbidden:
		apiErr.Kind = ErrForbidden
	case statusCode == http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	case statusCode == http.StatusUnprocessableEntity:
		apiErr.Kind = ErrValidation
	case statusCode >= 500:
		apiErr.Kind = ErrServer
	default:
		apiErr.Kind = ErrServer
	}

	message, fields := extractDetail(body)
	apiErr.Message = message
	apiErr.Fields = fields
	return apiErr
}

func extractDetail(body []byte) (string, map[string]string) {
	if len(body) == 0 {
		return "", nil
	}
	var plain struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &plain); err == nil && plain.Detail != "" {
		return plain.Detail, nil
	}

	var structured struct {
		Detail []struct {
			Loc []json.RawMessage `json:"loc"`
			Msg string            `json:"msg"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &structured); err != nil || len(structured.Detail) == 0 {
		return "", nil
	}
	fields := make(map[string]string, len(structured.Detail))
	for _, item := range structured.Detail {
		fields[fieldName(item.Loc)] = item.Msg
	}
	return "", fields
}

func fieldName(loc []json.RawMessage) string {
	if len(loc) == 0 {
		return "request"
	}
	var name string
	if err := json.Unmarshal(loc[len(loc)-1], &name); err != nil || name == "" {
		return "request"
	}
	return name
}
