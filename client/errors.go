package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tomyedwab/orbd/rpc"
	"github.com/tomyedwab/orbd/types"
)

// ErrObjectNotExist is returned when the daemon reports that an object does
// not exist.
var ErrObjectNotExist = errors.New("object does not exist")

// ErrUnauthorized is returned when the activation token was rejected.
var ErrUnauthorized = errors.New("unauthorized")

// Error is a non-2xx response that does not map to a known sentinel.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Unwrap returns the sentinel the code maps to, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// errorFromResponse decodes an rpc.ErrorResponse body and maps its code back
// to the sentinel error the daemon started from, so callers can use
// errors.Is across the wire.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er rpc.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		return &Error{StatusCode: resp.StatusCode, Message: string(body)}
	}
	e := &Error{StatusCode: resp.StatusCode, Code: er.Code, Message: er.Message}
	switch er.Code {
	case rpc.CodeObjectNotExist:
		e.Cause = ErrObjectNotExist
	case rpc.CodeUnauthorized:
		e.Cause = ErrUnauthorized
	default:
		e.Cause = types.ErrorForCode(er.Code)
	}
	return e
}
