package cerr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/guildwatch/guildwatch/pkg/clog"
)

type Error struct {
	Code  Code
	Msg   string // returned to the caller together with the code
	Err   error  // underlying error, kept for logs only
	Stack string // stack trace, captured for error-level codes
}

func NewError(code Code, msg string, underlying error) *Error {
	err := &Error{
		Code: code,
		Msg:  msg,
		Err:  underlying,
	}
	if clog.HTTPStatusToLevel(code.HTTPCode()) == clog.LevelError {
		stackTrace := make([]byte, 2048)
		n := runtime.Stack(stackTrace, false)
		err.Stack = string(stackTrace[0:n])
	}
	return err
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsCode(err error, code Code) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or Unknown when err is not a *Error.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return Unknown
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteHTTPResponse writes response as JSON, or the error as a coded JSON
// body when err is non-nil. Non-*Error values are reported as Unknown.
func WriteHTTPResponse(ctx context.Context, rw http.ResponseWriter, response any, err error) {
	if err == nil {
		writeJSON(ctx, rw, response)
		return
	}
	if errors.Is(err, context.Canceled) {
		writeJSONError(ctx, rw, NewError(Canceled, "connection closed", err))
		return
	}

	clog.AddError(ctx, err)
	var cErr *Error
	if errors.As(err, &cErr) {
		if cErr.Stack != "" {
			clog.AddStack(ctx, cErr.Stack)
		}
		writeJSONError(ctx, rw, cErr)
		return
	}
	writeJSONError(ctx, rw, NewError(Unknown, "unknown error", err))
}

func writeJSON(ctx context.Context, rw http.ResponseWriter, response any) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(response); err != nil {
		writeJSONError(ctx, rw, NewError(Internal, "server error", err))
		return
	}
	if _, err := rw.Write(buf.Bytes()); err != nil {
		clog.AddError(ctx, NewError(Internal, "server error", err))
	}
}

func writeJSONError(ctx context.Context, rw http.ResponseWriter, origErr *Error) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(origErr.Code.HTTPCode())
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(httpError{Code: origErr.Code.String(), Message: origErr.Msg}); err != nil {
		buf = bytes.NewBufferString(`{"code":"internal","message":"server error"}`)
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
	if _, err := rw.Write(buf.Bytes()); err != nil {
		origErr.Err = errors.Join(origErr.Err, err)
		clog.AddError(ctx, origErr)
	}
}
