package api

import (
	"errors"
	"fmt"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	param string
	msg   string
}

func (e invalidRequestError) Error() string { return e.msg }

func (e invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(param, format string, args ...any) error {
	return invalidRequestError{param: param, msg: fmt.Sprintf(format, args...)}
}

func invalidParam(err error) string {
	var ir invalidRequestError
	if errors.As(err, &ir) {
		return ir.param
	}
	return ""
}
