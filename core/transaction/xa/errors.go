package xa

import (
	"errors"
	"fmt"
)

// Error carries an XA code across an API boundary, the way XAResource methods
// report failures.
type Error struct {
	Code    Code
	Message string
}

// NewError returns an *Error for code with an optional message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "xa error " + e.Code.String()
	}
	return fmt.Sprintf("xa error %s: %s", e.Code, e.Message)
}

// CodeOf extracts the XA code from err. A nil error maps to OK and an error that
// carries no code maps to ErrRMErr.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ErrRMErr
}
