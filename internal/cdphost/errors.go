package cdphost

import "fmt"

const (
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
	CodeTabNotFound    = "TAB_NOT_FOUND"
	CodeProtocol       = "PROTOCOL"
)

// CodedError is a typed host error. errors.Is matches on Code.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	return ok && t.Code == e.Code
}

var (
	ErrCDPUnavailable = &CodedError{Code: CodeCDPUnavailable, Message: "browser not connected"}
	ErrTabNotFound    = &CodedError{Code: CodeTabNotFound, Message: "tab not found"}
)

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}
