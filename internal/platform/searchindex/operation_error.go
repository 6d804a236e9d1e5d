package searchindex

import "fmt"

type OperationErrorCode string

const (
	OperationErrorValidation  OperationErrorCode = "validation"
	OperationErrorTransport   OperationErrorCode = "transport"
	OperationErrorUpstream    OperationErrorCode = "upstream"
	OperationErrorUnavailable OperationErrorCode = "unavailable"
)

type OperationError struct {
	Op      string
	Code    OperationErrorCode
	Message string
	Err     error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("searchindex %s: %s: %s: %v", e.Op, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("searchindex %s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *OperationError) Unwrap() error { return e.Err }

func opErr(op string, code OperationErrorCode, msg string, err error) *OperationError {
	return &OperationError{Op: op, Code: code, Message: msg, Err: err}
}
