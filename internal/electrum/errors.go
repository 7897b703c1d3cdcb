package electrum

import "fmt"

// JSON-RPC and query error codes.
const (
    ErrCodeParse          = -32700
    ErrCodeInvalidRequest = -32600
    ErrCodeMethodNotFound = -32601
    ErrCodeInvalidParams  = -32602
    ErrCodeInternal       = -32603

    // ErrCodeBadRequest is a well-formed request the index cannot answer,
    // such as an out of range height or an oversized history.
    ErrCodeBadRequest = 1

    // ErrCodeDaemon is a failure talking to the full node.
    ErrCodeDaemon = 2
)

// QueryError is returned to the requesting client as a value. It never
// affects other requests.
type QueryError struct {
    Code    int    `json:"code"`
    Message string `json:"message"`
}

func (e *QueryError) Error() string {
    return fmt.Sprintf("query error %d: %s", e.Code, e.Message)
}

func badParams(format string, args ...interface{}) *QueryError {
    return &QueryError{Code: ErrCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...interface{}) *QueryError {
    return &QueryError{Code: ErrCodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *QueryError {
    return &QueryError{Code: ErrCodeInternal, Message: err.Error()}
}
