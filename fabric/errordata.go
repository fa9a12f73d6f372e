package fabric

import "fmt"

// ErrorData is the wire representation of a remote exception. It is built by
// enumerating the own properties of the error that triggered an RPC_REJECT:
// message, name, and stack where present, plus any additional fields
// attached by an error that implements [ErrorFields].
type ErrorData struct {
	Name    string         `json:"name,omitempty"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Cause   *ErrorData     `json:"cause,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ErrorFields is implemented by an error that wants to attach additional
// own-property data to its [ErrorData] marshaling, beyond name and message.
type ErrorFields interface {
	ErrorFields() map[string]any
}

// Error implements the error interface.
func (e *ErrorData) Error() string {
	if e == nil {
		return ""
	}
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap reports the cause of e, if any, permitting errors.Is/As to see
// through a reconstructed remote error chain.
func (e *ErrorData) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// NewErrorData marshals err into an ErrorData snapshot by enumerating its
// own properties: its message, a type-derived name, an optional stack trace
// if err implements interface{ Stack() string }, any fields contributed by
// [ErrorFields], and the error chain reachable by errors.Unwrap as Cause.
func NewErrorData(err error) *ErrorData {
	if err == nil {
		return nil
	}
	if ed, ok := err.(*ErrorData); ok {
		return ed
	}

	out := &ErrorData{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if s, ok := err.(interface{ Stack() string }); ok {
		out.Stack = s.Stack()
	}
	if f, ok := err.(ErrorFields); ok {
		out.Extra = f.ErrorFields()
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		if cause := u.Unwrap(); cause != nil {
			out.Cause = NewErrorData(cause)
		}
	}
	return out
}

// CallError is the concrete type of error reported by [Connection.Call]. For
// remote exceptions, ErrorData carries the snapshot sent in the RPC_REJECT
// envelope and Err is nil. For local errors (transport failure, closed
// connection, context cancellation), Err carries the underlying cause.
type CallError struct {
	ErrorData
	Err      error  // nil for remote service errors
	CallName string // the dotted path that was being called
	CallID   string
}

// Unwrap reports the underlying local error of c, if any.
func (c *CallError) Unwrap() error { return c.Err }

// Error implements the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("call %s: %v", c.CallName, c.Err)
	}
	return fmt.Sprintf("call %s: remote error: %v", c.CallName, c.ErrorData.Error())
}
