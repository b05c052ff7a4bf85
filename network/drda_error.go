package network

import (
	"fmt"
	"strings"
)

const (
	// StateWarning is the generic SQL warning class.
	StateWarning = "01000"
	// StateNoSuchMethodAlias is returned when a stored procedure is unknown to the server.
	StateNoSuchMethodAlias = "42Y03"
	// StateLobObjectInvalid is reported for freed LOBs or locators invalidated by commit/rollback.
	StateLobObjectInvalid = "XJ215"
	// StateLobLocatorInvalid is the server-side code for an unknown locator.
	StateLobLocatorInvalid = "XJ217"
	// StateStatementClosed is reported when a closed statement is used.
	StateStatementClosed = "XJ012"
)

// SqlError is an error reply from the server. Servers may chain several
// errors for a single request, the chain is linked through Next.
type SqlError struct {
	SQLState string
	ErrCode  int
	ErrMsg   string
	Next     *SqlError
	Cause    error
}

func NewSqlError(state string, code int, msg string) *SqlError {
	return &SqlError{SQLState: state, ErrCode: code, ErrMsg: msg}
}

func (err *SqlError) Error() string {
	if err.Next == nil {
		return err.message()
	}
	var b strings.Builder
	for e := err; e != nil; e = e.Next {
		if e != err {
			b.WriteString("; ")
		}
		b.WriteString(e.message())
	}
	return b.String()
}

func (err *SqlError) message() string {
	if len(err.SQLState) == 0 {
		return err.ErrMsg
	}
	return fmt.Sprintf("SQLSTATE %s: %s", err.SQLState, err.ErrMsg)
}

func (err *SqlError) Unwrap() error {
	if err.Cause != nil {
		return err.Cause
	}
	if err.Next != nil {
		return err.Next
	}
	return nil
}

// Chain appends next at the end of the chain and returns err.
func (err *SqlError) Chain(next *SqlError) *SqlError {
	last := err
	for last.Next != nil {
		last = last.Next
	}
	last.Next = next
	return err
}

// Find returns the first error in the chain with the given SQL state.
func (err *SqlError) Find(state string) *SqlError {
	for e := err; e != nil; e = e.Next {
		if e.SQLState == state {
			return e
		}
	}
	return nil
}

// SqlWarning is attached to a statement instead of being returned.
type SqlWarning struct {
	SQLState string
	ErrMsg   string
	Cause    error
}

func NewSqlWarning(msg string, cause error) *SqlWarning {
	return &SqlWarning{SQLState: StateWarning, ErrMsg: msg, Cause: cause}
}

func (w *SqlWarning) Error() string {
	if w.Cause != nil {
		return fmt.Sprintf("SQLSTATE %s: %s: %v", w.SQLState, w.ErrMsg, w.Cause)
	}
	return fmt.Sprintf("SQLSTATE %s: %s", w.SQLState, w.ErrMsg)
}

func (w *SqlWarning) Unwrap() error {
	return w.Cause
}
