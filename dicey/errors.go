// Package dicey holds types shared across every dicey package: the
// error taxonomy and the operation-kind enum that both the wire codec
// and the registry need to agree on.
package dicey

import "fmt"

// Code is a stable error code, observable on the wire inside an Error
// value and returned locally from fallible operations.
type Code uint16

const (
	Ok Code = iota
	EAgain
	ENoMem
	EInval
	EBadMsg
	EOverflow
	EPathMalformed
	EPathNotFound
	ETraitNotFound
	EElementNotFound
	EExists
	EPropertyReadOnly
	ESeqNumMismatch
	EValueTypeMismatch
	EClientTooOld
	EConnRefused
	ETimedOut
	ECancelled
	EPeerNotFound
	EUuidNotValid
	EPluginInvalidName
	ENotFound
)

var names = map[Code]string{
	Ok:                 "OK",
	EAgain:             "EAGAIN",
	ENoMem:             "ENOMEM",
	EInval:             "EINVAL",
	EBadMsg:            "EBADMSG",
	EOverflow:          "EOVERFLOW",
	EPathMalformed:     "EPATHMALFORMED",
	EPathNotFound:      "EPATHNOTFOUND",
	ETraitNotFound:     "ETRAITNOTFOUND",
	EElementNotFound:   "EELEMENTNOTFOUND",
	EExists:            "EEXISTS",
	EPropertyReadOnly:  "EPROPERTYREADONLY",
	ESeqNumMismatch:    "ESEQNUMMISMATCH",
	EValueTypeMismatch: "EVALUETYPEMISMATCH",
	EClientTooOld:      "ECLIENTTOOOLD",
	EConnRefused:       "ECONNREFUSED",
	ETimedOut:          "ETIMEDOUT",
	ECancelled:         "ECANCELLED",
	EPeerNotFound:      "EPEERNOTFOUND",
	EUuidNotValid:      "EUUIDNOTVALID",
	EPluginInvalidName: "EPLUGININVALIDNAME",
	ENotFound:          "ENOTFOUND",
}

// String returns the stable name for the code, e.g. "EPATHNOTFOUND".
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "EUNKNOWN"
}

// Error is the concrete error type returned by every fallible dicey
// operation and the payload of a wire Error value.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// New builds an *Error with no extra message, just the code's name.
func New(code Code) *Error {
	return &Error{Code: code}
}

// IsCode reports whether err is a *dicey.Error carrying the given code.
func IsCode(err error, code Code) bool {
	de, ok := err.(*Error)
	return ok && de.Code == code
}

// Again is the sentinel returned by streaming operations (wire.Load and
// the value decoder it uses, MutView.EnsureCap) to mean "not an error,
// try again once more data/space is available".
var Again = New(EAgain)
