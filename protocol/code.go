package protocol

import "fmt"

// Code is the canonical outcome carried on every response frame.
type Code uint32

const (
	CodeOK Code = iota
	CodeInternalError
	CodeTimeout
	CodeNotImplemented
	CodeConnectionReset
	CodeClientError
	// CodeCancelled is reserved; nothing in this module emits it.
	CodeCancelled

	codeEnd
)

var codeNames = [...]string{
	CodeOK:              "OK",
	CodeInternalError:   "INTERNAL_ERROR",
	CodeTimeout:         "TIMEOUT",
	CodeNotImplemented:  "NOT_IMPLEMENTED",
	CodeConnectionReset: "CONNECTION_RESET",
	CodeClientError:     "CLIENT_ERROR",
	CodeCancelled:       "CANCELLED",
}

// Valid reports whether c is a known canonical code.
func (c Code) Valid() bool {
	return c < codeEnd
}

func (c Code) String() string {
	if c.Valid() {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}
