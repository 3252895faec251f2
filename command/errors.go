package command

import "fmt"

// Code classifies why a command could not be dispatched.
type Code int

const (
	UnknownCommand Code = iota + 1 // No such command in the registry
	BadArgs                        // contents.args is not a list
	Arity                          // Wrong number of arguments
	ArgTypeMismatch                // An argument has the wrong type
	Execution                      // The handler returned an error or panicked
	ArgOutOfRange                  // An argument has the right type but does not fit it
)

// ExecFailedMsg starts every failure reply produced by a handler error.
const ExecFailedMsg = "error executing the command"

// DispatchError carries what is needed to build the failure reply for one
// request. Only the fields relevant to Code are set.
type DispatchError struct {
	Code    Code
	Command string

	Index int    // ArgTypeMismatch, ArgOutOfRange: position of the offending argument
	Got   string // ArgTypeMismatch, BadArgs: type name received
	Want  string // ArgTypeMismatch, ArgOutOfRange: declared type name

	Expected int // Arity
	Actual   int // Arity

	Err error // Execution: the handler error
}

func (e *DispatchError) Error() string {
	switch e.Code {
	case UnknownCommand:
		return fmt.Sprintf("unrecognized command %q", e.Command)
	case BadArgs:
		return fmt.Sprintf("Args should be a list, got %s", e.Got)
	case Arity:
		return fmt.Sprintf("Expected %d args, got %d", e.Expected, e.Actual)
	case ArgTypeMismatch:
		return fmt.Sprintf("Arg at index %d is of type %s, expected %s", e.Index, e.Got, e.Want)
	case ArgOutOfRange:
		return fmt.Sprintf("Arg at index %d is out of range for %s", e.Index, e.Want)
	case Execution:
		return fmt.Sprintf("%s: %v", ExecFailedMsg, e.Err)
	}
	return fmt.Sprintf("dispatch error %d", int(e.Code))
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// wireMessage is the text sent to the peer. Handler errors are reduced to a
// generic message unless expose is set.
func (e *DispatchError) wireMessage(expose bool) string {
	if e.Code == Execution && !expose {
		return ExecFailedMsg
	}
	return e.Error()
}
