// Package errd annotates errors returned through named results.
package errd

import (
	"fmt"

	"golang.org/x/xerrors"
)

// annotated carries a message and the frame of the function that
// returned the error. %+v prints the frames of the whole chain.
type annotated struct {
	msg   string
	err   error
	frame xerrors.Frame
}

func (e *annotated) Error() string { return fmt.Sprint(e) }

func (e *annotated) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *annotated) FormatError(p xerrors.Printer) error {
	p.Print(e.msg)
	e.frame.Format(p)
	return e.err
}

func (e *annotated) Unwrap() error { return e.err }

// Wrap prefixes *err with the formatted message when *err is non nil.
// Call it deferred with a named error result:
//
//	defer errd.Wrap(&err, "failed to read frame")
//
// The message is not repeated when the error already starts with it,
// as happens when a method ends up returning an error it wrapped on an
// earlier call.
func Wrap(err *error, f string, v ...interface{}) {
	if *err == nil {
		return
	}

	msg := fmt.Sprintf(f, v...)
	if a, ok := (*err).(*annotated); ok && a.msg == msg {
		return
	}
	*err = &annotated{
		msg:   msg,
		err:   *err,
		frame: xerrors.Caller(1),
	}
}
