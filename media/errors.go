package media

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind values are errors themselves so callers
// can test with errors.Is(err, media.ErrOutOfRange).
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	KindNoSuchFile
	KindUnsupportedFormat
	KindCorruptData
	KindVersionMismatch
	KindReadError
	KindDecodeError
	KindSeekError
	KindOutOfRange
	KindNoSuitableFormat
	KindSourceUnavailable
	KindIndexingError
	KindCancelled
	KindInvalidArgument
)

// Sentinels for errors.Is.
var (
	ErrNoSuchFile        error = KindNoSuchFile
	ErrUnsupportedFormat error = KindUnsupportedFormat
	ErrCorruptData       error = KindCorruptData
	ErrVersionMismatch   error = KindVersionMismatch
	ErrReadError         error = KindReadError
	ErrDecodeError       error = KindDecodeError
	ErrSeekError         error = KindSeekError
	ErrOutOfRange        error = KindOutOfRange
	ErrNoSuitableFormat  error = KindNoSuitableFormat
	ErrSourceUnavailable error = KindSourceUnavailable
	ErrIndexingError     error = KindIndexingError
	ErrCancelled         error = KindCancelled
	ErrInvalidArgument   error = KindInvalidArgument
)

var kindNames = [...]string{
	KindUnknown:           "unknown error",
	KindNoSuchFile:        "no such file",
	KindUnsupportedFormat: "unsupported format",
	KindCorruptData:       "corrupt data",
	KindVersionMismatch:   "version mismatch",
	KindReadError:         "read error",
	KindDecodeError:       "decode error",
	KindSeekError:         "seek error",
	KindOutOfRange:        "out of range",
	KindNoSuitableFormat:  "no suitable format",
	KindSourceUnavailable: "source unavailable",
	KindIndexingError:     "indexing error",
	KindCancelled:         "cancelled",
	KindInvalidArgument:   "invalid argument",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) Error() string {
	return "ffindex: " + k.String()
}

// Error is the structured failure returned by every package in this
// module. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("ffindex: %s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("ffindex: %s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("ffindex: %s: %v", msg, e.Err)
	}
	return "ffindex: " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind sentinel.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around err. A nil err yields nil.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error or Kind in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return KindUnknown
}
