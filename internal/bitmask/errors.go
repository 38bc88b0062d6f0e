package bitmask

import "fmt"

// ConfigError reports a malformed or duplicate definition in a mask document.
type ConfigError struct {
	Mask string
	Line int
	Msg  string
}

func (e ConfigError) Error() string {
	switch {
	case e.Mask != "" && e.Line > 0:
		return fmt.Sprintf("mask %s (line %d): %s", e.Mask, e.Line, e.Msg)
	case e.Mask != "":
		return fmt.Sprintf("mask %s: %s", e.Mask, e.Msg)
	case e.Line > 0:
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

func configErrorf(mask string, line int, format string, args ...any) ConfigError {
	return ConfigError{Mask: mask, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// UnknownBitError reports a reference to a bit name that is not defined.
type UnknownBitError struct {
	Mask string
	Bit  string
}

func (e UnknownBitError) Error() string {
	return fmt.Sprintf("unknown bit %s in mask %s", e.Bit, e.Mask)
}

// UnknownMaskError reports a reference to a mask that is not defined.
type UnknownMaskError struct {
	Mask string
}

func (e UnknownMaskError) Error() string {
	return fmt.Sprintf("unknown mask %s", e.Mask)
}
