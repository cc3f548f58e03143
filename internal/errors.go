package internal

import (
	"errors"
	"fmt"
)

// Warning is an error the CLI prints without a failing exit code: the
// command worked but the outcome deserves the operator's attention.
type Warning string

func (warning Warning) Error() string { return string(warning) }

func (Warning) Is(target error) bool {
	_, ok := target.(Warning)
	return ok
}

func Warningf(format string, args ...any) Warning {
	return Warning(fmt.Sprintf(format, args...))
}

// IsWarning reports whether err is, or wraps, a Warning.
func IsWarning(err error) bool {
	return errors.Is(err, Warning(""))
}
