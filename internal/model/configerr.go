package model

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	CodeMissingRequired   = "missing_required"
	CodeInvalidEnum       = "invalid_enum"
	CodeConflictingValues = "conflicting_values"
	CodeInvalidValue      = "invalid_value"
	CodeDuplicate         = "duplicate"
)

// ConfigErrorDetail is a single configuration problem found by Validate.
type ConfigErrorDetail struct {
	Path    string // units[1].name
	Code    string // missing_required | invalid_enum | conflicting_values | invalid_value | duplicate
	Message string
}

func (c ConfigErrorDetail) Error() string {
	return c.Path + ": " + c.Message
}

func (c ConfigErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
	)
}

// ConfigErrDetails unwraps an error returned by LoadConfig or Validate into
// the individual problems. Errors of other kinds yield nil.
func ConfigErrDetails(err error) []ConfigErrorDetail {
	if err == nil {
		return nil
	}
	var out []ConfigErrorDetail
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case ConfigErrorDetail:
			out = append(out, x)
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}

type problems []error

func (p *problems) add(path, code, format string, args ...any) {
	*p = append(*p, ConfigErrorDetail{
		Path:    path,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

func (p problems) err() error {
	return errors.Join(p...)
}

func oneOf(path, value string, values ...string) (ConfigErrorDetail, bool) {
	for _, v := range values {
		if v == value {
			return ConfigErrorDetail{}, true
		}
	}
	return ConfigErrorDetail{
		Path:    path,
		Code:    CodeInvalidEnum,
		Message: fmt.Sprintf("possible values (%s): got %q", strings.Join(values, ","), value),
	}, false
}
