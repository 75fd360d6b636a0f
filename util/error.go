package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError pairs an error with the log fields that describe where it happened, the caller that finally
// logs it emits those fields instead of flattening them into the message.
type ContextualError struct {
	RealError error
	Fields    logrus.Fields
	Context   string
}

func NewContextualError(msg string, fields logrus.Fields, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err in a ContextualError unless one is already present in its chain
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with its own context and fields when it carries them, otherwise msg is used
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(l *logrus.Logger) {
	entry := l.WithFields(ce.Fields)
	if ce.RealError != nil {
		entry = entry.WithError(ce.RealError)
	}
	entry.Error(ce.Context)
}
