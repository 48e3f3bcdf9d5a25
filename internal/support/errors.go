package support

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrValidation        = errors.New("validation failure")
	ErrNotFound          = errors.New("not found")
)

// RuleError names the specific rule an operation broke. It matches its
// Kind sentinel with errors.Is.
type RuleError struct {
	Kind error
	Rule string
}

func (e *RuleError) Error() string {
	if e.Rule == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Rule)
}

func (e *RuleError) Is(target error) bool {
	return target == e.Kind
}

func (e *RuleError) Unwrap() error {
	return e.Kind
}

func invalidTransition(format string, args ...any) error {
	return &RuleError{Kind: ErrInvalidTransition, Rule: fmt.Sprintf(format, args...)}
}

func permissionDenied(format string, args ...any) error {
	return &RuleError{Kind: ErrPermissionDenied, Rule: fmt.Sprintf(format, args...)}
}

func validationFailure(format string, args ...any) error {
	return &RuleError{Kind: ErrValidation, Rule: fmt.Sprintf(format, args...)}
}

// Rule returns the rule text of a RuleError anywhere in err's chain.
func Rule(err error) string {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Rule
	}
	return ""
}
