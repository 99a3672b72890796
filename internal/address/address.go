// Package address normalizes and validates recipient lists.
package address

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

// ErrInvalidAddress is returned when an address fails validation.
var ErrInvalidAddress = errors.New("one or more email addresses could not be verified")

// Validator checks the syntax of a single address.
type Validator interface {
	IsValid(addr string) bool
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(addr string) bool

// IsValid calls f(addr).
func (f ValidatorFunc) IsValid(addr string) bool {
	return f(addr)
}

// Strict accepts bare addresses that net/mail parses back to themselves,
// rejecting display names and comments.
var Strict Validator = ValidatorFunc(func(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	return err == nil && parsed.Name == "" && parsed.Address == addr
})

var (
	splitRe     = regexp.MustCompile(`[\s,]+`)
	shellSafeRe = regexp.MustCompile(`(?i)\A[a-z0-9._+-]+@[a-z0-9.-]{1,253}\z`)
)

// Normalize turns recipient input into a list of bare addresses. A single
// value containing commas is split on commas and whitespace; several values
// are taken as they are. Every token is trimmed of whitespace and angle
// brackets, and empty tokens are dropped.
func Normalize(input ...string) []string {
	if len(input) == 1 {
		s := strings.TrimSpace(input[0])
		if strings.Contains(s, ",") {
			input = splitRe.Split(s, -1)
		} else {
			input = []string{s}
		}
	}

	out := make([]string, 0, len(input))
	for _, s := range input {
		s = Clean(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Clean trims surrounding whitespace and angle brackets from addr.
func Clean(addr string) string {
	return strings.Trim(addr, "<> \t\r\n\x00\x0B")
}

// ValidateAll checks every address with v and stops at the first failure.
func ValidateAll(v Validator, addrs []string) error {
	for _, a := range addrs {
		if !v.IsValid(a) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, a)
		}
	}
	return nil
}

// ShellSafe reports whether addr may be passed on a command line as an
// envelope sender: it must validate strictly and consist only of a
// conservative character set.
func ShellSafe(addr string) bool {
	return Strict.IsValid(addr) && shellSafeRe.MatchString(addr)
}

// Domain returns the part of addr from the last "@" on, or "" when there is
// none.
func Domain(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return ""
	}
	return addr[i:]
}
