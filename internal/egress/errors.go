package egress

import (
	"errors"
	"fmt"
)

var (
	// ErrInsecureConnection is matched by every policy breach. The target
	// must not be retried as-is.
	ErrInsecureConnection = errors.New("connection violated security rules")
	// ErrTooManyRedirects is returned once a redirect chain exceeds the policy ceiling.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// SecurityViolationError records the address a connection was terminated for.
type SecurityViolationError struct {
	Network string
	Addr    string
	Remote  string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("%s: dial %s %s resolved to %s", ErrInsecureConnection, e.Network, e.Addr, e.Remote)
}

func (e *SecurityViolationError) Is(target error) bool {
	return target == ErrInsecureConnection
}

// IsSecurityViolation reports whether err stems from the egress guard.
func IsSecurityViolation(err error) bool {
	return errors.Is(err, ErrInsecureConnection)
}
