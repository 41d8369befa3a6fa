package types

import (
	"regexp"
	"strings"
)

// PrincipalID is the stable public identifier of a patient or provider.
// Role is contextual: the same principal is a patient for records it owns and
// a provider when it has been granted access to another principal's records.
type PrincipalID string

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ParsePrincipal validates an address and returns its normalized form.
func ParsePrincipal(raw string) (PrincipalID, error) {
	raw = strings.TrimSpace(raw)
	if !addressPattern.MatchString(raw) {
		return "", NewValidationError(ErrCodeInvalidInput, "invalid principal address", map[string]interface{}{
			"address": raw,
		})
	}
	return PrincipalID(strings.ToLower(raw)), nil
}

// String implements fmt.Stringer
func (p PrincipalID) String() string {
	return string(p)
}

// Valid reports whether p is a normalized address.
func (p PrincipalID) Valid() bool {
	return addressPattern.MatchString(string(p)) && strings.ToLower(string(p)) == string(p)
}

// Session is the explicit caller context passed to every operation.
type Session struct {
	Principal PrincipalID `json:"principal"`
	Handle    string      `json:"handle,omitempty"`
}

// Caller returns the session's principal, or Unauthenticated when the session
// is missing or does not carry a normalized address.
func (s *Session) Caller() (PrincipalID, error) {
	if s == nil || !s.Principal.Valid() {
		return "", NewUnauthenticatedError("no authenticated principal")
	}
	return s.Principal, nil
}
