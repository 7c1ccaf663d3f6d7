// Package subject builds and matches dot-separated transport subjects.
//
// Patterns use two wildcards: "*" matches exactly one token and ">" matches one or
// more trailing tokens (it must be the last token).
package subject

import (
	"fmt"
	"strings"

	"github.com/aretw0/trailhead/pkg/domain"
)

const (
	sep      = "."
	anyToken = "*"
	anyTail  = ">"
)

// Validate checks a concrete subject (no wildcards allowed).
func Validate(s string) error {
	if err := ValidatePattern(s); err != nil {
		return err
	}
	if IsPattern(s) {
		return fmt.Errorf("%w: %q contains wildcards", domain.ErrInvalidSubject, s)
	}
	return nil
}

// ValidatePattern checks a subject or wildcard pattern.
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidSubject)
	}
	tokens := strings.Split(p, sep)
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("%w: %q has an empty token", domain.ErrInvalidSubject, p)
		case strings.ContainsAny(tok, " \t\r\n"):
			return fmt.Errorf("%w: %q contains whitespace", domain.ErrInvalidSubject, p)
		case tok == anyTail && i != len(tokens)-1:
			return fmt.Errorf("%w: %q uses '>' before the last token", domain.ErrInvalidSubject, p)
		case tok != anyToken && tok != anyTail && strings.ContainsAny(tok, "*>"):
			return fmt.Errorf("%w: %q mixes wildcards into a token", domain.ErrInvalidSubject, p)
		}
	}
	return nil
}

// ValidateToken checks a value spliced into a subject, such as a tenant or request id.
// It must be one non-empty token without wildcards.
func ValidateToken(tok string) error {
	switch {
	case tok == "":
		return fmt.Errorf("%w: empty token", domain.ErrInvalidSubject)
	case strings.ContainsAny(tok, sep+anyToken+anyTail+" \t\r\n"):
		return fmt.Errorf("%w: %q is not a single token", domain.ErrInvalidSubject, tok)
	}
	return nil
}

// IsPattern reports whether p contains a wildcard token.
func IsPattern(p string) bool {
	for _, tok := range strings.Split(p, sep) {
		if tok == anyToken || tok == anyTail {
			return true
		}
	}
	return false
}

// Match reports whether subject s is selected by pattern p.
func Match(p, s string) bool {
	pt := strings.Split(p, sep)
	st := strings.Split(s, sep)

	for i, tok := range pt {
		if tok == anyTail {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != anyToken && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Glob converts a pattern into a coarser glob understood by brokers such as Redis
// PSUBSCRIBE. The glob may select more subjects than the pattern; callers filter with Match.
func Glob(p string) string {
	tokens := strings.Split(p, sep)
	for i, tok := range tokens {
		if tok == anyToken || tok == anyTail {
			tokens[i] = "*"
		}
	}
	return strings.Join(tokens, sep)
}

// Join concatenates non-empty tokens.
func Join(tokens ...string) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, sep)
}

// Events is the per-request progress subject: {prefix}.{tenant}.{request}.
func Events(prefix, tenantID, requestID string) string {
	return Join(prefix, tenantID, requestID)
}

// TenantEvents selects every request's progress subject for a tenant.
func TenantEvents(prefix, tenantID string) string {
	return Join(prefix, tenantID, anyToken)
}

// Trails is the per-request result subject: {prefix}.{tenant}.{request}.
func Trails(prefix, tenantID, requestID string) string {
	return Join(prefix, tenantID, requestID)
}

// TenantTrails selects every result subject for a tenant.
func TenantTrails(prefix, tenantID string) string {
	return Join(prefix, tenantID, anyToken)
}

// Token returns the i-th token of s, or "" when out of range.
func Token(s string, i int) string {
	tokens := strings.Split(s, sep)
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i]
}
