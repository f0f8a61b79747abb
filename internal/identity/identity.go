// Package identity parses and canonicalizes identity references. It is a pure
// leaf: normalization is syntactic only and never consults the directory.
package identity

import (
	"fmt"
	"strings"

	"github.com/idwire/idwire/internal/errs"
)

// Type classifies an identity by its addressing scheme.
type Type int

const (
	TypeUnknown Type = iota
	TypePhone
	TypeEmail
	TypeToken
	TypeDevice
)

func (t Type) String() string {
	switch t {
	case TypePhone:
		return "phone"
	case TypeEmail:
		return "email"
	case TypeToken:
		return "token"
	case TypeDevice:
		return "device"
	default:
		return "unknown"
	}
}

// scheme returns the canonical URI prefix for the type.
func (t Type) scheme() string {
	switch t {
	case TypePhone:
		return "tel:"
	case TypeEmail:
		return "mailto:"
	case TypeToken:
		return "token:"
	case TypeDevice:
		return "device:"
	default:
		return ""
	}
}

// Identity is an immutable canonical form of one addressable reference.
// Two Identities with equal canonical strings and equal type route identically.
type Identity struct {
	kind      Type
	canonical string // prefixed, e.g. "mailto:bob@example.com"
}

// Normalize parses a raw reference into canonical form. Accepted inputs are
// scheme-prefixed URIs (mailto:, tel:, token:, device:, any casing of the
// scheme), bare email-shaped strings, and bare phone numbers. Anything else
// fails with errs.ErrMalformedIdentity.
func Normalize(raw string) (Identity, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Identity{}, fmt.Errorf("empty reference: %w", errs.ErrMalformedIdentity)
	}

	if i := strings.Index(s, ":"); i > 0 {
		scheme := strings.ToLower(s[:i])
		rest := s[i+1:]
		switch scheme {
		case "mailto":
			return normalizeEmail(rest)
		case "tel":
			return normalizePhone(rest)
		case "token":
			if rest == "" {
				return Identity{}, fmt.Errorf("empty token: %w", errs.ErrMalformedIdentity)
			}
			// Token payloads are opaque and case-sensitive.
			return Identity{kind: TypeToken, canonical: "token:" + rest}, nil
		case "device":
			if rest == "" {
				return Identity{}, fmt.Errorf("empty device uri: %w", errs.ErrMalformedIdentity)
			}
			return Identity{kind: TypeDevice, canonical: "device:" + strings.ToLower(rest)}, nil
		default:
			return Identity{}, fmt.Errorf("unknown scheme %q: %w", scheme, errs.ErrMalformedIdentity)
		}
	}

	// Bare references: classify by shape.
	if strings.Contains(s, "@") {
		return normalizeEmail(s)
	}
	if looksLikePhone(s) {
		return normalizePhone(s)
	}
	return Identity{}, fmt.Errorf("unrecognized reference %q: %w", raw, errs.ErrMalformedIdentity)
}

func normalizeEmail(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 || strings.Count(s, "@") != 1 {
		return Identity{}, fmt.Errorf("bad email %q: %w", s, errs.ErrMalformedIdentity)
	}
	return Identity{kind: TypeEmail, canonical: "mailto:" + strings.ToLower(s)}, nil
}

func normalizePhone(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators stripped
		default:
			return Identity{}, fmt.Errorf("bad phone %q: %w", s, errs.ErrMalformedIdentity)
		}
	}
	digits := strings.TrimPrefix(b.String(), "+")
	if len(digits) < 3 {
		return Identity{}, fmt.Errorf("bad phone %q: %w", s, errs.ErrMalformedIdentity)
	}
	return Identity{kind: TypePhone, canonical: "tel:" + b.String()}, nil
}

func looksLikePhone(s string) bool {
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Type reports the addressing scheme.
func (id Identity) Type() Type { return id.kind }

// Canonical returns the prefixed canonical string.
func (id Identity) Canonical() string { return id.canonical }

// Unprefixed returns the canonical string with the scheme stripped.
func (id Identity) Unprefixed() string {
	return strings.TrimPrefix(id.canonical, id.kind.scheme())
}

// IsToken reports whether this is a token-only (non-user-visible) identity.
// Derivable from the canonical form alone.
func (id Identity) IsToken() bool { return id.kind == TypeToken }

// IsZero reports whether the identity is the unparsed zero value.
func (id Identity) IsZero() bool { return id.canonical == "" }

// Equal reports routing interchangeability.
func (id Identity) Equal(other Identity) bool {
	return id.kind == other.kind && id.canonical == other.canonical
}

func (id Identity) String() string { return id.canonical }
