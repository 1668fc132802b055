package service

import (
	"strings"
	"unicode"
)

type refKind uint8

const (
	refByID refKind = iota + 1
	refByPhone
)

// ApproverRef names a delegate either by user id or by phone. Callers state
// which one they hold; the delegation service resolves the other through the
// user directory when the first lookup misses.
type ApproverRef struct {
	kind  refKind
	value string
}

// ByID refers to a delegate by user id.
func ByID(id string) ApproverRef { return ApproverRef{kind: refByID, value: strings.TrimSpace(id)} }

// ByPhone refers to a delegate by phone number.
func ByPhone(phone string) ApproverRef {
	return ApproverRef{kind: refByPhone, value: NormalizePhone(phone)}
}

// IsPhone reports whether the reference is a phone number.
func (r ApproverRef) IsPhone() bool { return r.kind == refByPhone }

// Value returns the id or phone.
func (r ApproverRef) Value() string { return r.value }

// IsZero reports whether the reference is empty.
func (r ApproverRef) IsZero() bool { return r.kind == 0 || r.value == "" }

func (r ApproverRef) String() string {
	if r.IsPhone() {
		return "phone:" + r.value
	}
	return "id:" + r.value
}

// NormalizePhone strips formatting characters, keeping a leading '+'.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if unicode.IsDigit(r) || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LooksLikePhone reports whether an identity is a phone number rather than a
// user id.
func LooksLikePhone(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0, r == ' ', r == '-', r == '(', r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}
