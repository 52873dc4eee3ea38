package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the shape of an authorization policy
type Kind uint8

const (
	KindAny Kind = iota + 1
	KindThreshold
	KindAll
)

var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is an authorization requirement at a branch: 1-of-n, m-of-n or n-of-n.
// M and N are only meaningful for KindThreshold.
type Policy struct {
	Kind Kind   `json:"kind"`
	M    uint16 `json:"m,omitempty"`
	N    uint16 `json:"n,omitempty"`
}

func Any() Policy { return Policy{Kind: KindAny} }

func All() Policy { return Policy{Kind: KindAll} }

func Threshold(m, n uint16) Policy { return Policy{Kind: KindThreshold, M: m, N: n} }

// Validate reports whether p is a member of the closed policy space
func (p Policy) Validate() error {
	switch p.Kind {
	case KindAny, KindAll:
		if p.M != 0 || p.N != 0 {
			return fmt.Errorf("%w: %s carries threshold parameters", ErrInvalidPolicy, p.kindName())
		}
		return nil
	case KindThreshold:
		if p.M == 0 || p.N == 0 || p.M > p.N {
			return fmt.Errorf("%w: threshold(%d,%d)", ErrInvalidPolicy, p.M, p.N)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPolicy, p.Kind)
	}
}

// Required returns the number of distinct signers needed when the
// governed group has the given number of members.
func (p Policy) Required(members int) int {
	switch p.Kind {
	case KindAny:
		return 1
	case KindThreshold:
		return int(p.M)
	default:
		return members
	}
}

// Compare orders policies from most to least restrictive. It returns a
// negative value when a is stricter than b, zero when equal and a positive
// value when a is looser.
//
// The order is total: All < Threshold < Any. Thresholds compare by the
// fraction m/n (a larger fraction is stricter), then by m (more signers is
// stricter).
func Compare(a, b Policy) int {
	ra, rb := rank(a.Kind), rank(b.Kind)
	if ra != rb {
		return ra - rb
	}
	if a.Kind != KindThreshold {
		return 0
	}
	// m_a/n_a vs m_b/n_b without division
	left := uint32(a.M) * uint32(b.N)
	right := uint32(b.M) * uint32(a.N)
	switch {
	case left > right:
		return -1
	case left < right:
		return 1
	}
	switch {
	case a.M > b.M:
		return -1
	case a.M < b.M:
		return 1
	}
	return 0
}

func rank(k Kind) int {
	switch k {
	case KindAll:
		return 0
	case KindThreshold:
		return 1
	default:
		return 2
	}
}

// LessOrEqual reports a ≤ b, i.e. a is at least as restrictive as b
func LessOrEqual(a, b Policy) bool { return Compare(a, b) <= 0 }

// Meet returns the stricter of a and b
func Meet(a, b Policy) Policy {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// IsValidTransition reports whether a policy may change from old to next.
// Authority may only shrink.
func IsValidTransition(old, next Policy) bool {
	return next.Validate() == nil && LessOrEqual(next, old)
}

func (p Policy) kindName() string {
	switch p.Kind {
	case KindAny:
		return "any"
	case KindAll:
		return "all"
	case KindThreshold:
		return "threshold"
	default:
		return "unknown"
	}
}

func (p Policy) String() string {
	if p.Kind == KindThreshold {
		return fmt.Sprintf("threshold(%d,%d)", p.M, p.N)
	}
	return p.kindName()
}

// Parse accepts the String form: "any", "all" or "threshold(m,n)".
func Parse(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "any":
		return Any(), nil
	case "all":
		return All(), nil
	}
	if !strings.HasPrefix(s, "threshold(") || !strings.HasSuffix(s, ")") {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(s, "threshold("), ")"), ",")
	if len(parts) != 2 {
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
	m, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %q: %v", ErrInvalidPolicy, s, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %q: %v", ErrInvalidPolicy, s, err)
	}
	p := Threshold(uint16(m), uint16(n))
	return p, p.Validate()
}
