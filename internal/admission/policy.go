package admission

import (
	"errors"
	"fmt"
	"strings"
)

// Policy decides what happens to a Pod the webhook cannot evaluate.
type Policy int

const (
	// FailOpen admits the Pod unchanged and reports the problem in the
	// response status.
	FailOpen Policy = iota
	// FailClosed denies the Pod.
	FailClosed
)

// ErrNoTargets is reported when no target architectures or no toleration
// template are configured.
var ErrNoTargets = errors.New("no target architectures or toleration template configured")

func ParsePolicy(value string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "open", "ignore", "fail-open":
		return FailOpen, nil
	case "closed", "fail", "fail-closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown failure policy %q", value)
	}
}

func (p Policy) String() string {
	if p == FailClosed {
		return "closed"
	}
	return "open"
}
