package peer

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrSelfConnection = errors.New("cannot connect a participant to itself")

// CanonicalAddress maps the textual variants of one participant address to a
// single form: surrounding space and a "mailto:" scheme are dropped and the
// result is lower-cased.
func CanonicalAddress(address string) string {
	address = strings.TrimSpace(address)

	if len(address) >= len("mailto:") && strings.EqualFold(address[:len("mailto:")], "mailto:") {
		address = address[len("mailto:"):]
	}

	return strings.ToLower(strings.TrimSpace(address))
}

// IsPolite decides collision precedence for the pair (self, remote): the side
// whose canonical address orders lower is polite. Both ends of a pair always
// reach opposite answers.
func IsPolite(self, remote string) (bool, error) {
	a, b := CanonicalAddress(self), CanonicalAddress(remote)

	if a == b {
		return false, errors.Wrap(ErrSelfConnection, a)
	}

	return a < b, nil
}
