package peer_test

import (
	"testing"

	"meshcall/pkg/peer"

	"github.com/pkg/errors"
)

func TestCanonicalAddress(t *testing.T) {
	for _, in := range []string{"alice@example", " Alice@Example ", "mailto:alice@example", "MAILTO:ALICE@EXAMPLE"} {
		if got := peer.CanonicalAddress(in); got != "alice@example" {
			t.Errorf("CanonicalAddress(%q) = %q", in, got)
		}
	}
}

func TestIsPoliteIsAntisymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice@example", "bob@example"},
		{"zed@example", "Amy@Example"},
		{"carol@example", "carol@example.org"},
	}

	for _, p := range pairs {
		ab, err := peer.IsPolite(p[0], p[1])
		if err != nil {
			t.Fatal(err)
		}

		ba, err := peer.IsPolite(p[1], p[0])
		if err != nil {
			t.Fatal(err)
		}

		if ab == ba {
			t.Errorf("IsPolite(%q, %q) = IsPolite(%q, %q) = %v", p[0], p[1], p[1], p[0], ab)
		}
	}

	if polite, _ := peer.IsPolite("alice@example", "bob@example"); !polite {
		t.Error("alice should be polite towards bob")
	}
}

func TestIsPoliteRejectsSelf(t *testing.T) {
	for _, other := range []string{"alice@example", "mailto:Alice@example"} {
		if _, err := peer.IsPolite("alice@example", other); !errors.Is(err, peer.ErrSelfConnection) {
			t.Errorf("IsPolite(self, %q) error = %v, want ErrSelfConnection", other, err)
		}
	}
}
