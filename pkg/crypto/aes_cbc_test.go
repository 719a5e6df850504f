package crypto

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func newTestCipher(t *testing.T) *AesCbc {
	t.Helper()

	cfg, err := KeysFromHex("00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewAesCbc(cfg)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

func TestAesCbcRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plain := range [][]byte{
		{},
		[]byte("v=0"),
		bytes.Repeat([]byte("a"), 16),
		bytes.Repeat([]byte("candidate:1 1 udp "), 40),
	} {
		sealed, err := c.Encrypt(plain)
		if err != nil {
			t.Fatal(err)
		}

		got, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plain, err)
		}

		if !bytes.Equal(got, plain) {
			t.Fatalf("Decrypt() = %q, want %q", got, plain)
		}
	}
}

func TestAesCbcUsesFreshIV(t *testing.T) {
	c := newTestCipher(t)

	a, _ := c.Encrypt([]byte("same"))
	b, _ := c.Encrypt([]byte("same"))

	if bytes.Equal(a, b) {
		t.Fatal("two encryptions of the same payload are identical")
	}
}

func TestAesCbcRejectsTampering(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt([]byte(`{"candidate":{"candidate":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}

	sealed[20] ^= 0x01

	if _, err := c.Decrypt(sealed); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Decrypt(tampered) = %v, want ErrAuthentication", err)
	}

	if _, err := c.Decrypt(sealed[:10]); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Decrypt(short) = %v, want ErrAuthentication", err)
	}
}

func TestKeysFromHexRejectsShortKeys(t *testing.T) {
	if _, err := KeysFromHex("0011"); err == nil {
		t.Fatal("expected error for short key")
	}

	if _, err := KeysFromHex("zz"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
}
