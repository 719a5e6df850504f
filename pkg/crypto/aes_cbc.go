// Package crypto seals signaling payloads before they are handed to the host
// relay. A payload sealed by AesCbc is presented as "${iv}${ciphertext}${hmac}"
// where the ciphertext is the PKCS#7 padded plaintext encrypted with AES-CBC
// and the HMAC-SHA256 covers iv and ciphertext (see: Encrypt() and Decrypt()).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var ErrAuthentication = errors.New("sealed payload failed authentication")

type AesCbc struct {
	cfg AesCbcConfig

	cipher cipher.Block
}

type AesCbcConfig struct {
	// Key is used for encryption; MACKey authenticates. Both are derived from
	// the call key by KeysFromHex when built from configuration.
	Key    []byte
	MACKey []byte
}

// KeysFromHex derives an encryption and a MAC key from a hex encoded call key.
func KeysFromHex(callKey string) (AesCbcConfig, error) {
	raw, err := hex.DecodeString(callKey)
	if err != nil {
		return AesCbcConfig{}, errors.Wrap(err, "call key")
	}

	if len(raw) < 16 {
		return AesCbcConfig{}, errors.New("call key must be at least 16 bytes")
	}

	enc := sha256.Sum256(append([]byte("meshcall/enc/"), raw...))
	mac := sha256.Sum256(append([]byte("meshcall/mac/"), raw...))

	return AesCbcConfig{
		Key:    enc[:16],
		MACKey: mac[:],
	}, nil
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	cipher, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	if len(cfg.MACKey) == 0 {
		return nil, errors.New("mac key is empty")
	}

	return &AesCbc{
		cfg:    cfg,
		cipher: cipher,
	}, nil
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	payload = pkcs7pad.Pad(payload, c.cipher.BlockSize())

	sealed := make([]byte, c.cipher.BlockSize()+len(payload))
	iv := sealed[:c.cipher.BlockSize()]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	encrypter := cipher.NewCBCEncrypter(c.cipher, iv)
	encrypter.CryptBlocks(sealed[len(iv):], payload)

	return append(sealed, c.sum(sealed)...), nil
}

func (c *AesCbc) Decrypt(sealed []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	if len(sealed) < 2*size+sha256.Size || (len(sealed)-sha256.Size)%size != 0 {
		return nil, ErrAuthentication
	}

	body, tag := sealed[:len(sealed)-sha256.Size], sealed[len(sealed)-sha256.Size:]

	if !hmac.Equal(tag, c.sum(body)) {
		return nil, ErrAuthentication
	}

	decrypter := cipher.NewCBCDecrypter(c.cipher, body[:size])
	decrypted := make([]byte, len(body)-size)

	decrypter.CryptBlocks(decrypted, body[size:])

	return pkcs7pad.Unpad(decrypted)
}

func (c *AesCbc) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, c.cfg.MACKey)
	mac.Write(body)

	return mac.Sum(nil)
}
