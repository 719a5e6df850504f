package relay

import (
	"net/http"
	"strings"
	"time"

	"meshcall/pkg/peer"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

const addressKey = "address"

var ErrInvalidToken = errors.New("invalid relay token")

// IssueToken signs an HS256 token whose subject is the canonical address of
// the participant allowed to connect with it.
func IssueToken(secret []byte, address string, ttl time.Duration) (string, error) {
	address = peer.CanonicalAddress(address)
	if len(address) == 0 {
		return "", errors.New("empty address")
	}

	now := time.Now()

	claims := jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken returns the address a token was issued for.
func ParseToken(secret []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims

	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return secret, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}

	address := peer.CanonicalAddress(claims.Subject)
	if !parsed.Valid || len(address) == 0 {
		return "", ErrInvalidToken
	}

	return address, nil
}

// authenticate accepts a bearer token and stores the caller's address in the
// gin context.
func authenticate(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || len(token) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})

			return
		}

		address, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})

			return
		}

		c.Set(addressKey, address)
		c.Next()
	}
}
