package dispatch

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the delivery-layer signature on worker requests.
const SignatureHeader = "X-Task-Signature"

const signatureIssuer = "scamshield-dispatch"

// Signer produces and verifies the JWT that authenticates task deliveries
// to the worker endpoint. The token binds the request body (as a SHA-256
// digest claim) and the worker URL, so a tampered body or a replay against
// a different endpoint fails verification even when the token itself is
// well-formed.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner builds a signer for the shared key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), ttl: 5 * time.Minute}
}

// Sign returns the signature header value for a request body addressed at
// the given URL.
func (s *Signer) Sign(body []byte, url string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":  signatureIssuer,
		"sub":  url,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
		"body": bodyDigest(body),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign task envelope: %w", err)
	}
	return signed, nil
}

// Verify checks a signature header against the raw request body and the
// URL the request was received on. Any failure, including a missing
// header, is a hard rejection.
func (s *Signer) Verify(header string, body []byte, url string) error {
	if header == "" {
		return errors.New("missing signature header")
	}
	token, err := jwt.Parse(header, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("unexpected claims type")
	}
	sub, _ := claims.GetSubject()
	if sub != url {
		return fmt.Errorf("signature bound to %q, not %q", sub, url)
	}
	digest, _ := claims["body"].(string)
	if digest != bodyDigest(body) {
		return errors.New("body digest mismatch")
	}
	return nil
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
