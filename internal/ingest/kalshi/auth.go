package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signer produces Kalshi API request signatures: RSA-PSS over SHA-256 of
// timestamp + method + path, sent alongside the access key id.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded RSA private key (PKCS#8 or PKCS#1).
func NewSigner(keyID, privateKeyPEM string) (*Signer, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("kalshi: private key is not valid PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("kalshi: private key is %T, want RSA", parsed)
		}
		key = rsaKey
	} else if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else {
		return nil, errors.New("kalshi: private key is neither PKCS#8 nor PKCS#1")
	}

	return &Signer{keyID: keyID, key: key}, nil
}

// Sign returns the base64 signature for one request.
func (s *Signer) Sign(timestampMs int64, method, path string) (string, error) {
	msg := strconv.FormatInt(timestampMs, 10) + method + path
	digest := sha256.Sum256([]byte(msg))

	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Authorize attaches the access headers to req. The signed path excludes the
// query string.
func (s *Signer) Authorize(req *http.Request) error {
	ts := time.Now().UnixMilli()
	sig, err := s.Sign(ts, req.Method, req.URL.Path)
	if err != nil {
		return err
	}
	req.Header.Set("KALSHI-ACCESS-KEY", s.keyID)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)
	return nil
}
