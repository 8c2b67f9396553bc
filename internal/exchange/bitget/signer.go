// Package bitget adapts the Bitget V2 USDT-futures API to the engine's
// exchange interface.
package bitget

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

// Signer produces the authentication headers for Bitget V2 requests.
// Keys are held as []byte so they can be wiped on shutdown.
type Signer struct {
	key        []byte
	secret     []byte
	passphrase []byte
	now        func() time.Time
}

// NewSigner builds a signer from venue credentials.
func NewSigner(creds domain.Credentials) *Signer {
	return &Signer{
		key:        []byte(creds.APIKey),
		secret:     []byte(creds.APISecret),
		passphrase: []byte(creds.Passphrase),
		now:        time.Now,
	}
}

// Headers signs one request. requestPath must include the query string
// when there is one; the V2 pre-sign payload is
// timestamp + method + requestPath + body.
func (s *Signer) Headers(method, requestPath, body string) map[string]string {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	signature := s.sign(timestamp + method + requestPath + body)

	return map[string]string{
		"ACCESS-KEY":        string(s.key),
		"ACCESS-SIGN":       signature,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": string(s.passphrase),
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Wipe zeroes the key material.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for _, b := range [][]byte{s.key, s.secret, s.passphrase} {
		for i := range b {
			b[i] = 0
		}
	}
}
