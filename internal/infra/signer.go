package infra

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer produces HMAC-SHA256/base64 signatures in the scheme shared by
// Bitget and OKX (REST headers and websocket login).
type Signer struct {
	accessKey  string
	secretKey  string
	passphrase string
	now        func() time.Time
}

// NewSigner creates a new Signer instance
func NewSigner(creds Credentials) *Signer {
	return &Signer{
		accessKey:  creds.AccessKey,
		secretKey:  creds.SecretKey,
		passphrase: creds.Passphrase,
		now:        time.Now,
	}
}

// GenerateHeaders creates the necessary headers for a REST request
// method: GET, POST, etc.
// path: /api/v2/spot/account/assets (no host)
// query: param=1&test=2 (empty if none)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(method, path, query, body string) map[string]string {
	// Unix Timestamp in Milliseconds
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)

	// Format: timestamp + method + requestPath + "?" + queryString + body
	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}

	sign := computeHmacSha256(timestamp+method+fullPath+body, s.secretKey)

	return map[string]string{
		"ACCESS-KEY":        s.accessKey,
		"ACCESS-SIGN":       sign,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": s.passphrase,
		"Content-Type":      "application/json",
		"locale":            "en-US",
	}
}

// LoginArg is the argument of a websocket {"op":"login"} request.
type LoginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// WSLogin signs timestamp + "GET" + verifyPath with a seconds timestamp.
// Bitget uses "/user/verify", OKX "/users/self/verify".
func (s *Signer) WSLogin(verifyPath string) LoginArg {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return LoginArg{
		APIKey:     s.accessKey,
		Passphrase: s.passphrase,
		Timestamp:  ts,
		Sign:       computeHmacSha256(ts+"GET"+verifyPath, s.secretKey),
	}
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
