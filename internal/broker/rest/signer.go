package rest

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Signer authenticates REST calls with an HMAC-SHA512 over
// method, path, query, body hash and timestamp
type Signer struct {
	apiKey    string
	secretKey string
	now       func() time.Time
}

// NewSigner creates a request signer
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{apiKey: apiKey, secretKey: secretKey, now: time.Now}
}

// Sign returns the hex signature of one request
func (s *Signer) Sign(method, path, query string, body []byte, ts int64) string {
	bodyHash := sha512.Sum512(body)
	message := fmt.Sprintf("%s\n%s\n%s\n%s\n%d", method, path, query, hex.EncodeToString(bodyHash[:]), ts)
	mac := hmac.New(sha512.New, []byte(s.secretKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the key, timestamp and signature headers
func (s *Signer) SignRequest(req *http.Request) error {
	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return err
		}
		defer rc.Close()
		if body, err = io.ReadAll(rc); err != nil {
			return err
		}
	}
	ts := s.now().Unix()
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("X-TIMESTAMP", strconv.FormatInt(ts, 10))
	if s.secretKey != "" {
		req.Header.Set("X-SIGNATURE", s.Sign(req.Method, req.URL.Path, req.URL.RawQuery, body, ts))
	}
	return nil
}
