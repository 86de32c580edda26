package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v68/github"
)

const signatureHeader = "X-Hub-Signature-256"

// ErrUnauthorized is returned when a request fails provider authentication.
var ErrUnauthorized = errors.New("webhook signature verification failed")

// Secrets holds the shared secret per provider.
type Secrets struct {
	GitHub string
	GitLab string
	Gitee  string
}

// Verifier authenticates requests to /webhook/{provider}.
type Verifier struct {
	secrets Secrets
}

// NewVerifier returns a Verifier for the given secrets.
func NewVerifier(s Secrets) *Verifier {
	return &Verifier{secrets: s}
}

// Verify checks the provider-specific signature or token. A provider with no
// configured secret rejects every request.
func (v *Verifier) Verify(provider string, header http.Header, body []byte) error {
	switch provider {
	case ProviderGitHub:
		if v.secrets.GitHub == "" {
			return fmt.Errorf("github: no secret configured: %w", ErrUnauthorized)
		}
		sig := header.Get(signatureHeader)
		if sig == "" {
			return fmt.Errorf("github: missing %s: %w", signatureHeader, ErrUnauthorized)
		}
		if err := github.ValidateSignature(sig, body, []byte(v.secrets.GitHub)); err != nil {
			return fmt.Errorf("github: %v: %w", err, ErrUnauthorized)
		}
		return nil

	case ProviderGitLab:
		if v.secrets.GitLab == "" {
			return fmt.Errorf("gitlab: no token configured: %w", ErrUnauthorized)
		}
		if !equal(header.Get("X-Gitlab-Token"), v.secrets.GitLab) {
			return fmt.Errorf("gitlab: token mismatch: %w", ErrUnauthorized)
		}
		return nil

	case ProviderGitee:
		return v.verifyGitee(header, body)
	}
	return fmt.Errorf("unknown provider %q: %w", provider, ErrUnauthorized)
}

// verifyGitee accepts either the plain password token or the timestamp
// signature mode (base64 HMAC-SHA256 of "<timestamp>\n<secret>").
func (v *Verifier) verifyGitee(header http.Header, body []byte) error {
	secret := v.secrets.Gitee
	if secret == "" {
		return fmt.Errorf("gitee: no secret configured: %w", ErrUnauthorized)
	}
	token := header.Get("X-Gitee-Token")
	if token == "" {
		var p struct {
			Password string `json:"password"`
		}
		_ = json.Unmarshal(body, &p)
		token = p.Password
	}
	if token == "" {
		return fmt.Errorf("gitee: missing token: %w", ErrUnauthorized)
	}
	if ts := header.Get("X-Gitee-Timestamp"); ts != "" {
		if equal(token, GiteeSign(ts, secret)) {
			return nil
		}
		return fmt.Errorf("gitee: signature mismatch: %w", ErrUnauthorized)
	}
	if !equal(token, secret) {
		return fmt.Errorf("gitee: token mismatch: %w", ErrUnauthorized)
	}
	return nil
}

// GiteeSign computes the Gitee timestamp signature.
func GiteeSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
