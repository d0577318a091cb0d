package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/meetflow/rtc/internal/config"
)

// Verifier checks a signaling credential and returns the authenticated user
// identity. API key mode carries no identity in the credential, so Verify
// returns "" and the caller falls back to the client-chosen user ID.
type Verifier interface {
	Verify(credential string) (userID string, err error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery extracts the credential from URL query parameters.
// Each mode prefers its natural parameter but accepts the other, so clients
// written against one deployment's auth mode keep working after a switch.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest extracts the credential from an HTTP request's
// Authorization header ("Bearer <cred>" or "ApiKey <cred>"), the X-API-Key
// header, or the URL query, in that order.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if cred, ok := stripSchemePrefix(header, "Bearer "); ok {
			return cred, nil
		}
		if cred, ok := stripSchemePrefix(header, "ApiKey "); ok {
			return cred, nil
		}
	}
	if cred := r.Header.Get("X-API-Key"); cred != "" {
		return cred, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func stripSchemePrefix(header, scheme string) (string, bool) {
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	cred := strings.TrimSpace(header[len(scheme):])
	if cred == "" {
		return "", false
	}
	return cred, true
}

// WireAuthMessage is the first message a signaling client sends after the
// WebSocket upgrade. UserID is honored only in modes whose credential carries
// no identity of its own.
type WireAuthMessage struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	APIKey string `json:"apiKey,omitempty"`
	UserID string `json:"userId,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		if msg.Token != "" {
			return msg.Token, nil
		}
		return "", ErrMissingCredentials
	case config.AuthModeJWT:
		if msg.Token != "" {
			return msg.Token, nil
		}
		if msg.APIKey != "" {
			return msg.APIKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
