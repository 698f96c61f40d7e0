package gate

import (
	"net/http"
	"strings"
)

// CredentialKind identifies how a request presented its credential.
type CredentialKind int

const (
	// NoCredential means the request carries neither an API key nor a token.
	NoCredential CredentialKind = iota
	// APIKey is a raw API key.
	APIKey
	// SignedURL is a signed URL token.
	SignedURL
)

// String returns the kind name used in logs and metrics.
func (k CredentialKind) String() string {
	switch k {
	case APIKey:
		return "api_key"
	case SignedURL:
		return "signed_url"
	default:
		return "anonymous"
	}
}

// Credentials is what a request presented. At most one of APIKey and Token
// is set.
type Credentials struct {
	Kind   CredentialKind
	APIKey string
	Token  string
}

// Transport names where credentials are read from. Empty names disable
// that source.
type Transport struct {
	Header      string // API key header, e.g. X-API-Key
	Cookie      string // API key cookie
	Query       string // API key query parameter
	SignedQuery string // signed URL token query parameter
	SignedURLs  bool   // accept signed URL tokens at all
}

// DefaultTransport reads keys from Authorization and X-API-Key and tokens
// from ?signature=.
var DefaultTransport = Transport{
	Header:      "X-API-Key",
	SignedQuery: "signature",
	SignedURLs:  true,
}

// Extract reads the request's credential. API keys are checked in order
// Authorization bearer, header, cookie, query; a signed URL token is used
// only when no API key is present.
func (t Transport) Extract(r *http.Request) Credentials {
	if key := t.apiKey(r); key != "" {
		return Credentials{Kind: APIKey, APIKey: key}
	}
	if t.SignedURLs && t.SignedQuery != "" {
		if token := r.URL.Query().Get(t.SignedQuery); token != "" {
			return Credentials{Kind: SignedURL, Token: token}
		}
	}
	return Credentials{Kind: NoCredential}
}

func (t Transport) apiKey(r *http.Request) string {
	if key := extractBearerToken(r); key != "" {
		return key
	}
	if t.Header != "" {
		if key := strings.TrimSpace(r.Header.Get(t.Header)); key != "" {
			return key
		}
	}
	if t.Cookie != "" {
		if c, err := r.Cookie(t.Cookie); err == nil && c.Value != "" {
			return c.Value
		}
	}
	if t.Query != "" {
		if key := r.URL.Query().Get(t.Query); key != "" {
			return key
		}
	}
	return ""
}

// extractBearerToken gets token from "Authorization: Bearer <token>" header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
