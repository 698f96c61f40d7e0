// Package logging provides helpers that keep credentials out of log output.
package logging

import (
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Redacted replaces any value that must never be logged, even partially.
const Redacted = "[REDACTED]"

// DefaultSensitiveParams are the query parameters that carry credentials:
// signed URL tokens and API keys passed in the query string.
var DefaultSensitiveParams = []string{"signature", "key", "api_key", "token"}

// Header names whose values are hidden completely.
var (
	redactedHeaders  = []string{"cookie", "set-cookie"}
	redactedFragment = []string{"password", "secret", "private-key"}
)

// Header names whose values keep their last four characters.
var keyHeaders = []string{"authorization", "x-api-key", "x-access-key"}

// MaskHeader returns value as it may appear in a log line.
//
// Cookies and anything naming a password, secret or private key become
// Redacted. Authorization, API key headers and the names in extra are
// shortened to "****" plus their last four characters. Everything else is
// returned as is. Names compare case-insensitively.
func MaskHeader(name, value string, extra ...string) string {
	lower := strings.ToLower(name)
	switch {
	case slices.Contains(redactedHeaders, lower),
		slices.ContainsFunc(redactedFragment, func(f string) bool { return strings.Contains(lower, f) }):
		return Redacted
	case slices.Contains(keyHeaders, lower), containsFold(extra, name):
		return maskTail(value)
	}
	return value
}

// maskTail keeps four characters of a key long enough that they reveal
// nothing useful.
func maskTail(value string) string {
	const minLen = 16
	if len(value) < minLen {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(x string) bool { return strings.EqualFold(x, s) })
}

// MaskQuery redacts the values of sensitive parameters in a raw query string.
// Parameter names are matched case-insensitively. A query that does not
// parse is replaced whole.
func MaskQuery(rawQuery string, sensitive []string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Redacted
	}
	for name := range values {
		if containsFold(sensitive, name) {
			values[name] = []string{Redacted}
		}
	}
	// Encode escapes the brackets; keep them readable.
	return strings.ReplaceAll(values.Encode(), url.QueryEscape(Redacted), Redacted)
}

// MaskJSONBody rewrites a JSON document so that only scalar fields named in
// allowlist keep their value. Objects and arrays are always descended into.
// A nil allowlist disables masking; a body that is not JSON is returned
// untouched.
func MaskJSONBody(body []byte, allowlist []string) []byte {
	if allowlist == nil || len(body) == 0 {
		return body
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	keep := make(map[string]struct{}, len(allowlist))
	for _, f := range allowlist {
		keep[f] = struct{}{}
	}

	out, err := json.Marshal(redactJSON(doc, keep))
	if err != nil {
		return body
	}
	return out
}

func redactJSON(v any, keep map[string]struct{}) any {
	switch node := v.(type) {
	case []any:
		for i := range node {
			node[i] = redactJSON(node[i], keep)
		}
		return node
	case map[string]any:
		for k, child := range node {
			_, allowed := keep[k]
			switch child.(type) {
			case map[string]any, []any:
				node[k] = redactJSON(child, keep)
			default:
				if !allowed {
					node[k] = Redacted
				}
			}
		}
		return node
	}
	return v
}

// FormatBinaryData describes a binary body by its length.
func FormatBinaryData(data []byte) string {
	return FormatSize(int64(len(data)))
}

// FormatSize describes a body that was not captured.
func FormatSize(n int64) string {
	return fmt.Sprintf("[BINARY: %d bytes]", n)
}
