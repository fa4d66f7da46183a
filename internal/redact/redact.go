// Package redact scrubs secret-shaped substrings out of text before it is
// persisted to the spool or the event store. Redaction never blocks
// delivery of the original bytes to the child process; it only governs
// what is written to durable storage and what an app peer ever sees.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
)

var (
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/=-]{8,}`)

	// knownPrefixPatterns match vendor-specific high-entropy token shapes
	// seen in the wild: OpenAI-style (sk-), GitHub PATs (ghp_/gho_/ghu_/
	// ghs_/ghr_), and AWS access key ids (AKIA...).
	knownPrefixPatterns = []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`),
		regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{10,}`),
		regexp.MustCompile(`AKIA[0-9A-Z]{12,}`),
	}

	// genericHighEntropy catches long opaque tokens that don't match a
	// known vendor shape: base64url/standard alphabets, 32+ chars.
	genericHighEntropy = regexp.MustCompile(`[A-Za-z0-9+/=_-]{32,}`)

	// secretKeyNames are JSON object keys whose string value is always
	// replaced wholesale, regardless of shape.
	secretKeyNames = map[string]bool{
		"api_key":       true,
		"apikey":        true,
		"token":         true,
		"access_token":  true,
		"refresh_token": true,
		"password":      true,
		"secret":        true,
		"authorization": true,
		"client_secret": true,
	}

	mask = "***REDACTED***"
)

// Redactor scrubs secret text, optionally extended with deployment-supplied
// regular expressions (loaded from the binary-override/redaction config
// file and hot-reloaded by fsnotify).
type Redactor struct {
	mu    sync.RWMutex
	extra []*regexp.Regexp
}

// New builds a Redactor. extra is applied in addition to the built-in
// patterns; a nil or empty slice is fine.
func New(extra []*regexp.Regexp) *Redactor {
	return &Redactor{extra: extra}
}

// SetExtra replaces the deployment-supplied pattern set in place. Registered
// as the tools-config watcher's reload hook, so a pattern edit on disk takes
// effect on the next Text/JSONValue call without restarting the daemon or
// rebuilding the Pool that holds this Redactor.
func (r *Redactor) SetExtra(extra []*regexp.Regexp) {
	r.mu.Lock()
	r.extra = extra
	r.mu.Unlock()
}

func (r *Redactor) extraPatterns() []*regexp.Regexp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extra
}

// Text redacts free-form text: PTY output, stdin lines, tool-call argument
// strings. It never shrinks a match to less than the mask itself, so
// redacted text length is not proportional to secret length.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	out := bearerPattern.ReplaceAllString(s, mask)
	for _, p := range knownPrefixPatterns {
		out = p.ReplaceAllString(out, mask)
	}
	for _, p := range r.extraPatterns() {
		out = p.ReplaceAllString(out, mask)
	}
	out = genericHighEntropy.ReplaceAllString(out, mask)
	return out
}

// JSONValue recursively redacts a decoded JSON value (the result of
// json.Unmarshal into any). String values under a key in secretKeyNames are
// replaced wholesale; every other string is passed through Text.
func (r *Redactor) JSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if secretKeyNames[strings.ToLower(k)] {
				if _, isString := val.(string); isString {
					out[k] = mask
					continue
				}
			}
			out[k] = r.JSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.JSONValue(item)
		}
		return out
	case string:
		return r.Text(t)
	default:
		return v
	}
}

// SHA256Hex returns the hex-encoded SHA-256 digest of the original,
// unredacted bytes. HD records this alongside the redacted text so a user
// who knows the plaintext can confirm it was delivered, without the
// plaintext ever being persisted.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
