package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxPayloadBytes is the default cap on a single inbound event payload;
// MAX_PAYLOAD_BYTES overrides it through the router.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Event names that are never legitimate; mostly prototype-pollution vectors
// from JS clients.
var deniedEventNames = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"eval":        {},
	"script":      {},
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script[\s>]`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)on(?:load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)<\s*iframe[\s>]`),
}

// Keywords that suggest a privilege-escalation attempt. These raise
// suspicion but never block on their own; legitimate admin tooling can
// mention them.
var privEscKeywords = []string{
	"grant_role",
	"is_admin",
	"role=admin",
	"superuser",
	"sudo",
	"setuid",
}

// ContentViolation describes a rejected event.
type ContentViolation struct {
	Check  string // denied_event_name, payload_too_large, injection_pattern
	Detail string
}

func (v *ContentViolation) Error() string {
	return fmt.Sprintf("content rejected (%s): %s", v.Check, v.Detail)
}

// ValidateContent checks an inbound event before the router dispatches it.
// A nil return means the event is acceptable. maxBytes <= 0 falls back to
// MaxPayloadBytes.
func ValidateContent(eventName string, payload []byte, maxBytes int) *ContentViolation {
	if _, denied := deniedEventNames[strings.ToLower(eventName)]; denied {
		return &ContentViolation{Check: "denied_event_name", Detail: eventName}
	}
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}
	if len(payload) > maxBytes {
		return &ContentViolation{
			Check:  "payload_too_large",
			Detail: fmt.Sprintf("%d bytes", len(payload)),
		}
	}
	// Match on decoded values, not raw bytes: JSON escaping writes "<" as
	// \u003c and would slip markup past the patterns.
	for _, s := range stringValues(payload) {
		for _, pattern := range injectionPatterns {
			if pattern.MatchString(s) {
				return &ContentViolation{Check: "injection_pattern", Detail: pattern.String()}
			}
		}
	}
	return nil
}

// stringValues collects every string key and value in the decoded payload.
// Non-JSON payloads fall back to the raw bytes.
func stringValues(payload []byte) []string {
	var v any
	if len(payload) == 0 || json.Unmarshal(payload, &v) != nil {
		return []string{string(payload)}
	}
	var out []string
	var walk func(any)
	walk = func(node any) {
		switch x := node.(type) {
		case string:
			out = append(out, x)
		case map[string]any:
			for key, val := range x {
				out = append(out, key)
				walk(val)
			}
		case []any:
			for _, val := range x {
				walk(val)
			}
		}
	}
	walk(v)
	return out
}

// DetectPrivilegeEscalation reports whether a payload contains an
// escalation keyword. Callers raise suspicion on a hit; the event itself
// proceeds.
func DetectPrivilegeEscalation(payload []byte) bool {
	lowered := strings.ToLower(string(payload))
	for _, keyword := range privEscKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
