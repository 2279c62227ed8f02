package auth

import "strings"

// Handshake carries everything auth-relevant from the connection attempt:
// the HTTP upgrade request plus the client's first auth frame, if any.
type Handshake struct {
	// AuthPayload is the parsed body of the client's auth frame; clients
	// disagree on the key they put the token under.
	AuthPayload map[string]string

	AuthorizationHeader string
	QueryToken          string

	TwoFactorCode string
	RemoteAddr    string
	UserAgent     string
}

// Alternative payload keys, in lookup order after the canonical "token".
var altTokenKeys = []string{
	"access_token",
	"accessToken",
	"authToken",
	"auth_token",
	"jwt",
}

// ExtractToken pulls the raw token out of a handshake. Extraction order is
// fixed: auth payload "token", Authorization bearer header, query param,
// then the alternative payload keys.
func ExtractToken(h *Handshake) string {
	if token := h.AuthPayload["token"]; token != "" {
		return token
	}
	if header := strings.TrimSpace(h.AuthorizationHeader); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return header
	}
	if h.QueryToken != "" {
		return h.QueryToken
	}
	for _, key := range altTokenKeys {
		if token := h.AuthPayload[key]; token != "" {
			return token
		}
	}
	return ""
}
