package auth

import (
	"net/http"
	"strings"
)

// hintLength is how many trailing credential characters a hint keeps.
const hintLength = 8

// Credential returns the caller's API credential: the x-api-key header, or
// the token of an "Authorization: Bearer" header. Empty if neither is present.
func Credential(h http.Header) string {
	if apiKey := strings.TrimSpace(h.Get("X-API-Key")); apiKey != "" {
		return apiKey
	}

	auth := h.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// KeyHint derives a non-secret fragment of a credential: "..." followed by
// its last eight characters. Credentials shorter than that yield "".
func KeyHint(credential string) string {
	if len(credential) < hintLength {
		return ""
	}
	return "..." + credential[len(credential)-hintLength:]
}

// HintFromRequest returns the KeyHint of the request's credential.
func HintFromRequest(r *http.Request) string {
	return KeyHint(Credential(r.Header))
}
