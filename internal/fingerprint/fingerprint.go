// Package fingerprint derives stable device identifiers from connection metadata.
//
// A fingerprint is the first 32 hex characters of a SHA-256 digest over the
// length-prefixed network address, client signature and locale hint. It is a
// pure function of its inputs: no salt, so the same device correlates across
// restarts, and the raw fields cannot be recovered from it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
)

// Length is the number of hex characters in a fingerprint.
const Length = 32

// Context is the connection metadata a fingerprint is derived from.
type Context struct {
	NetworkAddress  string `json:"networkAddress"`
	ClientSignature string `json:"clientSignature"`
	LocaleHint      string `json:"localeHint"`
}

// Of returns the fingerprint for c.
func Of(c Context) string {
	h := sha256.New()
	for _, field := range []string{c.NetworkAddress, c.ClientSignature, c.LocaleHint} {
		// Length prefix keeps ("ab","c") and ("a","bc") apart.
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))[:Length]
}

// Redact shortens a fingerprint for log output.
func Redact(fp string) string {
	if len(fp) <= 8 {
		return fp
	}
	return fp[:8] + "…"
}

// FromRequest builds a Context from an HTTP request. clientIP is passed in
// because proxy-aware resolution belongs to the router.
func FromRequest(r *http.Request, clientIP string) Context {
	return Context{
		NetworkAddress:  clientIP,
		ClientSignature: r.Header.Get("User-Agent"),
		LocaleHint:      r.Header.Get("Accept-Language"),
	}
}
