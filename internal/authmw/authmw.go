// Package authmw provides HTTP middleware that checks webhook credentials.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Credentials lists the accepted credentials. Either a bearer token, a
// basic auth pair, or both may be set.
type Credentials struct {
	Token         string
	BasicUser     string
	BasicPassword string
}

// Enabled reports whether any credential is configured.
func (c Credentials) Enabled() bool {
	return c.Token != "" || c.BasicUser != ""
}

// Require returns middleware that rejects requests whose Authorization
// header does not carry one of the configured credentials. With no
// credentials configured it passes every request through.
func Require(c Credentials) func(http.Handler) http.Handler {
	if !c.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}

	token := digest(c.Token)
	user := digest(c.BasicUser)
	pass := digest(c.BasicPassword)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			switch {
			case c.Token != "" && strings.HasPrefix(auth, "Bearer "):
				if equal(digest(auth[len("Bearer "):]), token) {
					next.ServeHTTP(w, r)
					return
				}
			case c.BasicUser != "" && strings.HasPrefix(auth, "Basic "):
				u, p, ok := r.BasicAuth()
				// evaluate both to keep timing independent of which one is wrong
				userOK := equal(digest(u), user)
				passOK := equal(digest(p), pass)
				if ok && userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
			default:
				unauthorized(w, c, `{"error":"missing or malformed authorization header"}`)
				return
			}

			unauthorized(w, c, `{"error":"invalid credentials"}`)
		})
	}
}

func unauthorized(w http.ResponseWriter, c Credentials, body string) {
	if c.BasicUser != "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="ekarasync"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body))
}

// digest hashes s so comparisons run over fixed-length input.
func digest(s string) [sha256.Size]byte {
	return sha256.Sum256([]byte(s))
}

func equal(a, b [sha256.Size]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
