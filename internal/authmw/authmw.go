// Package authmw provides HTTP middleware for operator bearer tokens and Twilio webhook signatures.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that admits requests whose Authorization
// header carries one of tokens. Several tokens allow rotation without a
// window where operators are locked out. Empty tokens are ignored; with no
// tokens left every request is rejected.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, bearerPrefix) {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			if !matchAny(accepted, []byte(auth[len(bearerPrefix):])) {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchAny compares got against every token so timing does not reveal which one matched.
func matchAny(accepted [][]byte, got []byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="medrelay"`)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}
