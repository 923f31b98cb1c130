package authmw

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// TwilioSignatureHeader carries the request signature set by Twilio.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature returns middleware that verifies X-Twilio-Signature on
// form-encoded POSTs. The signed URL is publicURL joined with the request URI
// when publicURL is set, otherwise it is rebuilt from the request.
// Requests that fail verification get 403 and never reach next.
func TwilioSignature(authToken, publicURL string) func(http.Handler) http.Handler {
	publicURL = strings.TrimRight(publicURL, "/")
	validator := client.NewRequestValidator(authToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TwilioSignatureHeader)
			if got == "" {
				http.Error(w, "Invalid signature", http.StatusForbidden)
				return
			}
			if err := r.ParseForm(); err != nil {
				http.Error(w, "Invalid signature", http.StatusForbidden)
				return
			}

			if !validator.Validate(signedURL(r, publicURL), formParams(r.PostForm), got) {
				http.Error(w, "Invalid signature", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// formParams flattens the form to the first value per key, the shape Twilio
// signs for messaging webhooks.
func formParams(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

func signedURL(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
