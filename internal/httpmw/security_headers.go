package httpmw

import "net/http"

// apiSecurityHeaders is the profile for JSON APIs, no CSP or permissions
// policy since nothing here renders in a browser.
var apiSecurityHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// SecurityHeaders adds the API security headers when the response is
// written. A header the upstream already set is left alone, so proxied
// responses never carry duplicates.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&securityWriter{ResponseWriter: w}, r)
	})
}

type securityWriter struct {
	http.ResponseWriter
	applied bool
}

func (sw *securityWriter) apply() {
	if sw.applied {
		return
	}
	sw.applied = true
	h := sw.Header()
	for _, kv := range apiSecurityHeaders {
		if h.Get(kv[0]) == "" {
			h.Set(kv[0], kv[1])
		}
	}
}

func (sw *securityWriter) WriteHeader(code int) {
	sw.apply()
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *securityWriter) Write(b []byte) (int, error) {
	sw.apply()
	return sw.ResponseWriter.Write(b)
}

func (sw *securityWriter) Flush() {
	sw.apply()
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *securityWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
