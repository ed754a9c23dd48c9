package gateway

import (
	"net/http"
)

// allowedHeaders defines the HTTP headers permitted to pass through to the Drive API.
var allowedHeaders = map[string]bool{
	"Accept":          true,
	"Accept-Encoding": true,
	"Authorization":   true, // set by oauth2.Transport, never by the client
	"Content-Type":    true,
	"Content-Length":  true,
	"Content-Range":   true, // resumable uploads
	"Range":           true, // partial downloads
	"If-Match":        true,
	"If-None-Match":   true,

	"X-Upload-Content-Type":   true,
	"X-Upload-Content-Length": true,

	// W3C Trace Context for distributed tracing correlation.
	"Traceparent": true,
	"Tracestate":  true,
}

// headerFilterTransport drops every request header not in allowedHeaders, so
// cookies and custom client headers never reach Google.
type headerFilterTransport struct {
	Base http.RoundTripper
}

// Compile-time check that headerFilterTransport implements http.RoundTripper.
var _ http.RoundTripper = (*headerFilterTransport)(nil)

// RoundTrip implements http.RoundTripper interface.
func (t *headerFilterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	newReq := req.Clone(req.Context())
	newReq.Header = make(http.Header, len(req.Header))
	for key, values := range req.Header {
		if allowedHeaders[key] {
			newReq.Header[key] = values
		}
	}

	return base.RoundTrip(newReq)
}
