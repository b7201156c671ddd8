package client

import (
	"net/http"
	"time"
)

// HeaderSettingClient wraps http.Client to automatically set request headers.
// Every upstream request in the gateway goes through one of these; the zero
// overall timeout is deliberate since relays are bounded by their own
// idle-read timeouts, not a total request deadline.
type HeaderSettingClient struct {
	Client    *http.Client
	userAgent string
	username  string
	password  string
}

// New builds a client with a tuned transport for long-lived streaming
// connections. Credentials, when set, are sent as basic auth on every
// request.
func New(userAgent, username, password string) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client:    client,
		userAgent: userAgent,
		username:  username,
		password:  password,
	}
}

func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.userAgent)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.username != "" && hsc.password != "" {
		req.SetBasicAuth(hsc.username, hsc.password)
	}
}

// CustomResponseWriter wraps http.ResponseWriter to track header state and
// implement Flusher for incremental relay output.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}

	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// StatusCode returns the status written so far, 0 if none yet.
func (crw *CustomResponseWriter) StatusCode() int {
	return crw.statusCode
}

// Flush implements http.Flusher when the underlying writer supports it.
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
