// Package httputils provides configured http.Clients and small HTTP helpers.
package httputils

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nuget-trends/nuget-trends/go/metrics2"
	"github.com/nuget-trends/nuget-trends/go/sklog"
	"github.com/nuget-trends/nuget-trends/go/util"
)

const (
	DialTimeout    = time.Minute
	RequestTimeout = 30 * time.Second

	// maxBytesInResponseBody bounds how much of an error response body gets
	// copied into logs and error messages.
	maxBytesInResponseBody = 10 * 1024
)

// ClientConfig represents options for the behavior of an http.Client. Each
// field, when set, modifies the default http.Client behavior.
//
// Example:
//
//	client := httputils.DefaultClientConfig().With2xxOnly().Client()
type ClientConfig struct {
	// DialTimeout, if non-zero, sets the http.Transport's dialer to a
	// net.DialTimeout with the specified timeout.
	DialTimeout time.Duration

	// RequestTimeout, if non-zero, sets the http.Client.Timeout. The timeout
	// applies until the response body is fully read.
	RequestTimeout time.Duration

	// Response2xxOnly, if true, transforms non-2xx HTTP responses to an error
	// return value.
	Response2xxOnly bool

	// Metrics, if true, counts each response by status code.
	Metrics bool
}

// DefaultClientConfig returns a ClientConfig with reasonable defaults. The
// returned clients never retry on their own; callers own the retry decision.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:    DialTimeout,
		RequestTimeout: RequestTimeout,
		Metrics:        true,
	}
}

// WithDialTimeout returns a new ClientConfig with the DialTimeout set as specified.
func (c ClientConfig) WithDialTimeout(dialTimeout time.Duration) ClientConfig {
	c.DialTimeout = dialTimeout
	return c
}

// WithRequestTimeout returns a new ClientConfig with the RequestTimeout set as
// specified.
func (c ClientConfig) WithRequestTimeout(requestTimeout time.Duration) ClientConfig {
	c.RequestTimeout = requestTimeout
	return c
}

// With2xxOnly returns a new ClientConfig where non-2xx responses cause an error.
func (c ClientConfig) With2xxOnly() ClientConfig {
	c.Response2xxOnly = true
	return c
}

// Client returns a new http.Client as configured by the ClientConfig.
func (c ClientConfig) Client() *http.Client {
	var t http.RoundTripper = http.DefaultTransport
	if c.DialTimeout != 0 {
		t = &http.Transport{
			DialContext: (&net.Dialer{Timeout: c.DialTimeout}).DialContext,
		}
	}
	if c.Response2xxOnly {
		t = Response2xxOnlyTransport{t}
	}
	if c.Metrics {
		t = metricsTransport{t}
	}
	return &http.Client{
		Transport: t,
		Timeout:   c.RequestTimeout,
	}
}

// Response2xxOnlyTransport is a RoundTripper that transforms non-2xx HTTP
// responses to an error return value. Delegates all requests to the wrapped
// RoundTripper, which must be non-nil.
type Response2xxOnlyTransport struct {
	http.RoundTripper
}

// RoundTrip implements the RoundTripper interface.
func (t Response2xxOnlyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(req)
	if err == nil && resp != nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, fmt.Errorf("got error response status code %d from the HTTP %s request to %s\nResponse: %s", resp.StatusCode, req.Method, req.URL, ReadAndClose(resp.Body))
	}
	return resp, err
}

// metricsTransport counts responses by host and status code.
type metricsTransport struct {
	http.RoundTripper
}

// RoundTrip implements the RoundTripper interface.
func (t metricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(req)
	if resp != nil {
		metrics2.GetCounter("http_response", map[string]string{
			"host":       req.URL.Host,
			"statuscode": strconv.Itoa(resp.StatusCode),
		}).Inc(1)
	}
	return resp, err
}

// ReadAndClose reads the content of a ReadCloser (e.g. http Response), and
// returns it as a string. If the response was nil or there was a problem, it
// will return empty string. The reader, if non-nil, will be closed.
func ReadAndClose(r io.ReadCloser) string {
	if r != nil {
		defer util.Close(r)
		if b, err := io.ReadAll(io.LimitReader(r, maxBytesInResponseBody)); err != nil {
			sklog.Warningf("There was a potential problem reading the response body: %s", err)
		} else {
			return fmt.Sprintf("%q", string(b))
		}
	}
	return ""
}

// ReadyHandleFunc is an http.HandleFunc for a healthcheck endpoint: 200 OK
// with an empty body.
func ReadyHandleFunc(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}
