// Package mockhttpclient provides an http.RoundTripper that returns canned
// responses keyed by URL, for tests of HTTP clients.
package mockhttpclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// MockResponse is a single canned HTTP response.
type MockResponse struct {
	Body       []byte
	StatusCode int
}

// URLMock implements http.RoundTripper but returns mocked responses.
//
//   - Mock adds a fake response for the given URL to be used every time a
//     request is made for that URL.
//   - MockOnce adds a fake response to be used one time; calls queue up in
//     FIFO order and take precedence over Mock.
//   - MockError makes requests to the URL fail at the transport level, like a
//     connection reset or DNS failure would.
type URLMock struct {
	mtx        sync.Mutex
	mockAlways map[string]MockResponse
	mockOnce   map[string][]MockResponse
	mockErrs   map[string]error
}

// NewURLMock returns an empty URLMock instance.
func NewURLMock() *URLMock {
	return &URLMock{
		mockAlways: map[string]MockResponse{},
		mockOnce:   map[string][]MockResponse{},
		mockErrs:   map[string]error{},
	}
}

// Mock adds a 200 response with the given body for every request to url.
func (m *URLMock) Mock(url string, body []byte) {
	m.MockStatus(url, http.StatusOK, body)
}

// MockStatus adds a response with the given status and body for every request
// to url.
func (m *URLMock) MockStatus(url string, statusCode int, body []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mockAlways[url] = MockResponse{Body: body, StatusCode: statusCode}
}

// MockOnce adds a 200 response with the given body to be used exactly once.
func (m *URLMock) MockOnce(url string, body []byte) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mockOnce[url] = append(m.mockOnce[url], MockResponse{Body: body, StatusCode: http.StatusOK})
}

// MockError makes every request to url return the given error from RoundTrip.
func (m *URLMock) MockError(url string, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.mockErrs[url] = err
}

// Client returns an http.Client instance which uses the URLMock.
func (m *URLMock) Client() *http.Client {
	return &http.Client{Transport: m}
}

// RoundTrip implements http.RoundTripper using past calls to Mock, MockOnce
// and MockError.
func (m *URLMock) RoundTrip(r *http.Request) (*http.Response, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	url := r.URL.String()
	if err, ok := m.mockErrs[url]; ok {
		return nil, err
	}
	var resp MockResponse
	if queued, ok := m.mockOnce[url]; ok && len(queued) > 0 {
		resp = queued[0]
		m.mockOnce[url] = queued[1:]
	} else if always, ok := m.mockAlways[url]; ok {
		resp = always
	} else {
		return nil, fmt.Errorf("unknown URL %q", url)
	}
	return &http.Response{
		Body:       respBodyCloser{bytes.NewReader(resp.Body)},
		Status:     http.StatusText(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Request:    r,
	}, nil
}

// Empty returns true iff all of the URLs registered via MockOnce have been used.
func (m *URLMock) Empty() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, queued := range m.mockOnce {
		if len(queued) > 0 {
			return false
		}
	}
	return true
}

// respBodyCloser wraps a bytes.Reader to implement io.ReadCloser.
type respBodyCloser struct {
	io.Reader
}

// Close implements io.ReadCloser.
func (r respBodyCloser) Close() error {
	return nil
}
