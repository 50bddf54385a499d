// Package registry looks up current download totals for individual packages
// from the upstream's search endpoint.
//
// Like the catalog client, lookups never retry on their own. The download
// worker needs to see raw failures to tell a package-level problem from an
// upstream outage.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/nuget-trends/nuget-trends/go/httputils"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/util"
)

// DefaultBaseURL is the public upstream's search endpoint.
const DefaultBaseURL = "https://azuresearch-usnc.nuget.org/query"

// ErrNotFound is returned by Lookup for packages the upstream does not know,
// typically because they were deleted after we mirrored them.
var ErrNotFound = errors.New("package not found upstream")

// transientError marks failures worth retrying later: network errors and
// 5xx responses.
type transientError struct {
	wrapped error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient upstream failure: %s", e.wrapped)
}

func (e *transientError) Unwrap() error {
	return e.wrapped
}

// IsTransient returns true for errors that indicate the upstream itself is
// struggling, as opposed to a problem with one package.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// NewTransientError wraps err so that IsTransient returns true for it. Used
// by fakes standing in for the upstream.
func NewTransientError(err error) error {
	return &transientError{wrapped: err}
}

// PackageStats is the lookup result for one package.
type PackageStats struct {
	// PackageID carries the upstream's casing.
	PackageID      string
	TotalDownloads int64
	IconURL        string
}

// Client looks up package stats over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New returns a Client that uses the given http.Client, which should have a
// request timeout configured (see httputils.DefaultClientConfig).
func New(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// searchResponse is the subset of the search endpoint's response we use.
type searchResponse struct {
	TotalHits int `json:"totalHits"`
	Data      []struct {
		PackageID      string `json:"id"`
		TotalDownloads int64  `json:"totalDownloads"`
		IconURL        string `json:"iconUrl"`
	} `json:"data"`
}

// Lookup returns the current stats of the given package. Returns ErrNotFound
// if the upstream has no such package; other failures are wrapped, with
// network errors and 5xx responses additionally classified as transient (see
// IsTransient).
func (c *Client) Lookup(ctx context.Context, packageIDLower string) (*PackageStats, error) {
	u := fmt.Sprintf("%s?q=packageid:%s&prerelease=true&semVerLevel=2.0.0", c.baseURL, url.QueryEscape(packageIDLower))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{wrapped: err}
	}
	defer util.Close(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, skerr.Wrapf(ErrNotFound, "looking up %s", packageIDLower)
	case resp.StatusCode >= 500:
		return nil, &transientError{wrapped: skerr.Fmt("got status %d from %s", resp.StatusCode, u)}
	case resp.StatusCode != http.StatusOK:
		return nil, skerr.Fmt("got status %d from %s\nResponse: %s", resp.StatusCode, u, httputils.ReadAndClose(resp.Body))
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, skerr.Wrapf(err, "decoding response of %s", u)
	}
	if len(sr.Data) == 0 {
		return nil, skerr.Wrapf(ErrNotFound, "looking up %s", packageIDLower)
	}
	hit := sr.Data[0]
	return &PackageStats{
		PackageID:      hit.PackageID,
		TotalDownloads: hit.TotalDownloads,
		IconURL:        hit.IconURL,
	}, nil
}
