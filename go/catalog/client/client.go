// Package client fetches the upstream catalog's documents (service index,
// catalog index, pages and leaves) as typed values.
//
// The client never retries on its own; transient failures surface as errors
// and the catalog processor decides what to do with them.
package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nuget-trends/nuget-trends/go/httputils"
	"github.com/nuget-trends/nuget-trends/go/skerr"
	"github.com/nuget-trends/nuget-trends/go/util"
)

// DefaultServiceIndexURL is the public upstream's service index.
const DefaultServiceIndexURL = "https://api.nuget.org/v3/index.json"

// Client fetches catalog documents over HTTP.
type Client struct {
	httpClient      *http.Client
	serviceIndexURL string
}

// New returns a Client that uses the given http.Client, which should have a
// request timeout configured (see httputils.DefaultClientConfig).
func New(httpClient *http.Client, serviceIndexURL string) *Client {
	if serviceIndexURL == "" {
		serviceIndexURL = DefaultServiceIndexURL
	}
	return &Client{
		httpClient:      httpClient,
		serviceIndexURL: serviceIndexURL,
	}
}

// GetCatalogIndexURL resolves the catalog index URL from the service index.
func (c *Client) GetCatalogIndexURL(ctx context.Context) (string, error) {
	var index ServiceIndex
	if err := c.getJSON(ctx, c.serviceIndexURL, &index); err != nil {
		return "", skerr.Wrapf(err, "fetching service index %s", c.serviceIndexURL)
	}
	for _, resource := range index.Resources {
		if resource.Type == catalogResourceType {
			return resource.URL, nil
		}
	}
	return "", skerr.Fmt("service index %s has no %q resource", c.serviceIndexURL, catalogResourceType)
}

// GetCatalogIndex fetches the catalog index, which lists all pages.
func (c *Client) GetCatalogIndex(ctx context.Context, url string) (*CatalogIndex, error) {
	var index CatalogIndex
	if err := c.getJSON(ctx, url, &index); err != nil {
		return nil, skerr.Wrapf(err, "fetching catalog index %s", url)
	}
	return &index, nil
}

// GetCatalogPage fetches one catalog page, which lists leaf items.
func (c *Client) GetCatalogPage(ctx context.Context, url string) (*CatalogPage, error) {
	var page CatalogPage
	if err := c.getJSON(ctx, url, &page); err != nil {
		return nil, skerr.Wrapf(err, "fetching catalog page %s", url)
	}
	return &page, nil
}

// GetPackageDetailsLeaf fetches the full document behind a package-details
// leaf item.
func (c *Client) GetPackageDetailsLeaf(ctx context.Context, url string) (*PackageDetailsLeaf, error) {
	var leaf PackageDetailsLeaf
	if err := c.getJSON(ctx, url, &leaf); err != nil {
		return nil, skerr.Wrapf(err, "fetching catalog leaf %s", url)
	}
	return &leaf, nil
}

// getJSON GETs the url and decodes the response body into dst, ignoring
// unknown fields.
func (c *Client) getJSON(ctx context.Context, url string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return skerr.Fmt("got status %d from %s\nResponse: %s", resp.StatusCode, url, httputils.ReadAndClose(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return skerr.Wrapf(err, "decoding response of %s", url)
	}
	return nil
}
