package catalog

import (
	"fmt"
	"net/url"
)

// AssetResolver turns the file names of a book into download URLs.
type AssetResolver struct {
	base *url.URL
}

// NewAssetResolver creates a resolver serving files below baseURL.
func NewAssetResolver(baseURL string) (*AssetResolver, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid asset base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("asset base URL %q must be absolute", baseURL)
	}
	return &AssetResolver{base: u}, nil
}

// FileURL returns the URL of the book's downloadable file.
func (a *AssetResolver) FileURL(b Book) string {
	return a.base.JoinPath(b.File).String()
}

// CoverURL returns the URL of the book's cover image, or "" if it has none.
func (a *AssetResolver) CoverURL(b Book) string {
	if b.Cover == "" {
		return ""
	}
	return a.base.JoinPath(b.Cover).String()
}
