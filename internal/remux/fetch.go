package remux

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// maxAssetBytes bounds a single fetched asset.
const maxAssetBytes = 256 << 20

// Fetcher loads a named bootstrap asset.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// DirFetcher reads assets from a local directory.
type DirFetcher struct {
	Dir string
}

func (f DirFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return nil, fmt.Errorf("remux: invalid asset name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("remux: read asset %s: %w", name, err)
	}
	return data, nil
}

// HTTPFetcher downloads assets relative to BaseURL.
type HTTPFetcher struct {
	Client  *http.Client
	BaseURL string
}

func (f HTTPFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	c := f.Client
	if c == nil {
		c = http.DefaultClient
	}
	u, err := url.JoinPath(f.BaseURL, name)
	if err != nil {
		return nil, fmt.Errorf("remux: asset url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("remux: fetch %s failed: status=%d", name, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAssetBytes {
		return nil, fmt.Errorf("remux: asset %s exceeds %d bytes", name, maxAssetBytes)
	}
	return data, nil
}

// NewFetcher picks an HTTPFetcher for http(s) locations and a DirFetcher
// otherwise.
func NewFetcher(location string, client *http.Client) Fetcher {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return HTTPFetcher{Client: client, BaseURL: location}
	}
	return DirFetcher{Dir: location}
}
