package lua

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zot/hmr/internal/hmr"
	"github.com/zot/hmr/internal/plugin"
)

// Source provides the code of a module. timestamp is non-zero when an
// updated version is requested, so caches must be bypassed.
type Source interface {
	Fetch(ctx context.Context, path string, timestamp int64) (string, error)
}

// HTTPSource fetches transformed modules from a dev server.
type HTTPSource struct {
	Base   string // server origin, e.g. http://127.0.0.1:5173
	Client *http.Client
}

// NewHTTPSource creates a source for the dev server at base.
func NewHTTPSource(base string) *HTTPSource {
	return &HTTPSource{Base: strings.TrimSuffix(base, "/"), Client: http.DefaultClient}
}

// Fetch requests /@modules/<path>. Network failures and missing modules are
// reported as *hmr.FetchError; other failures carry the server's message.
func (s *HTTPSource) Fetch(ctx context.Context, path string, timestamp int64) (string, error) {
	u := s.Base + "/@modules" + path
	if timestamp != 0 {
		u += "?t=" + strconv.FormatInt(timestamp, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", &hmr.FetchError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &hmr.FetchError{Path: path, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", &hmr.FetchError{Path: path, Err: fmt.Errorf("%s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%s: %s", path, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// WebSocketURL returns the HMR endpoint of the dev server at base.
func WebSocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/@hmr"
	return u.String(), nil
}

// PipelineSource runs modules through a local plugin container, without a server.
type PipelineSource struct {
	Container *plugin.Container
}

// Fetch loads and transforms path.
func (s *PipelineSource) Fetch(ctx context.Context, path string, timestamp int64) (string, error) {
	return s.Container.Request(ctx, path)
}
