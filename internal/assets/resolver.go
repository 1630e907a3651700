package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/weftworks/loom/pkg/support/exception"
	"github.com/weftworks/loom/pkg/support/logger"
)

// Asset is one durably hosted image copy.
type Asset struct {
	DurableURL  string
	ContentHash string
}

// Resolver is the collaborator the enrichment and crawl paths call.
type Resolver interface {
	// Resolve downloads, content-addresses, and re-hosts the given URLs.
	// Per-URL failures are tolerated: the result carries every URL that
	// resolved, and an error is returned only when none did.
	Resolve(ctx context.Context, urls []string) (map[string]Asset, error)
}

// HTTPResolver downloads sources over HTTP and stores them in an ObjectStore.
type HTTPResolver struct {
	store  ObjectStore
	client *http.Client
}

// NewHTTPResolver creates the resolver with a bounded download timeout.
func NewHTTPResolver(store ObjectStore, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPResolver{
		store:  store,
		client: &http.Client{Timeout: timeout},
	}
}

var _ Resolver = (*HTTPResolver)(nil)

// Resolve fetches each URL, stores the body under its sha256 hash, and maps
// the source URL onto the durable copy. Duplicate content across URLs is
// uploaded once.
func (r *HTTPResolver) Resolve(ctx context.Context, urls []string) (map[string]Asset, error) {
	resolved := make(map[string]Asset, len(urls))
	var merr *multierror.Error
	uploaded := make(map[string]bool)

	for _, url := range urls {
		body, contentType, err := r.download(ctx, url)
		if err != nil {
			merr = multierror.Append(merr, err)
			logger.Warnf("Image %s could not be resolved: %v", url, exception.ExtractErrorMessage(err))
			continue
		}

		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		name := hash + extensionFor(url, contentType)

		if !uploaded[name] {
			exists, err := r.store.Exists(ctx, name)
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			if !exists {
				if err := r.store.Upload(ctx, name, bytes.NewReader(body), contentType); err != nil {
					merr = multierror.Append(merr, err)
					continue
				}
			}
			uploaded[name] = true
		}
		resolved[url] = Asset{DurableURL: r.store.PublicURL(name), ContentHash: hash}
	}

	if len(resolved) == 0 && len(urls) > 0 {
		return nil, exception.New(moduleName, "no image could be resolved", merr.ErrorOrNil(), true)
	}
	return resolved, nil
}

func (r *HTTPResolver) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", exception.New(moduleName, "invalid image url "+url, err, false)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", exception.New(moduleName, "download of "+url+" failed", err, true)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", exception.Newf(moduleName, true, "download of %s answered %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", exception.New(moduleName, "read of "+url+" failed", err, true)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// extensionFor picks a file extension from the URL path, falling back to the
// content type.
func extensionFor(url, contentType string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if ext := strings.ToLower(path.Ext(url)); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "webp"):
		return ".webp"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	default:
		return ""
	}
}
