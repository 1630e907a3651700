package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "image-a-bytes")
	})
	mux.HandleFunc("/copy-of-a.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "image-a-bytes")
	})
	mux.HandleFunc("/b.png", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprint(w, "image-b-bytes")
	})
	mux.HandleFunc("/broken.jpg", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	return httptest.NewServer(mux)
}

func TestResolve_ContentAddressesAndDeduplicates(t *testing.T) {
	srv := newImageServer(t)
	defer srv.Close()

	store := NewMemoryStore()
	r := NewHTTPResolver(store, 2*time.Second)

	urls := []string{srv.URL + "/a.jpg", srv.URL + "/copy-of-a.jpg", srv.URL + "/b.png"}
	resolved, err := r.Resolve(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, resolved, 3)

	sum := sha256.Sum256([]byte("image-a-bytes"))
	hashA := hex.EncodeToString(sum[:])
	assert.Equal(t, hashA, resolved[urls[0]].ContentHash)
	// same bytes behind two URLs resolve to the same durable copy
	assert.Equal(t, resolved[urls[0]].DurableURL, resolved[urls[1]].DurableURL)
	assert.NotEqual(t, resolved[urls[0]].DurableURL, resolved[urls[2]].DurableURL)

	// two distinct objects stored, not three
	assert.Len(t, store.Names(), 2)
	assert.Contains(t, store.Names(), hashA+".jpg")
}

func TestResolve_PartialFailureKeepsSurvivors(t *testing.T) {
	srv := newImageServer(t)
	defer srv.Close()

	r := NewHTTPResolver(NewMemoryStore(), 2*time.Second)
	resolved, err := r.Resolve(context.Background(), []string{
		srv.URL + "/broken.jpg",
		srv.URL + "/a.jpg",
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	_, ok := resolved[srv.URL+"/a.jpg"]
	assert.True(t, ok)
}

func TestResolve_AllFailuresIsAnError(t *testing.T) {
	srv := newImageServer(t)
	defer srv.Close()

	r := NewHTTPResolver(NewMemoryStore(), 2*time.Second)
	_, err := r.Resolve(context.Background(), []string{srv.URL + "/broken.jpg"})
	assert.Error(t, err)
}

func TestResolve_NoURLsIsEmptyResult(t *testing.T) {
	r := NewHTTPResolver(NewMemoryStore(), 2*time.Second)
	resolved, err := r.Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("https://cdn.example.com/x.jpg?v=2", ""))
	assert.Equal(t, ".png", extensionFor("https://cdn.example.com/x", "image/png"))
	assert.Equal(t, "", extensionFor("https://cdn.example.com/x", "application/octet-stream"))
}
