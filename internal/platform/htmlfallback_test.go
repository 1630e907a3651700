package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const productPage = `<!doctype html>
<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"BreadcrumbList"},
  {"@type":"Product",
   "name":"Brass Pendant",
   "description":"A <em>hand cast</em> brass pendant.",
   "sku":"PEND-1",
   "productID":"pend-1",
   "image":["https://cdn.example.com/pendant.jpg"],
   "brand":{"@type":"Brand","name":"Atelier Norte"},
   "material":"brass",
   "offers":{"@type":"Offer","price":"39.00","priceCurrency":"EUR","availability":"https://schema.org/InStock"}}
]}
</script>
</head><body>irrelevant</body></html>`

func newScrapeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		fmt.Fprintf(w, `<?xml version="1.0"?>
<urlset>
  <url><loc>%s/</loc></url>
  <url><loc>%s/products/brass-pendant</loc></url>
  <url><loc>%s/pages/about</loc></url>
  <url><loc>%s/products/brass-pendant</loc></url>
</urlset>`, host, host, host, host)
	})
	mux.HandleFunc("/products/brass-pendant", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, productPage)
	})
	mux.HandleFunc("/products/plain", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>no structured data here</body></html>")
	})
	return httptest.NewServer(mux)
}

func TestHTMLFallback_DiscoverReadsProductLocsOnce(t *testing.T) {
	srv := newScrapeServer(t)
	defer srv.Close()

	a := NewHTMLFallback(HTMLFallbackSettings{})
	refs, err := a.Discover(context.Background(), Site{BaseURL: srv.URL}, 0)
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, srv.URL+"/products/brass-pendant", refs[0].URL)
}

func TestHTMLFallback_FetchReadsJSONLDProduct(t *testing.T) {
	srv := newScrapeServer(t)
	defer srv.Close()

	a := NewHTMLFallback(HTMLFallbackSettings{})
	url := srv.URL + "/products/brass-pendant"
	raw, err := a.Fetch(context.Background(), Site{BaseURL: srv.URL}, ProductRef{ExternalID: url, URL: url})
	require.NoError(t, err)
	require.NotNil(t, raw)

	assert.Equal(t, "pend-1", raw.ExternalID)
	assert.Equal(t, "Brass Pendant", raw.Title)
	assert.Equal(t, "A hand cast brass pendant.", raw.Description)
	assert.Equal(t, "Atelier Norte", raw.Vendor)
	assert.Equal(t, "EUR", raw.Currency)
	assert.Contains(t, raw.Tags, "brass")
	require.Len(t, raw.Variants, 1)
	assert.Equal(t, "PEND-1", raw.Variants[0].SKU)
	assert.Equal(t, "39.00", raw.Variants[0].Price)
	assert.True(t, raw.Variants[0].Available)
}

func TestHTMLFallback_PageWithoutProductBlockIsGone(t *testing.T) {
	srv := newScrapeServer(t)
	defer srv.Close()

	a := NewHTMLFallback(HTMLFallbackSettings{})
	url := srv.URL + "/products/plain"
	raw, err := a.Fetch(context.Background(), Site{BaseURL: srv.URL}, ProductRef{URL: url})
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestStringList_AcceptsBothShapes(t *testing.T) {
	var fromArray stringList
	require.NoError(t, fromArray.UnmarshalJSON([]byte(`["a","b"]`)))
	assert.Equal(t, stringList{"a", "b"}, fromArray)

	var fromString stringList
	require.NoError(t, fromString.UnmarshalJSON([]byte(`"a, b , "`)))
	assert.Equal(t, stringList{"a", "b"}, fromString)
}
