package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ipfs/rawgw/internal/fixtures"
	"github.com/ipfs/rawgw/path"

	blocks "github.com/ipfs/go-block-format"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// missingCID is a valid CID that is not part of the fixture.
const missingCID = "bafkreiexl3x25g2cvijevv5ci4fke53542ktdprswm7vyp4z6ogudyefhi"

func newTestBackend(t *testing.T) (*BlocksBackend, *fixtures.Fixture) {
	t.Helper()
	f, store := fixtures.MustLoad(t)
	backend, err := NewBlocksBackend(store)
	require.NoError(t, err)
	return backend, f
}

func newTestHandler(t *testing.T, c Config) (http.Handler, *fixtures.Fixture) {
	t.Helper()
	backend, f := newTestBackend(t)
	c.MetricsRegistry = prometheus.NewRegistry()
	return NewHandler(c, backend), f
}

func defaultTestConfig() Config {
	return Config{DeserializedResponses: true}
}

// ipfsURL returns the escaped request target for p below the fixture root.
func ipfsURL(f *fixtures.Fixture, p string, query url.Values) string {
	contentPath := "/ipfs/" + f.RootCID().String()
	if p != "" {
		contentPath += "/" + p
	}
	u := url.URL{Path: contentPath, RawQuery: query.Encode()}
	return u.String()
}

func doRequest(t *testing.T, h http.Handler, method string, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func acceptRaw() http.Header {
	return http.Header{"Accept": []string{rawResponseFormat}}
}

func formatRaw() url.Values {
	return url.Values{"format": []string{"raw"}}
}

type errorBackend struct {
	IPFSBackend
	err error
}

func (b *errorBackend) GetBlock(context.Context, path.ImmutablePath) (ContentPathMetadata, blocks.Block, error) {
	return ContentPathMetadata{}, nil, b.err
}

type panicBackend struct {
	IPFSBackend
}

func (b *panicBackend) GetBlock(context.Context, path.ImmutablePath) (ContentPathMetadata, blocks.Block, error) {
	panic("boom")
}
