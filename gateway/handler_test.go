package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/rawgw/internal/fixtures"
	"github.com/ipfs/rawgw/path"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawBlockAcceptHeader(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	fileCid := f.CID("dir/ascii.txt").String()
	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), acceptRaw())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "application/vnd.ipld.raw", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="`+fileCid+`.bin"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, `"`+fileCid+`.raw"`, rec.Header().Get("Etag"))
	assert.Equal(t, "/ipfs/"+f.RootCID().String()+"/dir/ascii.txt", rec.Header().Get("X-Ipfs-Path"))
	assert.Equal(t, strings.Join([]string{f.RootCID().String(), f.CID("dir").String(), fileCid}, ","), rec.Header().Get("X-Ipfs-Roots"))
	assert.Equal(t, "public, max-age=29030400, immutable", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Content-Location"))
	assert.Empty(t, rec.Header().Get("Last-Modified"))
}

func TestRawBlockFilenameOverride(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	plain := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), acceptRaw())
	named := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", url.Values{"filename": []string{"foobar.bin"}}), acceptRaw())

	require.Equal(t, http.StatusOK, named.Code)
	assert.Equal(t, `attachment; filename="foobar.bin"`, named.Header().Get("Content-Disposition"))
	assert.Equal(t, plain.Body.String(), named.Body.String())

	// nothing but Content-Disposition changes
	plainHeader := plain.Header().Clone()
	namedHeader := named.Header().Clone()
	plainHeader.Del("Content-Disposition")
	namedHeader.Del("Content-Disposition")
	assert.Equal(t, plainHeader, namedHeader)
}

func TestRawBlockContentNegotiationParity(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	for _, p := range append([]string{""}, f.Children("")...) {
		byFormat := doRequest(t, h, http.MethodGet, ipfsURL(f, p, formatRaw()), nil)
		byAccept := doRequest(t, h, http.MethodGet, ipfsURL(f, p, nil), acceptRaw())

		require.Equal(t, http.StatusOK, byFormat.Code, p)
		assert.Equal(t, byFormat.Code, byAccept.Code, p)
		assert.Equal(t, byFormat.Header(), byAccept.Header(), p)
		assert.Equal(t, byFormat.Body.Bytes(), byAccept.Body.Bytes(), p)
	}
}

func TestRawBlockContentLengthMatchesBlock(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	for _, p := range append([]string{""}, f.Children("")...) {
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, p, formatRaw()), nil)
		require.Equal(t, http.StatusOK, rec.Code, p)
		assert.Equal(t, strconv.Itoa(f.Len(p)), rec.Header().Get("Content-Length"), p)
		assert.Equal(t, f.Bytes(p), rec.Body.Bytes(), p)
		assert.Equal(t, `"`+f.CID(p).String()+`.raw"`, rec.Header().Get("Etag"), p)
	}
}

func TestRawBlockOfDirectory(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir", formatRaw()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.Bytes("dir"), rec.Body.Bytes())
	assert.Equal(t, f.RootCID().String()+","+f.CID("dir").String(), rec.Header().Get("X-Ipfs-Roots"))
}

func TestRawBlockAcceptWinsOverFormat(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", url.Values{"format": []string{"car"}}), acceptRaw())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", formatRaw()), http.Header{"Accept": []string{"application/vnd.ipld.car"}})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRawBlockAcceptList(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	for _, tc := range []struct {
		accept string
		status int
	}{
		{"text/html, application/vnd.ipld.raw;q=0.9, */*;q=0.1", http.StatusOK},
		{"application/vnd.ipld.car, application/vnd.ipld.raw", http.StatusOK},
		{"application/vnd.ipld.foo, application/vnd.ipld.raw", http.StatusOK},
		{"application/vnd.ipld.car, text/html", http.StatusNotImplemented},
		{"application/vnd.ipld.foo, application/vnd.ipld.car", http.StatusBadRequest},
	} {
		header := http.Header{"Accept": []string{tc.accept}}
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), header)
		assert.Equal(t, tc.status, rec.Code, tc.accept)
		if tc.status == http.StatusOK {
			assert.Equal(t, rawResponseFormat, rec.Header().Get("Content-Type"), tc.accept)
			assert.Equal(t, "hello", rec.Body.String(), tc.accept)
		}
	}

	t.Run("split across headers", func(t *testing.T) {
		header := http.Header{"Accept": []string{"application/vnd.ipld.car", "application/vnd.ipld.raw"}}
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), header)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, rawResponseFormat, rec.Header().Get("Content-Type"))
	})
}

func TestRawBlockHead(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	get := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", formatRaw()), nil)
	head := doRequest(t, h, http.MethodHead, ipfsURL(f, "dir/ascii.txt", formatRaw()), nil)

	require.Equal(t, http.StatusOK, head.Code)
	assert.Empty(t, head.Body.Bytes())
	assert.Equal(t, "5", head.Header().Get("Content-Length"))
	assert.Equal(t, get.Header(), head.Header())
}

func TestRawBlockIfNoneMatch(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())
	fileCid := f.CID("dir/ascii.txt").String()

	for _, tc := range []struct {
		ifNoneMatch string
		status      int
	}{
		{`"` + fileCid + `.raw"`, http.StatusNotModified},
		{`W/"` + fileCid + `.raw"`, http.StatusNotModified},
		{`"foo", "` + fileCid + `.raw"`, http.StatusNotModified},
		{`*`, http.StatusNotModified},
		{`"` + fileCid + `"`, http.StatusOK},
		{`"` + f.RootCID().String() + `.raw"`, http.StatusOK},
	} {
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", formatRaw()), http.Header{"If-None-Match": []string{tc.ifNoneMatch}})
		assert.Equal(t, tc.status, rec.Code, tc.ifNoneMatch)
		if tc.status == http.StatusOK {
			assert.Equal(t, f.RootCID().String()+","+f.CID("dir").String()+","+fileCid, rec.Header().Get("X-Ipfs-Roots"))
		}
	}
}

func TestRawBlockRange(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", formatRaw()), http.Header{"Range": []string{"bytes=1-3"}})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "ell", rec.Body.String())
	assert.Equal(t, "bytes 1-3/5", rec.Header().Get("Content-Range"))
	assert.Equal(t, "3", rec.Header().Get("Content-Length"))
}

func TestOnlyIfCached(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())
	onlyIfCached := func() http.Header {
		header := acceptRaw()
		header.Set("Cache-Control", "only-if-cached")
		return header
	}

	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), onlyIfCached())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = doRequest(t, h, http.MethodHead, ipfsURL(f, "dir/ascii.txt", nil), onlyIfCached())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = doRequest(t, h, http.MethodGet, "/ipfs/"+missingCID, onlyIfCached())
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = doRequest(t, h, http.MethodHead, "/ipfs/"+missingCID, onlyIfCached())
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/missing.txt", nil), onlyIfCached())
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestDeserializedResponses(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fileCid := f.CID("dir/ascii.txt").String()
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, `"`+fileCid+`"`, rec.Header().Get("Etag"))
	assert.NotEqual(t, `"`+fileCid+`.raw"`, rec.Header().Get("Etag"))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=29030400, immutable", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	t.Run("multi-block file is reassembled", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/big.bin", nil), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, fixtures.Dir["dir/big.bin"].Data, rec.Body.Bytes())
	})

	t.Run("filename and download", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", url.Values{"filename": []string{"a.txt"}}), nil)
		assert.Equal(t, `inline; filename="a.txt"`, rec.Header().Get("Content-Disposition"))

		rec = doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", url.Values{"filename": []string{"a.txt"}, "download": []string{"true"}}), nil)
		assert.Equal(t, `attachment; filename="a.txt"`, rec.Header().Get("Content-Disposition"))
	})

	t.Run("disabled", func(t *testing.T) {
		h, f := newTestHandler(t, Config{DeserializedResponses: false})

		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), nil)
		assert.Equal(t, http.StatusNotAcceptable, rec.Code)

		rec = doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), acceptRaw())
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello", rec.Body.String())
	})

	t.Run("disabled with unknown format", func(t *testing.T) {
		h, f := newTestHandler(t, Config{DeserializedResponses: false})

		rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", url.Values{"format": []string{"foo"}}), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", nil), http.Header{"Accept": []string{"application/vnd.ipld.foo"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	for _, tc := range []struct {
		name   string
		target string
		header http.Header
		status int
	}{
		{"missing segment", ipfsURL(f, "dir/missing.txt", formatRaw()), nil, http.StatusNotFound},
		{"case sensitive segment", ipfsURL(f, "dir/ASCII.txt", formatRaw()), nil, http.StatusNotFound},
		{"segment under file", ipfsURL(f, "dir/ascii.txt/foo", formatRaw()), nil, http.StatusNotFound},
		{"missing root block", "/ipfs/" + missingCID + "?format=raw", nil, http.StatusNotFound},
		{"missing block on path", "/ipfs/" + missingCID + "/a?format=raw", nil, http.StatusNotFound},
		{"invalid cid", "/ipfs/not-a-cid?format=raw", nil, http.StatusBadRequest},
		{"no root", "/ipfs/", nil, http.StatusBadRequest},
		{"unknown namespace", "/ipld/" + missingCID, nil, http.StatusBadRequest},
		{"unknown format", ipfsURL(f, "dir/ascii.txt", url.Values{"format": []string{"foo"}}), nil, http.StatusBadRequest},
		{"unknown vendor type", ipfsURL(f, "dir/ascii.txt", nil), http.Header{"Accept": []string{"application/vnd.ipld.foo"}}, http.StatusBadRequest},
		{"car", ipfsURL(f, "dir", url.Values{"format": []string{"car"}}), nil, http.StatusNotImplemented},
		{"tar", ipfsURL(f, "dir", url.Values{"format": []string{"tar"}}), nil, http.StatusNotImplemented},
		{"dag-json", ipfsURL(f, "dir", nil), http.Header{"Accept": []string{"application/vnd.ipld.dag-json"}}, http.StatusNotImplemented},
		{"ipns record", ipfsURL(f, "", url.Values{"format": []string{"ipns-record"}}), nil, http.StatusNotImplemented},
		{"ipns", "/ipns/example.com/dir?format=raw", nil, http.StatusNotImplemented},
		{"directory listing", ipfsURL(f, "dir", nil), nil, http.StatusNotImplemented},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, tc.target, tc.header)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Body.String())
		})
	}
}

func TestMethods(t *testing.T) {
	t.Parallel()
	h, f := newTestHandler(t, defaultTestConfig())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		rec := doRequest(t, h, method, ipfsURL(f, "dir/ascii.txt", formatRaw()), nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, []string{"GET", "HEAD", "OPTIONS"}, rec.Header().Values("Allow"), method)
	}

	rec := doRequest(t, h, http.MethodOptions, ipfsURL(f, "dir/ascii.txt", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"GET", "HEAD", "OPTIONS"}, rec.Header().Values("Allow"))
}

func TestConfiguredHeaders(t *testing.T) {
	t.Parallel()
	headers := map[string][]string{"X-Custom": {"yes"}}
	AddAccessControlHeaders(headers)
	h, f := newTestHandler(t, Config{DeserializedResponses: true, Headers: headers})

	for _, target := range []string{ipfsURL(f, "dir/ascii.txt", formatRaw()), ipfsURL(f, "dir/missing.txt", formatRaw())} {
		rec := doRequest(t, h, http.MethodGet, target, nil)
		assert.Equal(t, "yes", rec.Header().Get("X-Custom"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestBackendFailures(t *testing.T) {
	t.Parallel()
	backend, f := newTestBackend(t)

	for _, tc := range []struct {
		name    string
		backend IPFSBackend
		status  int
	}{
		{"panic", &panicBackend{IPFSBackend: backend}, http.StatusInternalServerError},
		{"timeout", &errorBackend{IPFSBackend: backend, err: ErrGatewayTimeout}, http.StatusGatewayTimeout},
		{"retry after", &errorBackend{IPFSBackend: backend, err: NewErrorRetryAfter(errors.New("busy"), time.Minute)}, http.StatusTooManyRequests},
		{"unavailable", &errorBackend{IPFSBackend: backend, err: NewErrorRetryAfter(nil, time.Minute)}, http.StatusServiceUnavailable},
		{"unknown", &errorBackend{IPFSBackend: backend, err: errors.New("disk on fire")}, http.StatusInternalServerError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(Config{MetricsRegistry: prometheus.NewRegistry()}, tc.backend)
			rec := doRequest(t, h, http.MethodGet, ipfsURL(f, "dir/ascii.txt", formatRaw()), nil)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestNewRawBlockResponse(t *testing.T) {
	t.Parallel()
	backend, f := newTestBackend(t)

	p, err := path.NewPath(ipfsURL(f, "dir/ascii.txt", nil))
	require.NoError(t, err)
	ip, err := path.NewImmutablePath(p)
	require.NoError(t, err)
	md, blk, err := backend.GetBlock(context.Background(), ip)
	require.NoError(t, err)

	resp := newRawBlockResponse(blk, p, md, "")
	assert.Equal(t, http.StatusOK, resp.status)
	assert.Equal(t, []byte("hello"), resp.body)
	assert.Equal(t, "5", resp.header.Get("Content-Length"))

	named := newRawBlockResponse(blk, p, md, "foobar.bin")
	assert.Equal(t, `attachment; filename="foobar.bin"`, named.header.Get("Content-Disposition"))
	assert.Equal(t, resp.body, named.body)
}

func TestContentDisposition(t *testing.T) {
	for _, tc := range []struct {
		filename string
		expected string
	}{
		{"foobar.bin", `attachment; filename="foobar.bin"`},
		{"hello world.txt", `attachment; filename="hello world.txt"`},
		{"ünicode.txt", `attachment; filename="_nicode.txt"; filename*=UTF-8''%C3%BCnicode.txt`},
		{"../etc/passwd", `attachment; filename="..%2Fetc%2Fpasswd"; filename*=UTF-8''..%2Fetc%2Fpasswd`},
		{`a"b`, `attachment; filename="a%22b"; filename*=UTF-8''a%22b`},
		{"a\nb", `attachment; filename="a%0Ab"; filename*=UTF-8''a%0Ab`},
	} {
		assert.Equal(t, tc.expected, contentDisposition(tc.filename, "attachment"), tc.filename)
	}
}

func TestEtagMatch(t *testing.T) {
	for _, test := range []struct {
		header   string // value in If-None-Match HTTP header
		etag     string
		expected bool // expected result of etagMatch(header, etag)
	}{
		{"", `"etag"`, false},                        // no If-None-Match
		{`"etag"`, `"etag"`, true},                   // file etag match
		{`W/"etag"`, `"etag"`, true},                 // file etag match
		{`"foo", W/"bar", W/"etag"`, `"etag"`, true}, // file etag match (array)
		{`"foo",W/"bar",W/"etag"`, `"etag"`, true},   // file etag match (compact array)
		{`"etag"`, `W/"etag"`, true},                 // weak etag match
		{`*`, `"etag"`, true},                        // wildcard etag match
		{`"other"`, `"etag"`, false},                 // no match
		{`etag`, `"etag"`, false},                    // unquoted
	} {
		result := etagMatch(test.header, test.etag)
		assert.Equalf(t, test.expected, result, "etagMatch(%q, %q)", test.header, test.etag)
	}
}

func TestGetEtag(t *testing.T) {
	_, f := newTestBackend(t)
	c := f.CID("dir/ascii.txt")

	assert.Equal(t, `"`+c.String()+`"`, getEtag(c, ""))
	assert.Equal(t, `"`+c.String()+`.raw"`, getEtag(c, rawResponseFormat))
	assert.Equal(t, `"`+c.String()+`.dag-json"`, getEtag(c, dagJsonResponseFormat))
}
