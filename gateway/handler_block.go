package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/ipfs/rawgw/path"

	blocks "github.com/ipfs/go-block-format"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var onlyASCII = regexp.MustCompile("[[:^ascii:]]")

// rawBlockResponse is a complete raw block response before it is written.
type rawBlockResponse struct {
	status int
	header http.Header
	body   []byte
}

// newRawBlockResponse builds the response for a raw block request. It is a
// pure function of its arguments: the same block, path and filename always
// produce the same headers and body, whichever way raw mode was requested.
func newRawBlockResponse(blk blocks.Block, contentPath path.Path, md ContentPathMetadata, filename string) rawBlockResponse {
	blockCid := blk.Cid()
	data := blk.RawData()

	if filename == "" {
		filename = blockCid.String() + ".bin"
	}

	header := make(http.Header)
	header.Set("Content-Type", rawResponseFormat)
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set("Content-Disposition", contentDisposition(filename, "attachment"))
	header.Set("X-Content-Type-Options", "nosniff") // no funny business in the browsers :^)
	header.Set("Etag", getEtag(blockCid, rawResponseFormat))
	header.Set("Cache-Control", immutableCacheControl)
	header.Set("X-Ipfs-Path", contentPath.String())
	header.Set("X-Ipfs-Roots", ipfsRootsHeader(md))

	return rawBlockResponse{
		status: http.StatusOK,
		header: header,
		body:   data,
	}
}

// serveRawBlock returns bytes behind a raw block
func (i *handler) serveRawBlock(ctx context.Context, w http.ResponseWriter, r *http.Request, rq *requestData) bool {
	ctx, span := spanTrace(ctx, "Handler.ServeRawBlock", trace.WithAttributes(attribute.String("path", rq.immutablePath.String())))
	defer span.End()

	md, blk, err := i.backend.GetBlock(ctx, rq.mostlyResolvedPath())
	if !i.handleRequestErrors(w, rq.contentPath, err) {
		return false
	}

	resp := newRawBlockResponse(blk, rq.contentPath, rq.updatePathMetadata(md), r.URL.Query().Get("filename"))
	for k, v := range resp.header {
		w.Header()[k] = v
	}

	// ServeContent will take care of
	// If-None-Match+Etag, Content-Length and range requests
	_, dataSent, _ := serveContent(w, r, noModtime, bytes.NewReader(resp.body))

	if dataSent {
		i.rawBlockGetMetric.WithLabelValues(rq.contentPath.Namespace().String()).Observe(time.Since(rq.begin).Seconds())
	}

	return dataSent
}

// contentDisposition returns a Content-Disposition value for filename.
// Plain printable ASCII names are quoted as-is. Anything else gets an ASCII
// fallback plus an RFC 6266 filename* parameter.
func contentDisposition(filename string, disposition string) string {
	if isPlainFilename(filename) {
		return fmt.Sprintf("%s; filename=\"%s\"", disposition, filename)
	}
	utf8Name := url.PathEscape(filename)
	asciiName := url.PathEscape(onlyASCII.ReplaceAllLiteralString(filename, "_"))
	return fmt.Sprintf("%s; filename=\"%s\"; filename*=UTF-8''%s", disposition, asciiName, utf8Name)
}

func isPlainFilename(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return false
		}
		switch c {
		case '"', '\\', '%', '/':
			return false
		}
	}
	return true
}
