package gateway

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	gopath "path"
	"strings"
	"time"

	"github.com/ipfs/rawgw/path"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// serveDefaults serves the deserialized content behind a path: the bytes of
// a raw leaf or UnixFS file. Directory listings are not served.
func (i *handler) serveDefaults(ctx context.Context, w http.ResponseWriter, r *http.Request, rq *requestData) bool {
	ctx, span := spanTrace(ctx, "Handler.ServeDefaults", trace.WithAttributes(attribute.String("path", rq.immutablePath.String())))
	defer span.End()

	md, resp, err := i.backend.Get(ctx, rq.mostlyResolvedPath())
	if !i.handleRequestErrors(w, rq.contentPath, err) {
		return false
	}
	md = rq.updatePathMetadata(md)

	if resp.directory {
		rq.logger.Debugw("refusing directory listing", "path", rq.contentPath)
		err := fmt.Errorf("%w: directory listing for %s", ErrNotImplemented, debugStr(rq.contentPath.String()))
		webError(w, err, http.StatusNotImplemented)
		return false
	}

	setIpfsRootsHeader(w, md)
	modtime := addCacheControlHeaders(w, md.LastSegment.RootCid(), rq.responseFormat)
	name := addContentDispositionHeader(w, r, rq.contentPath)

	ctype, err := detectContentType(name, resp.file)
	if err != nil {
		webError(w, fmt.Errorf("cannot detect content type of %s: %w", debugStr(rq.contentPath.String()), err), http.StatusInternalServerError)
		return false
	}
	w.Header().Set("Content-Type", ctype)

	_, dataSent, _ := serveContent(w, r, modtime, resp.file)

	if dataSent {
		i.unixfsFileGetMetric.WithLabelValues(rq.contentPath.Namespace().String()).Observe(time.Since(rq.begin).Seconds())
	}

	return dataSent
}

// detectContentType picks a type from the file extension and falls back to
// sniffing the content. The content is rewound before returning.
func detectContentType(name string, content io.ReadSeeker) (string, error) {
	ctype := mime.TypeByExtension(gopath.Ext(name))
	if ctype == "" {
		mimeType, err := mimetype.DetectReader(content)
		if err != nil {
			return "", err
		}
		ctype = mimeType.String()

		if _, err := content.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
	}

	// Strip the encoding from the HTML Content-Type header and let the
	// browser figure it out.
	if strings.HasPrefix(ctype, "text/html;") {
		ctype = "text/html"
	}
	return ctype, nil
}

// addContentDispositionHeader sets the Content-Disposition header if "filename"
// URL query parameter is present, and returns the name the response is
// served under.
func addContentDispositionHeader(w http.ResponseWriter, r *http.Request, contentPath path.Path) string {
	// URL param ?filename=cat.jpg triggers Content-Disposition: [..] filename
	// which impacts default name used in "Save As.." dialog
	name := getFilename(contentPath)
	urlFilename := r.URL.Query().Get("filename")
	if urlFilename != "" {
		disposition := "inline"
		// URL param ?download=true triggers Content-Disposition: [..] attachment
		// which skips rendering and forces "Save As.." dialog in browsers
		if r.URL.Query().Get("download") == "true" {
			disposition = "attachment"
		}
		w.Header().Set("Content-Disposition", contentDisposition(urlFilename, disposition))
		name = urlFilename
	}
	return name
}

func getFilename(contentPath path.Path) string {
	// Don't treat the root CID in /ipfs/cid as a filename.
	if len(contentPath.Segments()) <= 2 {
		return ""
	}
	return gopath.Base(contentPath.String())
}
