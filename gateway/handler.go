package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ipfs/rawgw/path"

	cid "github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	prometheus "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var log = logging.Logger("rawgw/gateway")

const immutableCacheControl = "public, max-age=29030400, immutable"

var noModtime = time.Unix(0, 0) // disables Last-Modified header if passed as modtime

// handler is a HTTP handler that serves IPFS objects (accessible by default at /ipfs/<path>)
// (it serves requests like GET /ipfs/bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi/link)
type handler struct {
	config  *Config
	backend IPFSBackend

	// response type metrics
	requestTypeMetric   *prometheus.CounterVec
	getMetric           *prometheus.HistogramVec
	unixfsFileGetMetric *prometheus.HistogramVec
	rawBlockGetMetric   *prometheus.HistogramVec
}

// NewHandler returns an [http.Handler] that provides the functionality
// of an [IPFS HTTP Gateway] restricted to immutable /ipfs paths, based on a
// [Config] and [IPFSBackend].
//
// [IPFS HTTP Gateway]: https://specs.ipfs.tech/http-gateways/
func NewHandler(c Config, backend IPFSBackend) http.Handler {
	reg := c.MetricsRegistry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metrics := newMiddlewareMetrics(reg)

	var h http.Handler = newHandlerWithMetrics(&c, backend, reg)
	h = withConcurrentRequestLimiter(h, c.MaxConcurrentRequests, metrics)
	h = withResponseMetrics(h, metrics)
	h = withHeaders(h, c.Headers)
	return h
}

// serveContent replies to the request using the content in the provided
// ReadSeeker and returns the status code written, whether the data was sent
// in full, and any error encountered during a write. It wraps
// [http.ServeContent], which takes care of If-None-Match+Etag,
// Content-Length and range requests. The Content-Type header must already be
// set.
func serveContent(w http.ResponseWriter, req *http.Request, modtime time.Time, content io.ReadSeeker) (int, bool, error) {
	ew := &errRecordingResponseWriter{ResponseWriter: w}
	http.ServeContent(ew, req, "", modtime, content)

	// When we calculate some metrics we want a flag that lets us to ignore
	// errors and 304 Not Modified, and only care when requested data
	// was sent in full.
	dataSent := ew.code/100 == 2 && ew.err == nil

	return ew.code, dataSent, ew.err
}

// errRecordingResponseWriter wraps a ResponseWriter to record the status code and any write error.
type errRecordingResponseWriter struct {
	http.ResponseWriter
	code int
	err  error
}

func (w *errRecordingResponseWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *errRecordingResponseWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// ReadFrom exposes errRecordingResponseWriter's underlying ResponseWriter to io.Copy
// to allow optimized methods to be taken advantage of.
func (w *errRecordingResponseWriter) ReadFrom(r io.Reader) (n int64, err error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err = io.Copy(w.ResponseWriter, r)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (i *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer panicHandler(w)

	// the hour is a hard fallback, we don't expect it to happen, but just in case
	ctx, cancel := context.WithTimeout(r.Context(), time.Hour)
	defer cancel()
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		i.getOrHeadHandler(w, r)
		return
	case http.MethodOptions:
		i.optionsHandler(w, r)
		return
	}

	addAllowHeader(w)

	errmsg := "Method " + r.Method + " not allowed: read only access"
	http.Error(w, errmsg, http.StatusMethodNotAllowed)
}

func (i *handler) optionsHandler(w http.ResponseWriter, r *http.Request) {
	// OPTIONS is a noop request that is used by the browsers to check if server accepts
	// cross-site XMLHttpRequest, which is indicated by the presence of CORS headers.
	addAllowHeader(w)
}

// addAllowHeader sets Allow header with supported HTTP methods
func addAllowHeader(w http.ResponseWriter) {
	w.Header().Add("Allow", http.MethodGet)
	w.Header().Add("Allow", http.MethodHead)
	w.Header().Add("Allow", http.MethodOptions)
}

type requestData struct {
	// Defined for all requests.
	begin          time.Time
	logger         *zap.SugaredLogger
	contentPath    path.Path
	responseFormat string

	// Defined for immutable requests.
	immutablePath path.ImmutablePath

	// Defined if resolution has already happened.
	pathMetadata *ContentPathMetadata
}

// mostlyResolvedPath returns the terminal path when resolution has already
// happened, and the requested immutable path otherwise.
func (rq *requestData) mostlyResolvedPath() path.ImmutablePath {
	if rq.pathMetadata != nil {
		return rq.pathMetadata.LastSegment
	}
	return rq.immutablePath
}

// updatePathMetadata records md unless an earlier resolution of the full
// content path was recorded, and returns the recorded metadata. Backends
// called with mostlyResolvedPath only see the terminal node, so the first
// resolution is the one that knows every segment root.
func (rq *requestData) updatePathMetadata(md ContentPathMetadata) ContentPathMetadata {
	if rq.pathMetadata == nil {
		rq.pathMetadata = &md
	}
	return *rq.pathMetadata
}

func (i *handler) getOrHeadHandler(w http.ResponseWriter, r *http.Request) {
	begin := time.Now()

	logger := log.With("from", r.RequestURI)
	logger.Debug("http request received")

	var success bool
	contentPath, err := path.NewPath(r.URL.Path)
	if err != nil {
		webError(w, err, http.StatusBadRequest)
		return
	}

	defer func() {
		if success {
			i.getMetric.WithLabelValues(contentPath.Namespace().String()).Observe(time.Since(begin).Seconds())
		}
	}()

	if i.handleOnlyIfCached(w, r, contentPath) {
		return
	}

	// Detect when explicit Accept header or ?format parameter are present
	responseFormat, _, err := customResponseFormat(r)
	if err != nil {
		webError(w, fmt.Errorf("error while processing the Accept header or format parameter: %w", err), http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("ResponseFormat", responseFormat))
	i.requestTypeMetric.WithLabelValues(contentPath.Namespace().String(), responseFormat).Inc()

	w.Header().Set("X-Ipfs-Path", contentPath.String())

	if err := checkResponseFormat(responseFormat); err != nil {
		webError(w, err, http.StatusBadRequest)
		return
	}

	// Fail fast if a deserialized response was requested from a gateway that
	// only serves verifiable blocks.
	if !i.config.DeserializedResponses && responseFormat != rawResponseFormat {
		err := errors.New("only raw block requests are accepted on this gateway")
		webError(w, err, http.StatusNotAcceptable)
		return
	}

	rq := &requestData{
		begin:          begin,
		logger:         logger,
		contentPath:    contentPath,
		responseFormat: responseFormat,
	}

	if contentPath.Mutable() {
		err := fmt.Errorf("%w: resolving %s paths", ErrNotImplemented, contentPath.Namespace())
		webError(w, err, http.StatusNotImplemented)
		return
	}

	rq.immutablePath, err = path.NewImmutablePath(contentPath)
	if err != nil {
		err = fmt.Errorf("path was expected to be immutable, but was not %s: %w", debugStr(contentPath.String()), err)
		webError(w, err, http.StatusInternalServerError)
		return
	}

	// Detect when If-None-Match HTTP header allows returning HTTP 304 Not Modified.
	if i.handleIfNoneMatch(w, r, rq) {
		return
	}

	switch responseFormat {
	case "":
		logger.Debugw("serving deserialized content", "path", contentPath)
		success = i.serveDefaults(r.Context(), w, r, rq)
	case rawResponseFormat:
		logger.Debugw("serving raw block", "path", contentPath)
		success = i.serveRawBlock(r.Context(), w, r, rq)
	}
}

func panicHandler(w http.ResponseWriter) {
	if r := recover(); r != nil {
		log.Error("A panic occurred in the gateway handler!")
		log.Error(r)
		debug.PrintStack()
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// addCacheControlHeaders sets the Etag and Cache-Control headers of an
// immutable response and returns the modification time to pass to
// serveContent.
func addCacheControlHeaders(w http.ResponseWriter, c cid.Cid, responseFormat string) (modtime time.Time) {
	w.Header().Set("Etag", getEtag(c, responseFormat))
	w.Header().Set("Cache-Control", immutableCacheControl)

	// (noop) skip Last-Modified on immutable response
	return noModtime
}

// ipfsRootsHeader returns the X-Ipfs-Roots value: the logical CID of every
// path segment, root first, for efficient HTTP cache invalidation.
//
// Given contentPath = /ipfs/R/dir/ascii.txt the value is "R,D,F" where D is
// the CID of dir and F the CID of ascii.txt. While R changes every time any
// file in the tree changes, F may not change at all.
func ipfsRootsHeader(md ContentPathMetadata) string {
	pathRoots := make([]string, 0, len(md.PathSegmentRoots)+1)
	for _, c := range md.PathSegmentRoots {
		pathRoots = append(pathRoots, c.String())
	}
	pathRoots = append(pathRoots, md.LastSegment.RootCid().String())
	return strings.Join(pathRoots, ",") // convention from rfc2616#sec4.2
}

func setIpfsRootsHeader(w http.ResponseWriter, md ContentPathMetadata) {
	w.Header().Set("X-Ipfs-Roots", ipfsRootsHeader(md))
}

// etagMatch evaluates if we can respond with HTTP 304 Not Modified
// It supports multiple weak and strong etags passed in If-None-Match string
// including the wildcard one.
func etagMatch(ifNoneMatchHeader string, etagsToCheck ...string) bool {
	buf := ifNoneMatchHeader
	for {
		buf = textproto.TrimString(buf)
		if len(buf) == 0 {
			break
		}
		if buf[0] == ',' {
			buf = buf[1:]
			continue
		}
		// If-None-Match: * should match against any etag
		if buf[0] == '*' {
			return true
		}
		etag, remain := scanETag(buf)
		if etag == "" {
			break
		}
		// Check for match both strong and weak etags
		for _, etagToCheck := range etagsToCheck {
			if etagWeakMatch(etag, etagToCheck) {
				return true
			}
		}

		buf = remain
	}
	return false
}

// scanETag determines if a syntactically valid ETag is present at s. If so,
// the ETag and remaining text after consuming ETag is returned. Otherwise,
// it returns "", "".
func scanETag(s string) (etag string, remain string) {
	s = textproto.TrimString(s)
	start := 0
	if strings.HasPrefix(s, "W/") {
		start = 2
	}
	if len(s[start:]) < 2 || s[start] != '"' {
		return "", ""
	}
	// ETag is either W/"text" or "text".
	// See RFC 7232 2.3.
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		switch {
		// Character values allowed in ETags.
		case c == 0x21 || c >= 0x23 && c <= 0x7E || c >= 0x80:
		case c == '"':
			return s[:i+1], s[i+1:]
		default:
			return "", ""
		}
	}
	return "", ""
}

// etagWeakMatch reports whether a and b match using weak ETag comparison.
func etagWeakMatch(a, b string) bool {
	return strings.TrimPrefix(a, "W/") == strings.TrimPrefix(b, "W/")
}

// getEtag generates an ETag value based on a CID and a response format:
// "<cid>" for the default response and "<cid>.<short format>" otherwise, so
// the same CID served in two formats never shares a cache key.
func getEtag(c cid.Cid, responseFormat string) string {
	if responseFormat == "" {
		return `"` + c.String() + `"`
	}
	// application/vnd.ipld.foo → foo
	shortFormat := responseFormat[strings.LastIndexAny(responseFormat, "/.")+1:]
	return `"` + c.String() + "." + shortFormat + `"`
}

const (
	rawResponseFormat        = "application/vnd.ipld.raw"
	carResponseFormat        = "application/vnd.ipld.car"
	tarResponseFormat        = "application/x-tar"
	jsonResponseFormat       = "application/json"
	cborResponseFormat       = "application/cbor"
	dagJsonResponseFormat    = "application/vnd.ipld.dag-json"
	dagCborResponseFormat    = "application/vnd.ipld.dag-cbor"
	ipnsRecordResponseFormat = "application/vnd.ipfs.ipns-record"
)

var formatParamToResponseFormat = map[string]string{
	"raw":         rawResponseFormat,
	"car":         carResponseFormat,
	"tar":         tarResponseFormat,
	"json":        jsonResponseFormat,
	"cbor":        cborResponseFormat,
	"dag-json":    dagJsonResponseFormat,
	"dag-cbor":    dagCborResponseFormat,
	"ipns-record": ipnsRecordResponseFormat,
}

// return explicit response format if specified in request as query parameter or via Accept HTTP header
func customResponseFormat(r *http.Request) (mediaType string, params map[string]string, err error) {
	// Browsers and other user agents will send Accept header with generic types like:
	// Accept:text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8
	// We only care about explicit, vendor-specific content-types. The first
	// one this gateway can serve wins; otherwise the first one listed is
	// returned so the caller can reject it.
	var (
		firstAccept string
		found       bool
	)
	for _, header := range r.Header.Values("Accept") {
		for _, value := range strings.Split(header, ",") {
			accept := strings.TrimSpace(value)
			if !isCustomMediaType(accept) {
				continue
			}
			if !found {
				firstAccept, found = accept, true
			}
			mediatype, params, err := mime.ParseMediaType(accept)
			if err == nil && checkResponseFormat(mediatype) == nil {
				return mediatype, params, nil
			}
		}
	}
	if found {
		return mime.ParseMediaType(firstAccept)
	}

	// If no Accept header, translate query param to a content type, if present.
	if formatParam := r.URL.Query().Get("format"); formatParam != "" {
		if responseFormat, ok := formatParamToResponseFormat[formatParam]; ok {
			return responseFormat, nil, nil
		}
		return "", nil, fmt.Errorf("%w: format=%q", ErrUnsupportedFormat, formatParam)
	}

	// If none of special-cased content types is found, return empty string
	// to indicate default, implicit deserialized response should be prepared
	return "", nil, nil
}

func isCustomMediaType(accept string) bool {
	return strings.HasPrefix(accept, "application/vnd.ipld") ||
		strings.HasPrefix(accept, "application/vnd.ipfs") ||
		strings.HasPrefix(accept, tarResponseFormat) ||
		strings.HasPrefix(accept, jsonResponseFormat) ||
		strings.HasPrefix(accept, cborResponseFormat)
}

// checkResponseFormat returns nil for formats this gateway serves,
// ErrNotImplemented for known formats it does not, and ErrUnsupportedFormat
// otherwise.
func checkResponseFormat(responseFormat string) error {
	switch responseFormat {
	case "", rawResponseFormat:
		return nil
	case carResponseFormat, tarResponseFormat, jsonResponseFormat, cborResponseFormat,
		dagJsonResponseFormat, dagCborResponseFormat, ipnsRecordResponseFormat:
		return fmt.Errorf("%w: %s responses", ErrNotImplemented, responseFormat)
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedFormat, responseFormat)
	}
}

// returns unquoted path with all special characters revealed as \u codes
func debugStr(path string) string {
	q := fmt.Sprintf("%+q", path)
	if len(q) >= 3 {
		q = q[1 : len(q)-1]
	}
	return q
}

func (i *handler) handleIfNoneMatch(w http.ResponseWriter, r *http.Request, rq *requestData) bool {
	// Detect when If-None-Match HTTP header allows returning HTTP 304 Not Modified
	ifNoneMatch := r.Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}

	pathMetadata, err := i.backend.ResolvePath(r.Context(), rq.immutablePath)
	if err != nil {
		err = fmt.Errorf("failed to resolve %s: %w", debugStr(rq.contentPath.String()), err)
		webError(w, err, http.StatusInternalServerError)
		return true
	}

	// This is an inexpensive check, and it happens before we do any I/O.
	pathCid := pathMetadata.LastSegment.RootCid()
	if etagMatch(ifNoneMatch, getEtag(pathCid, rq.responseFormat)) {
		// Finish early if client already has a matching Etag
		w.WriteHeader(http.StatusNotModified)
		return true
	}

	rq.pathMetadata = &pathMetadata
	return false
}

// handleRequestErrors writes err, if any, and reports whether processing
// can continue.
func (i *handler) handleRequestErrors(w http.ResponseWriter, contentPath path.Path, err error) bool {
	if err == nil {
		return true
	}
	err = fmt.Errorf("failed to resolve %s: %w", debugStr(contentPath.String()), err)
	webError(w, err, http.StatusInternalServerError)
	return false
}

// Detect 'Cache-Control: only-if-cached' in request and return data if it is already in the local datastore.
// https://github.com/ipfs/specs/blob/main/http-gateways/PATH_GATEWAY.md#cache-control-request-header
func (i *handler) handleOnlyIfCached(w http.ResponseWriter, r *http.Request, contentPath path.Path) bool {
	if r.Header.Get("Cache-Control") == "only-if-cached" {
		if !i.backend.IsCached(r.Context(), contentPath) {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusPreconditionFailed)
				return true
			}
			errMsg := fmt.Sprintf("%q not in local datastore", contentPath.String())
			http.Error(w, errMsg, http.StatusPreconditionFailed)
			return true
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return true
		}
	}
	return false
}
