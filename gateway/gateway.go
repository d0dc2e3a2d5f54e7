package gateway

import (
	"context"
	"io"
	"net/http"
	"sort"

	"github.com/ipfs/rawgw/path"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is the configuration used when creating a new gateway handler.
type Config struct {
	// Headers are set on every response. Use [AddAccessControlHeaders] to
	// populate the CORS defaults.
	Headers map[string][]string

	// DeserializedResponses enables the default, implicit response format:
	// UnixFS files and raw leaves served as their content. When disabled only
	// verifiable [application/vnd.ipld.raw] responses are served and every
	// other request gets 406 Not Acceptable.
	//
	// [application/vnd.ipld.raw]: https://www.iana.org/assignments/media-types/application/vnd.ipld.raw
	DeserializedResponses bool

	// MaxConcurrentRequests caps the number of requests processed at once.
	// Excess requests get 429 Too Many Requests. Zero disables the limit.
	MaxConcurrentRequests int

	// MetricsRegistry receives the gateway collectors. Defaults to
	// [prometheus.DefaultRegisterer].
	MetricsRegistry prometheus.Registerer
}

// ContentPathMetadata describes the nodes visited while resolving a content
// path.
type ContentPathMetadata struct {
	// PathSegmentRoots holds the CID of every node visited before the last
	// one, root first.
	PathSegmentRoots []cid.Cid
	LastSegment      path.ImmutablePath
}

// GetResponse is the deserialized content behind a path: either a file or a
// directory marker.
type GetResponse struct {
	file      io.ReadSeeker
	size      int64
	directory bool
}

func NewGetResponseFromReader(file io.ReadSeeker, size int64) *GetResponse {
	return &GetResponse{file: file, size: size}
}

func NewGetResponseFromDirectory() *GetResponse {
	return &GetResponse{directory: true}
}

// IPFSBackend is the set of content services required by the gateway handler.
type IPFSBackend interface {
	// GetBlock returns the block the path resolves to, without decoding it.
	GetBlock(context.Context, path.ImmutablePath) (ContentPathMetadata, blocks.Block, error)

	// Get returns the deserialized content the path resolves to. Raw leaves
	// and UnixFS files are returned as a file, UnixFS directories as a
	// directory marker.
	Get(context.Context, path.ImmutablePath) (ContentPathMetadata, *GetResponse, error)

	// ResolvePath resolves the path using the UnixFS resolver. A missing link
	// yields an error of type [resolver.ErrNoLink].
	ResolvePath(context.Context, path.ImmutablePath) (ContentPathMetadata, error)

	// IsCached returns whether or not the path exists locally.
	IsCached(context.Context, path.Path) bool
}

// A helper function to clean up a set of headers:
// 1. Canonicalizes.
// 2. Deduplicates.
// 3. Sorts.
func cleanHeaderSet(headers []string) []string {
	m := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		m[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}

	sort.Strings(result)
	return result
}

// AddAccessControlHeaders adds default headers used for controlling
// cross-origin requests. This function adds several values to the
// Access-Control-Allow-Headers and Access-Control-Expose-Headers entries.
// If the Access-Control-Allow-Origin entry is missing a value of '*' is
// added, indicating that browsers should allow requesting code from any
// origin to access the resource.
// If the Access-Control-Allow-Methods entry is missing a value of 'GET' is
// added, indicating that browsers may use the GET method when issuing cross
// origin requests.
func AddAccessControlHeaders(headers map[string][]string) {
	// Hard-coded headers.
	const ACAHeadersName = "Access-Control-Allow-Headers"
	const ACEHeadersName = "Access-Control-Expose-Headers"
	const ACAOriginName = "Access-Control-Allow-Origin"
	const ACAMethodsName = "Access-Control-Allow-Methods"

	if _, ok := headers[ACAOriginName]; !ok {
		headers[ACAOriginName] = []string{"*"}
	}
	if _, ok := headers[ACAMethodsName]; !ok {
		headers[ACAMethodsName] = []string{http.MethodGet}
	}

	headers[ACAHeadersName] = cleanHeaderSet(
		append([]string{
			"Content-Type",
			"User-Agent",
			"Range",
			"X-Requested-With",
		}, headers[ACAHeadersName]...))

	headers[ACEHeadersName] = cleanHeaderSet(
		append([]string{
			"Content-Length",
			"Content-Range",
			"X-Ipfs-Path",
			"X-Ipfs-Roots",
		}, headers[ACEHeadersName]...))
}
