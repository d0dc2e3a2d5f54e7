// Package path parses and validates gateway content paths of the form
// /{namespace}/{root}[/remaining/path].
package path

import (
	"errors"
	"fmt"
	gopath "path"
	"strings"

	"github.com/ipfs/go-cid"
)

var (
	ErrInsufficientComponents = errors.New("path does not have enough components")
	ErrUnknownNamespace       = errors.New("unknown namespace")
	ErrExpectedImmutable      = errors.New("path was expected to be immutable")
)

type Namespace string

const (
	IPFSNamespace Namespace = "ipfs"
	IPNSNamespace Namespace = "ipns"
)

func (ns Namespace) String() string {
	return string(ns)
}

// Mutable returns false if the data under this namespace is guaranteed to
// not change.
func (ns Namespace) Mutable() bool {
	return ns == IPNSNamespace
}

// Path is a valid, cleaned content path.
type Path struct {
	str       string
	namespace Namespace
}

// NewPath cleans str through [gopath.Clean], preserving a final trailing
// slash, and validates it. Paths in the ipfs namespace must have a valid CID
// as root.
func NewPath(str string) (Path, error) {
	segments := StringToSegments(str)

	// Shortest valid path is "/{namespace}/{root}".
	if !strings.HasPrefix(str, "/") || len(segments) < 2 || segments[1] == "" {
		return Path{}, &ErrInvalidPath{err: ErrInsufficientComponents, path: str}
	}

	cleaned := SegmentsToString(segments...)
	if strings.HasSuffix(str, "/") {
		cleaned += "/"
	}

	switch Namespace(segments[0]) {
	case IPFSNamespace:
		if _, err := cid.Decode(segments[1]); err != nil {
			return Path{}, &ErrInvalidPath{err: err, path: str}
		}
		return Path{str: cleaned, namespace: IPFSNamespace}, nil
	case IPNSNamespace:
		return Path{str: cleaned, namespace: IPNSNamespace}, nil
	default:
		return Path{}, &ErrInvalidPath{err: fmt.Errorf("%w: %q", ErrUnknownNamespace, segments[0]), path: str}
	}
}

func (p Path) String() string {
	return p.str
}

func (p Path) Namespace() Namespace {
	return p.namespace
}

func (p Path) Mutable() bool {
	return p.namespace.Mutable()
}

// Segments returns the non-empty components of the path, namespace first.
// For example "/ipfs/bafkqaaa/a/b/" returns ["ipfs", "bafkqaaa", "a", "b"].
func (p Path) Segments() []string {
	return StringToSegments(p.str)
}

// ImmutablePath is a Path in an immutable namespace with its root decoded.
type ImmutablePath struct {
	Path
	root cid.Cid
}

func NewImmutablePath(p Path) (ImmutablePath, error) {
	if p.Mutable() {
		return ImmutablePath{}, &ErrInvalidPath{err: ErrExpectedImmutable, path: p.String()}
	}

	segments := p.Segments()
	if len(segments) < 2 {
		return ImmutablePath{}, &ErrInvalidPath{err: ErrInsufficientComponents, path: p.String()}
	}
	root, err := cid.Decode(segments[1])
	if err != nil {
		return ImmutablePath{}, &ErrInvalidPath{err: err, path: p.String()}
	}
	return ImmutablePath{Path: p, root: root}, nil
}

// NewIPFSPath returns a new "/ipfs" path with the provided CID.
func NewIPFSPath(c cid.Cid) ImmutablePath {
	return ImmutablePath{
		Path: Path{str: "/" + IPFSNamespace.String() + "/" + c.String(), namespace: IPFSNamespace},
		root: c,
	}
}

// RootCid returns the CID of the first object of the path.
func (ip ImmutablePath) RootCid() cid.Cid {
	return ip.root
}

// Remainder returns the segments after the root CID.
func (ip ImmutablePath) Remainder() []string {
	return ip.Segments()[2:]
}

// Join returns p with segments appended.
func Join(p ImmutablePath, segments ...string) (ImmutablePath, error) {
	joined, err := NewPath(SegmentsToString(append(p.Segments(), segments...)...))
	if err != nil {
		return ImmutablePath{}, err
	}
	return NewImmutablePath(joined)
}

// SegmentsToString joins segments with "/", prefixed with "/" when there is
// at least one segment.
func SegmentsToString(segments ...string) string {
	str := strings.Join(segments, "/")
	if str != "" {
		str = "/" + str
	}
	return str
}

// StringToSegments cleans str and splits it on "/", never returning empty
// segments.
func StringToSegments(str string) []string {
	str = gopath.Clean(str)
	if str == "." {
		return nil
	}
	str = strings.Trim(str, "/")
	if str == "" {
		return nil
	}
	return strings.Split(str, "/")
}
