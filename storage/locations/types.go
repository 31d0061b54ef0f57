package locations

import (
	"context"
	"errors"
	"iter"
)

// StorageLocation stores opaque blobs under relative paths. Paths passed to
// Read and Remove may also be URIs returned by Write, URI or List.
type StorageLocation interface {
	// Write replaces the blob at path atomically. Readers observe either the
	// previous blob or the complete new one. It returns the blob's full URI.
	Write(ctx context.Context, path string, data []byte) (uri string, err error)
	Read(ctx context.Context, path string) ([]byte, error)
	// List yields the URIs of every blob in ascending lexical order.
	List(ctx context.Context) iter.Seq2[string, error]
	URI(ctx context.Context, path string) (string, error)
	// Remove deletes blobs. Missing blobs are not an error.
	Remove(ctx context.Context, paths ...string) error
}

var ErrNotFound = errors.New("path not found")
