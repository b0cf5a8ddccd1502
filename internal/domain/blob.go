package domain

import (
	"context"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlobInfo describes a stored archive object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads round archives to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads round archives back. Get returns ErrNotFound for a
// missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies a settled round's history to cold storage.
type Archiver interface {
	ArchiveRound(ctx context.Context, round common.Address) (path string, err error)
}
