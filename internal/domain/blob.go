package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies the append-only children of terminal Executions into cold
// storage once they are older than a retention window
// (config.ReconcileConfig.ArchiveRetentionDays). The rows are not deleted
// from Postgres afterwards, so the hot tables keep growing.
type Archiver interface {
	ArchiveStrategyEvents(ctx context.Context, before time.Time) (int64, error)
	ArchiveTradeLog(ctx context.Context, before time.Time) (int64, error)
	ArchiveEquityCurve(ctx context.Context, before time.Time) (int64, error)
}
