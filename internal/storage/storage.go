// Package storage abstracts the object store that holds generated CSV
// exports. Downloads are served through presigned URLs, never proxied.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key  string
	Size int64
	ETag string
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (*url.URL, error)
}
