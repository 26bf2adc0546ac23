// Package objectstore defines the storage collaborator used to deliver
// segments and a MinIO-backed implementation of it.
package objectstore

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Stat when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPermanent marks failures that will not succeed on retry, such as
	// rejected credentials or an invalid bucket name.
	ErrPermanent = errors.New("permanent storage error")
)

// PutOptions carries per-object attributes stored alongside the payload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket   string
	Key      string
	Size     int64
	ETag     string
	Metadata map[string]string
}

// Client is the subset of object storage the upload pipeline needs. Bucket
// creation must be idempotent.
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutFile(ctx context.Context, bucket, key, path string, opts PutOptions) (ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// MetadataValue looks up a user metadata entry case-insensitively. Backends
// canonicalize header names differently.
func MetadataValue(meta map[string]string, key string) (string, bool) {
	for k, v := range meta {
		if strings.EqualFold(k, key) || strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), key) {
			return v, true
		}
	}
	return "", false
}
