package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// MinioClient implements Client on top of minio-go.
type MinioClient struct {
	client *minio.Client
	region string
}

// NewMinio validates cfg and constructs a client. No network traffic happens
// until the first call.
func NewMinio(cfg MinioConfig) (*MinioClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint required")
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioClient{client: client, region: cfg.Region}, nil
}

func (c *MinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classify(err)
	}
	return ok, nil
}

func (c *MinioClient) MakeBucket(ctx context.Context, bucket string) error {
	err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.region})
	if err == nil {
		return nil
	}
	switch errorCode(err) {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	return classify(err)
}

func (c *MinioClient) PutFile(ctx context.Context, bucket, key, path string, opts PutOptions) (ObjectInfo, error) {
	info, err := c.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	return ObjectInfo{
		Bucket:   info.Bucket,
		Key:      info.Key,
		Size:     info.Size,
		ETag:     info.ETag,
		Metadata: opts.Metadata,
	}, nil
}

func (c *MinioClient) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify(err)
	}
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[k] = v
	}
	return ObjectInfo{
		Bucket:   bucket,
		Key:      info.Key,
		Size:     info.Size,
		ETag:     info.ETag,
		Metadata: meta,
	}, nil
}

var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AllAccessDisabled":     {},
	"AccountProblem":        {},
	"InvalidAccessKeyId":    {},
	"InvalidBucketName":     {},
	"SignatureDoesNotMatch": {},
}

func errorCode(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return ""
}

// classify maps minio failures onto ErrNotFound and ErrPermanent while keeping
// the original error in the chain.
func classify(err error) error {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return err
	}
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if _, ok := permanentCodes[resp.Code]; ok {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
