// Package storage は成果物を MinIO（S3 互換）に保存し、署名付き URL を発行します。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yourusername/epub-forge/internal/convert"
)

// maxPresignTTL は S3 署名付き URL の上限（7日）です。
const maxPresignTTL = 7 * 24 * time.Hour

// Config は MinIO 接続設定です。
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	URLTTL    time.Duration
}

// objectStore は Uploader が使う MinIO クライアントの操作です。
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
}

// Uploader は convert.Uploader の MinIO 実装です。
type Uploader struct {
	client objectStore
	bucket string
	urlTTL time.Duration
	logger *slog.Logger
}

// NewUploader は MinIO に接続し、バケットが無ければ作成します。
func NewUploader(ctx context.Context, cfg Config, logger *slog.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio connection: %w", err)
	}
	u := newUploader(client, cfg.Bucket, cfg.URLTTL, logger)
	if err := u.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return u, nil
}

func newUploader(client objectStore, bucket string, ttl time.Duration, logger *slog.Logger) *Uploader {
	if ttl <= 0 || ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	return &Uploader{client: client, bucket: bucket, urlTTL: ttl, logger: logger}
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", u.bucket, err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", u.bucket, err)
	}
	u.logger.Info("created artifact bucket", "bucket", u.bucket)
	return nil
}

// Upload は成果物を保存し、ダウンロード用の署名付き URL を返します。
func (u *Uploader) Upload(ctx context.Context, key string, artifact *convert.Artifact) (string, error) {
	if artifact == nil || len(artifact.Data) == 0 {
		return "", fmt.Errorf("artifact is empty")
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(artifact.Data).String()
	}

	info, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(artifact.Data), int64(len(artifact.Data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	params := url.Values{}
	if artifact.Name != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", artifact.Name))
	}
	signed, err := u.client.PresignedGetObject(ctx, u.bucket, key, u.urlTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	u.logger.Info("uploaded artifact", "bucket", u.bucket, "key", key, "size", info.Size, "content_type", contentType)
	return signed.String(), nil
}
