// Package archive keeps every fetched document export in MinIO object
// storage so moderators can inspect exactly what was compared.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nattyright/grail-kun/internal/gdocs"
	"github.com/nattyright/grail-kun/internal/logger"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts miniogo.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts miniogo.PutObjectOptions) (miniogo.UploadInfo, error)
}

type Archiver struct {
	client objectStore
	bucket string
	log    logger.Logger
}

func New(cfg Config, log logger.Logger) (*Archiver, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	log.Info("export archive initialized", logger.String("endpoint", cfg.Endpoint), logger.String("bucket", cfg.Bucket))
	return &Archiver{client: client, bucket: cfg.Bucket, log: log}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, miniogo.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Archive uploads the raw export text.
func (a *Archiver) Archive(ctx context.Context, communityID, sheetID string, export gdocs.Export) error {
	key := ObjectKey(communityID, sheetID, export.FetchedAt, export.Format)
	body := []byte(export.Text)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), miniogo.PutObjectOptions{
		ContentType: contentType(export.Format),
		UserMetadata: map[string]string{
			"sheet":      sheetID,
			"community":  communityID,
			"fetched-at": export.FetchedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("upload export %s: %w", key, err)
	}
	a.log.Debug("archived export", logger.String("object_key", key), logger.Int("size", len(body)))
	return nil
}

// ObjectKey is <community>/<sheet>/<unix-nanos>.<format>.
func ObjectKey(communityID, sheetID string, at time.Time, format string) string {
	return fmt.Sprintf("%s/%s/%d.%s", communityID, sheetID, at.UnixNano(), format)
}

func contentType(format string) string {
	if format == gdocs.FormatMarkdown {
		return "text/markdown; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}
