// Package archive stores exported mapas in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore is the subset of *minio.Client the archive uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// Ref locates an archived export.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	URL    string `json:"url,omitempty"`
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archive struct {
	objects ObjectStore
	bucket  string
	linkTTL time.Duration
	now     func() time.Time
}

// New connects to the object store. It returns nil, nil when no endpoint
// is configured, which disables archiving.
func New(cfg Config) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewWithStore(client, cfg.Bucket), nil
}

func NewWithStore(objects ObjectStore, bucket string) *Archive {
	return &Archive{objects: objects, bucket: bucket, linkTTL: 24 * time.Hour, now: time.Now}
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.objects.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.objects.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Put uploads an export under mapas/<parameter>/ and returns a presigned
// download link.
func (a *Archive) Put(ctx context.Context, parameterID int64, filename, contentType string, data []byte) (Ref, error) {
	key := path.Join("mapas", fmt.Sprint(parameterID), a.now().UTC().Format("20060102T150405Z")+"-"+filename)
	if _, err := a.objects.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return Ref{}, fmt.Errorf("upload %s: %w", key, err)
	}

	ref := Ref{Bucket: a.bucket, Key: key}
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	link, err := a.objects.PresignedGetObject(ctx, a.bucket, key, a.linkTTL, params)
	if err != nil {
		return ref, fmt.Errorf("presign %s: %w", key, err)
	}
	ref.URL = link.String()
	return ref, nil
}
