// Package storage uploads group images to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"crew-chat-service/internal/errs"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// PublicURL prefixes object keys in returned URLs; defaults to the endpoint.
	PublicURL string
}

// Uploader implements directory.Uploader on minio-go.
type Uploader struct {
	cfg    Config
	client *minio.Client
}

func New(cfg Config) (*Uploader, error) {
	cl, err := minio.New(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://"), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if cfg.PublicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		cfg.PublicURL = fmt.Sprintf("%s://%s", scheme, cl.EndpointURL().Host)
	}
	return &Uploader{cfg: cfg, client: cl}, nil
}

func (u *Uploader) EnsureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return errs.Transient("storage.BucketExists", err)
	}
	if !exists {
		return u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{})
	}
	return nil
}

// Upload stores data under a fresh key and returns its URL.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	key := "groups/" + uuid.NewString() + extension(contentType)
	_, err := u.client.PutObject(ctx, u.cfg.Bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", errs.Transient("storage.PutObject", err)
	}
	return ObjectURL(u.cfg.PublicURL, u.cfg.Bucket, key), nil
}

// ObjectURL joins the public base, bucket and key.
func ObjectURL(base, bucket, key string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + key
}

func extension(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
