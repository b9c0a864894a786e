package diagnostics

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader persists a local bundle under an object name. Upload is a hard
// requirement when configured: a failed upload fails the run.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) error
}

// ObjectStoreConfig configures the S3-compatible artifact store.
type ObjectStoreConfig struct {
	// Endpoint is the host:port of the object store.
	Endpoint string `json:"endpoint"`
	// Bucket receives the bundles. It must already exist.
	Bucket string `json:"bucket"`
	// AccessKeyID and SecretAccessKey are the store credentials.
	AccessKeyID     string `json:"accessKeyID"`
	SecretAccessKey string `json:"secretAccessKey"`
	// UseTLS enables HTTPS towards the endpoint.
	UseTLS bool `json:"useTLS"`
}

// ObjectUploader uploads bundles to an S3-compatible object store.
type ObjectUploader struct {
	client *minio.Client
	bucket string
}

// NewObjectUploader creates an uploader for the configured store.
func NewObjectUploader(cfg ObjectStoreConfig) (*ObjectUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	return &ObjectUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload implements Uploader.
func (u *ObjectUploader) Upload(ctx context.Context, localPath, objectName string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("uploading %s to %s/%s: %w", localPath, u.bucket, objectName, err)
	}

	return nil
}
