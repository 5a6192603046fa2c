package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend stores recordings in an S3 bucket. Credentials and region
// come from the default AWS config chain.
func NewS3Backend(ctx context.Context, bucket string) (Backend, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &s3Backend{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

func (b *s3Backend) Name() string { return "s3" }

func (b *s3Backend) Store(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", path, err)
	}
	return nil
}

func (b *s3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s: %w", path, err)
	}
	return nil
}

type gcsBackend struct {
	client *storage.Client
	bucket string
}

// NewGCSBackend stores recordings in a Google Cloud Storage bucket using
// application default credentials.
func NewGCSBackend(ctx context.Context, bucket string) (Backend, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is empty")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &gcsBackend{client: client, bucket: bucket}, nil
}

func (b *gcsBackend) Name() string { return "gcs" }

func (b *gcsBackend) Store(ctx context.Context, path string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(path).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs finalize %s: %w", path, err)
	}
	return nil
}

func (b *gcsBackend) Delete(ctx context.Context, path string) error {
	err := b.client.Bucket(b.bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete %s: %w", path, err)
	}
	return nil
}

type azureBackend struct {
	client    *azblob.Client
	container string
}

// NewAzureBackend stores recordings in an Azure blob container. The
// connection string comes from AZURE_STORAGE_CONNECTION_STRING.
func NewAzureBackend(container string) (Backend, error) {
	if container == "" {
		return nil, errors.New("azure container is empty")
	}
	conn := os.Getenv("AZURE_STORAGE_CONNECTION_STRING")
	if conn == "" {
		return nil, errors.New("AZURE_STORAGE_CONNECTION_STRING is not set")
	}
	client, err := azblob.NewClientFromConnectionString(conn, nil)
	if err != nil {
		return nil, fmt.Errorf("creating azure client: %w", err)
	}
	return &azureBackend{client: client, container: container}, nil
}

func (b *azureBackend) Name() string { return "azure" }

func (b *azureBackend) Store(ctx context.Context, path string, data []byte) error {
	_, err := b.client.UploadStream(ctx, b.container, path, bytes.NewReader(data), nil)
	if err != nil {
		return fmt.Errorf("azure upload %s: %w", path, err)
	}
	return nil
}

func (b *azureBackend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, path, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("azure delete %s: %w", path, err)
	}
	return nil
}
