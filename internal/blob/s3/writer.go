package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// minPartSize is the S3 multipart minimum (5 MiB). Archives at or below it
// go up in a single PutObject.
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter for round archives.
type Writer struct {
	client *Client
}

func NewWriter(c *Client) *Writer {
	return &Writer{client: c}
}

func (w *Writer) input(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(w.client.Bucket()),
		Key:         aws.String(w.client.Key(path)),
		Body:        data,
		ContentType: aws.String(contentType),
	}
}

// Put uploads data in a single request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := w.client.S3().PutObject(ctx, w.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart uploads data in concurrent parts of partSize bytes, never
// below the S3 minimum.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error {
	uploader := manager.NewUploader(w.client.S3(), func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := uploader.Upload(ctx, w.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
