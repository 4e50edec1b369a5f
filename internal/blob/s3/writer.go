package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// multipartThreshold is the S3 minimum part size (5 MiB). Bodies at or above
// it go through the upload manager.
const multipartThreshold = 5 * 1024 * 1024

// Writer implements domain.ArchiveWriter on the archive bucket.
type Writer struct {
	client   *Client
	uploader *manager.Uploader
}

// NewWriter creates a Writer for the client's bucket and prefix.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c,
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = multipartThreshold
		}),
	}
}

// Put uploads body under path. Small bodies use one PutObject call.
func (w *Writer) Put(ctx context.Context, path string, body []byte, contentType string) error {
	key := w.client.Key(path)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(w.client.Bucket()),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	}

	if usesMultipart(len(body)) {
		in.ContentLength = nil
		if _, err := w.uploader.Upload(ctx, in); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
		}
		return nil
	}
	if _, err := w.client.S3().PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

func usesMultipart(size int) bool {
	return size >= multipartThreshold
}

var _ domain.ArchiveWriter = (*Writer)(nil)
