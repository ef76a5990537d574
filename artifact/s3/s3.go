// Package s3 implements artifact.Store on an S3 bucket, for deployments
// where the API and worker processes do not share a filesystem. Large
// blobs (generated videos easily pass the threshold) go through the
// transfer manager's multipart upload/download.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/reelworks/renderq/artifact"
)

var _ artifact.Store = (*Store)(nil)

// multipartThreshold is the blob size above which the transfer manager
// handles the object in parts.
const multipartThreshold = 10 * 1024 * 1024

// Store persists blobs as objects in one S3 bucket.
type Store struct {
	bucket string
	client *s3.Client
}

// New loads the default AWS configuration from the environment and
// returns a Store for the given bucket.
func New(ctx context.Context, bucket string) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifact/s3: load aws config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg), bucket), nil
}

// NewWithClient returns a Store using the given client. The caller owns
// the client lifecycle.
func NewWithClient(client *s3.Client, bucket string) *Store {
	return &Store{bucket: bucket, client: client}
}

// Put stores the blob, using multipart upload above the threshold.
// S3 object writes are atomic, so readers never observe a partial blob.
func (s *Store) Put(ctx context.Context, ref string, data []byte) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
		Body:   bytes.NewReader(data),
	}

	if len(data) >= multipartThreshold {
		uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
			u.PartSize = multipartThreshold
		})
		if _, err := uploader.Upload(ctx, in); err != nil {
			return fmt.Errorf("artifact/s3: upload %s: %w", ref, err)
		}
		return nil
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("artifact/s3: put %s: %w", ref, err)
	}
	return nil
}

// Get returns the full blob for the reference.
func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = multipartThreshold
	})

	buf := manager.NewWriteAtBuffer([]byte{})
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, artifact.ErrNotFound
		}
		return nil, fmt.Errorf("artifact/s3: download %s: %w", ref, err)
	}
	return buf.Bytes(), nil
}

// Delete removes the object. A missing reference is not an error; S3
// delete is idempotent.
func (s *Store) Delete(ctx context.Context, ref string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("artifact/s3: delete %s: %w", ref, err)
	}
	return nil
}
