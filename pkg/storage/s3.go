package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the AWS SDK's s3.Client this package calls.
// Narrowing to an interface lets callers substitute a fake for tests
// without depending on the real SDK's client construction.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store implements FileStore over S3 or an S3-compatible object store
// (MinIO, R2, ...), backing the connector pipeline's "s3" sink type.
// Every storage path becomes an object key under an optional prefix; the
// caller supplies an already-configured S3Client (credentials, region,
// endpoint).
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3 builds an S3-backed FileStore against bucket. prefix is prepended
// to every object key; pass "" for none.
func NewS3(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Read fetches path via GetObject. A missing key surfaces as an error
// wrapping os.ErrNotExist, matching Local's Read.
func (s *S3Store) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("storage: read %s: %w", path, os.ErrNotExist)
		}
		return nil, err
	}
	return out.Body, nil
}

// Write streams to S3 through an io.Pipe, with a background goroutine
// driving PutObject against the pipe's read side. Close blocks until
// that upload finishes and reports its error, if any.
func (s *S3Store) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	uploader := &s3Upload{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(uploader.done)
		_, uploader.err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(path)),
			Body:   pr,
		})
		// Unblock any writer still waiting on the pipe if PutObject gave
		// up before consuming the whole body.
		pr.CloseWithError(uploader.err)
	}()
	return uploader, nil
}

// Delete removes path via DeleteObject, which S3 already treats as
// idempotent for missing keys.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	return err
}

func (s *S3Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(path)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// s3Upload is the io.WriteCloser Write hands back; its Write calls feed
// the pipe the background PutObject goroutine reads from.
type s3Upload struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (u *s3Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Close signals EOF on the pipe, waits for the PutObject goroutine to
// finish, and returns its error.
func (u *s3Upload) Close() error {
	u.pw.Close()
	<-u.done
	return u.err
}

// isNotFoundError reports whether err is S3's not-found response.
func isNotFoundError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ FileStore = (*S3Store)(nil)
