package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store keeps one object per source at <Prefix>/<key>.json. PutObject
// replaces an object whole, which gives the same all-or-nothing visibility
// as a local rename.
type S3Store struct {
	Client S3API
	Bucket string
	Prefix string
}

// NewS3Store returns an S3Store.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{Client: client, Bucket: bucket, Prefix: prefix}
}

// ObjectKey returns the object key used for source.
func (s *S3Store) ObjectKey(source string) string {
	return path.Join(s.Prefix, Key(source)+".json")
}

// Load fetches and decodes the source's checkpoint object.
func (s *S3Store) Load(ctx context.Context, source string) (Checkpoint, error) {
	key := s.ObjectKey(source)
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("get s3://%s/%s: %w", s.Bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read s3://%s/%s: %w", s.Bucket, key, err)
	}
	return Decode(data)
}

// Save uploads the encoded checkpoint.
func (s *S3Store) Save(ctx context.Context, source string, cp Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return err
	}
	key := s.ObjectKey(source)
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}

// Check confirms the bucket exists and is reachable with the current
// credentials.
func (s *S3Store) Check(ctx context.Context) (string, error) {
	if _, err := s.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)}); err != nil {
		return "", fmt.Errorf("head bucket %s: %w", s.Bucket, err)
	}
	return "bucket " + s.Bucket + " reachable", nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
