package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	ckerrors "github.com/randalmurphal/chunkpoint/pkg/chunkpoint/errors"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is an ObjectStore on an S3 bucket. Versions are ETags.
// Conditional writes use If-None-Match and If-Match on PutObject.
type S3Store struct {
	client S3API
	bucket string
}

var _ ObjectStore = (*S3Store)(nil)

// S3ClientOptions configures NewS3Client.
type S3ClientOptions struct {
	Region string

	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint string

	// PathStyle forces path-style addressing.
	PathStyle bool
}

// NewS3Client builds an S3 client from the default credential chain.
func NewS3Client(ctx context.Context, opts S3ClientOptions) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// NewS3Store wraps an S3 client for one bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// ConditionalCreate implements ObjectStore.
func (s *S3Store) ConditionalCreate(ctx context.Context, key string, data []byte) (Version, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		err = classifyS3(err, key)
		if errors.Is(err, ErrVersionConflict) {
			return NoVersion, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
		}
		return NoVersion, err
	}
	return Version(aws.ToString(out.ETag)), nil
}

// Get implements ObjectStore.
func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3(err, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ckerrors.Transient(fmt.Errorf("read %s: %w", key, err), "s3 get")
	}
	return &Object{Key: key, Data: data, Version: Version(aws.ToString(out.ETag))}, nil
}

// Head implements ObjectStore.
func (s *S3Store) Head(ctx context.Context, key string) (Version, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return NoVersion, classifyS3(err, key)
	}
	return Version(aws.ToString(out.ETag)), nil
}

// Copy implements ObjectStore. The source is read and rewritten with a
// conditional PutObject so the gate applies to the destination.
func (s *S3Store) Copy(ctx context.Context, src, dst string, expected Version) (Version, error) {
	source, err := s.Get(ctx, src)
	if err != nil {
		return NoVersion, err
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(dst),
		Body:   bytes.NewReader(source.Data),
	}
	if expected == NoVersion {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(string(expected))
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		err = classifyS3(err, dst)
		if errors.Is(err, ErrNotFound) {
			// If-Match against a missing key.
			return NoVersion, fmt.Errorf("%s: %w: object absent", dst, ErrVersionConflict)
		}
		return NoVersion, err
	}
	return Version(aws.ToString(out.ETag)), nil
}

// Delete implements ObjectStore.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classifyS3(err, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// classifyS3 maps S3 errors onto mirror sentinels and error categories.
func classifyS3(err error, key string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%s: %w: %v", key, ErrVersionConflict, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
			return ckerrors.Transient(err, "s3 "+key)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		case status == http.StatusPreconditionFailed, status == http.StatusConflict:
			return fmt.Errorf("%s: %w: %v", key, ErrVersionConflict, err)
		case status == http.StatusTooManyRequests, status >= 500:
			return ckerrors.Transient(err, "s3 "+key)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ckerrors.Transient(err, "s3 "+key)
	}
	return fmt.Errorf("s3 %s: %w", key, err)
}
