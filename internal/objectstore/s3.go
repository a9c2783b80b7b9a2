package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ilyasni/telegram-assistant/internal/config"
)

// S3Store is the production ObjectStore. It talks to AWS S3 or any
// S3-compatible service (MinIO in the default deployment) through the v2
// SDK. All methods translate SDK failures into the package's sentinel
// errors before wrapping, so callers match on ErrNotFound/ErrAccessDenied
// without knowing the backend.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the client from configuration. Static credentials and a
// custom endpoint are both optional; when absent, the SDK's default
// credential chain and AWS endpoints apply.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO serves buckets as path segments, not subdomains.
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// translate maps an SDK error onto the package sentinels, or wraps it with
// the failed operation's name.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notFound     *s3types.NotFound
		noSuchKey    *s3types.NoSuchKey
		noSuchBucket *s3types.NoSuchBucket
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return ErrNotFound
	case errors.As(err, &noSuchBucket):
		return ErrBucketMissing
	// Some S3-compatible services report these only as generic API errors;
	// fall back to matching the code in the message.
	case strings.Contains(err.Error(), "NotFound"),
		strings.Contains(err.Error(), "NoSuchKey"):
		return ErrNotFound
	case strings.Contains(err.Error(), "AccessDenied"),
		strings.Contains(err.Error(), "Forbidden"):
		return ErrAccessDenied
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}

func attrsFromHead(key string, out *s3.HeadObjectOutput) ObjectAttrs {
	return ObjectAttrs{
		Key:             key,
		Size:            aws.ToInt64(out.ContentLength),
		ETag:            aws.ToString(out.ETag),
		LastModified:    aws.ToTime(out.LastModified),
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
	}
}

// Get retrieves an object by key.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectAttrs, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectAttrs{}, translate("get", err)
	}
	return out.Body, ObjectAttrs{
		Key:             key,
		Size:            aws.ToInt64(out.ContentLength),
		ETag:            aws.ToString(out.ETag),
		LastModified:    aws.ToTime(out.LastModified),
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
	}, nil
}

// Put stores an object under key. The payloads here (media blobs, gzipped
// JSON artifacts) are bounded, so the body is buffered to give the SDK the
// seekable reader it wants.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		in.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if len(opts.Metadata) > 0 {
		in.Metadata = opts.Metadata
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return "", translate("put", err)
	}
	return aws.ToString(out.ETag), nil
}

// Delete removes an object. A missing key is success: the caller wanted it
// gone and it is.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err := translate("delete", err); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Head returns object metadata without the body.
func (s *S3Store) Head(ctx context.Context, key string) (ObjectAttrs, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectAttrs{}, translate("head", err)
	}
	return attrsFromHead(key, out), nil
}

// Exists reports whether key holds an object.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// List pages through objects under opts.Prefix.
func (s *S3Store) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if opts.Prefix != "" {
		in.Prefix = aws.String(opts.Prefix)
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListResult{}, translate("list", err)
	}

	res := ListResult{
		Objects:               make([]ObjectAttrs, 0, len(out.Contents)),
		IsTruncated:           aws.ToBool(out.IsTruncated),
		NextContinuationToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		res.Objects = append(res.Objects, ObjectAttrs{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         aws.ToString(obj.ETag),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return res, nil
}

// Ping checks that the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err := translate("ping", err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrBucketMissing
		}
		return err
	}
	return nil
}
