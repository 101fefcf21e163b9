// Package objectstore is the S3 gateway: payload upload with automatic
// single-shot/multipart selection, download, deletion and presigned GET
// URLs. It speaks to any S3-compatible endpoint (MinIO included) through
// the aws-sdk-go-v2 client.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/climateandtech/pdf/internal/config"
	"github.com/climateandtech/pdf/internal/envelope"
)

const (
	maxKeyLength = 1024
	// s3MaxAttempts bounds the SDK-side retry of transient transfer errors.
	s3MaxAttempts = 5
)

// api is the slice of the S3 client surface the gateway touches, extracted
// so tests can inject fakes.
type api interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store is the object-store gateway for one bucket.
type Store struct {
	api       api
	uploader  uploadAPI
	presigner presignAPI
	cfg       config.S3Config
	log       *zap.Logger
}

// New builds a Store from configuration. Credentials fall back to the
// standard AWS chain when not set explicitly; a custom endpoint switches the
// client to path-style addressing (required for MinIO).
func New(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*Store, error) {
	if err := config.ValidateBucketName(cfg.Bucket); err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), s3MaxAttempts)
		}),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
	})

	return &Store{
		api:       client,
		uploader:  uploader,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
		log:       logger,
	}, nil
}

// Bucket returns the bucket this store addresses.
func (s *Store) Bucket() string { return s.cfg.Bucket }

// EnsureBucket probes the bucket and creates it when absent. Creation is
// region-aware: us-east-1 is the canonical region and rejects a location
// constraint.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		s.log.Debug("bucket exists", zap.String("bucket", s.cfg.Bucket))
		return nil
	}

	switch code := apiErrorCode(err); code {
	case "NotFound", "NoSuchBucket", "404":
		input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
		if s.cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
			}
		}
		if _, err := s.api.CreateBucket(ctx, input); err != nil {
			return classify(err, "create bucket "+s.cfg.Bucket)
		}
		s.log.Info("bucket created", zap.String("bucket", s.cfg.Bucket))
		return nil
	case "Forbidden", "AccessDenied", "403":
		return envelope.Wrap(envelope.KindObjectStoreFatal,
			fmt.Sprintf("access denied probing bucket %s", s.cfg.Bucket), err)
	default:
		return classify(err, "probe bucket "+s.cfg.Bucket)
	}
}

// Put uploads the source under key. Sized payloads at or below the
// multipart threshold take the single-shot path; larger or unsized payloads
// go through the transfer manager with the configured part size and
// concurrency.
func (s *Store) Put(ctx context.Context, key string, src Source) error {
	if err := validateKey(key); err != nil {
		return err
	}
	body, closer, size, sized, err := src.open()
	if err != nil {
		return envelope.Wrap(envelope.KindObjectStoreFatal, "unreadable source", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if sized && size <= s.cfg.MultipartThreshold {
		if _, err := s.api.PutObject(ctx, input); err != nil {
			return classify(err, "put "+key)
		}
	} else {
		if _, err := s.uploader.Upload(ctx, input); err != nil {
			return classify(err, "multipart put "+key)
		}
	}

	s.log.Debug("object uploaded",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.Bool("multipart", !sized || size > s.cfg.MultipartThreshold),
	)
	return nil
}

// Get downloads the complete object content.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify(err, "get "+key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, envelope.Wrap(envelope.KindObjectStoreTransient, "read body of "+key, err)
	}
	return data, nil
}

// Delete removes an object. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return classify(err, "delete "+key)
	}
	return nil
}

// Head reports whether an object exists.
func (s *Store) Head(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	switch apiErrorCode(err) {
	case "NotFound", "NoSuchKey", "404":
		return false, nil
	}
	return false, classify(err, "head "+key)
}

// PresignGet produces a URL permitting unauthenticated GET of the object for
// the given TTL.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify(err, "presign "+key)
	}
	return req.URL, nil
}

// validateKey enforces the key contract: non-empty, at most 1024 bytes, no
// leading slash.
func validateKey(key string) error {
	switch {
	case key == "":
		return envelope.E(envelope.KindObjectStoreFatal, "object key must not be empty")
	case len(key) > maxKeyLength:
		return envelope.E(envelope.KindObjectStoreFatal,
			fmt.Sprintf("object key exceeds %d bytes", maxKeyLength))
	case strings.HasPrefix(key, "/"):
		return envelope.E(envelope.KindObjectStoreFatal,
			fmt.Sprintf("object key %q must not start with /", key))
	}
	return nil
}

// apiErrorCode extracts the service error code, empty when there is none.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// classify maps an S3 failure onto the protocol taxonomy, preserving the
// underlying code. The SDK has already exhausted its retry budget by the
// time an error reaches here, so anything non-fatal surfaces as transient.
func classify(err error, op string) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return envelope.Wrap(envelope.KindObjectStoreFatal, op+": no such key", err)
	}
	switch apiErrorCode(err) {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "404":
		return envelope.Wrap(envelope.KindObjectStoreFatal, op+": not found", err)
	case "AccessDenied", "Forbidden", "403":
		return envelope.Wrap(envelope.KindObjectStoreFatal, op+": access denied", err)
	default:
		return envelope.Wrap(envelope.KindObjectStoreTransient, op, err)
	}
}
