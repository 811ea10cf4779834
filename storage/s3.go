package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config addresses an S3-compatible object store. Credentials are taken
// only from here, never from the process environment.
type S3Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// DefaultS3Config targets a local MinIO.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:       "eu-west-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
	}
}

// S3Store maps namespaces to buckets.
type S3Store struct {
	client *s3.Client
	region string
}

var _ Store = (*S3Store)(nil)

func NewS3(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		return nil, errors.New("s3: region required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("s3: access key id and secret access key required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible stores disagree on flexible checksums
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, region: cfg.Region}, nil
}

func (s *S3Store) Fetch(ctx context.Context, namespace, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(namespace),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err, "get "+namespace+"/"+key)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, namespace, key string, r io.Reader) error {
	if err := validate(namespace, key); err != nil {
		return err
	}
	// PutObject needs a known length; function binaries are small.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", namespace, key, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(namespace),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return s3Error(err, "put "+namespace+"/"+key)
	}
	return nil
}

// Delete is idempotent on S3: a missing key in an existing bucket succeeds.
func (s *S3Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(namespace),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error(err, "delete "+namespace+"/"+key)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, namespace string) ([]Object, error) {
	var list []Object
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(namespace),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, s3Error(err, "list "+namespace)
		}
		for _, obj := range page.Contents {
			list = append(list, Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	slices.SortFunc(list, func(a, b Object) int { return strings.Compare(a.Key, b.Key) })
	return list, nil
}

func (s *S3Store) CreateNamespace(ctx context.Context, namespace string) error {
	if err := ValidNamespace(namespace); err != nil {
		return err
	}
	in := &s3.CreateBucketInput{Bucket: aws.String(namespace)}
	if s.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		return s3Error(err, "create bucket "+namespace)
	}
	return nil
}

func (s *S3Store) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := s.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(namespace)}); err != nil {
		return s3Error(err, "delete bucket "+namespace)
	}
	return nil
}

// s3Error maps service errors onto the package sentinels.
func s3Error(err error, op string) error {
	var (
		noKey    *types.NoSuchKey
		noBucket *types.NoSuchBucket
		notFound *types.NotFound
		owned    *types.BucketAlreadyOwnedByYou
		exists   *types.BucketAlreadyExists
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &noBucket), errors.As(err, &notFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.As(err, &owned), errors.As(err, &exists):
		return fmt.Errorf("%s: %w", op, ErrExists)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return fmt.Errorf("%s: %w", op, ErrExists)
		case "BucketNotEmpty":
			return fmt.Errorf("%s: %w", op, ErrNotEmpty)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
