package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rshade/loadstate/internal/awsutil"
)

// defaultS3Region is used when no region is configured.
const defaultS3Region = "us-east-1"

// lastWriteWinsAttempts bounds the conditional-write loop of an unversioned Put.
const lastWriteWinsAttempts = 5

// S3Config holds S3 / MinIO connection parameters.
type S3Config struct {
	Bucket          string // bucket name or access point ARN
	Region          string // default: the bucket ARN's region, then us-east-1
	Endpoint        string // optional; enables a custom endpoint (e.g. MinIO)
	Prefix          string // optional object key prefix
	PathStyle       bool
	AccessKeyID     string // optional; falls back to the default credentials chain
	SecretAccessKey string
	SessionToken    string
}

// S3Store stores one JSON entry object per key. Versioned writes are made
// atomic with S3 conditional requests (If-Match / If-None-Match) on the
// object ETag.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	cfg    settings
}

// NewS3Store builds an S3 client from cfg and the default AWS configuration
// chain.
func NewS3Store(ctx context.Context, cfg S3Config, opts ...Option) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		// Access point ARNs carry their own region.
		region = awsutil.RegionFromARN(cfg.Bucket)
	}
	if region == "" {
		region = defaultS3Region
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, opts...), nil
}

func newS3StoreWithClient(client *s3.Client, bucket, prefix string, opts ...Option) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, cfg: newSettings(opts)}
}

// Driver returns DriverS3.
func (s *S3Store) Driver() Driver { return DriverS3 }

// Get returns the live entry for key.
func (s *S3Store) Get(ctx context.Context, key string) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	e, _, err := s.fetch(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if e.IsExpired(s.cfg.now()) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put writes value under key with a conditional request.
func (s *S3Store) Put(ctx context.Context, key string, value json.RawMessage, opts PutOptions) (Entry, error) {
	if err := validateKey(key); err != nil {
		return Entry{}, err
	}
	if err := validateValue(value); err != nil {
		return Entry{}, err
	}

	for range lastWriteWinsAttempts {
		e, err := s.putOnce(ctx, key, value, opts)
		if !errors.Is(err, errPreconditionFailed) {
			return e, err
		}
	}
	return Entry{}, fmt.Errorf("put %s: too many concurrent writers: %w", key, ErrStaleWrite)
}

var errPreconditionFailed = errors.New("s3 precondition failed")

func (s *S3Store) putOnce(ctx context.Context, key string, value json.RawMessage, opts PutOptions) (Entry, error) {
	now := s.cfg.now()
	existing, etag, err := s.fetch(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	var current int64
	if exists && !existing.IsExpired(now) {
		current = existing.Version
	}
	if versionErr := checkVersion(key, opts.ExpectedVersion, current); versionErr != nil {
		return Entry{}, versionErr
	}

	e := newEntry(key, value, current, now, opts.TTL)
	body, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if exists {
		input.IfMatch = aws.String(etag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	if _, err = s.client.PutObject(ctx, input); err != nil {
		if isHTTPStatus(err, http.StatusPreconditionFailed) || isHTTPStatus(err, http.StatusConflict) {
			if opts.ExpectedVersion != AnyVersion {
				return Entry{}, &StaleWriteError{Key: key, Expected: opts.ExpectedVersion, Current: current}
			}
			// Lost a race with another writer; the caller re-reads and tries again.
			return Entry{}, errPreconditionFailed
		}
		return Entry{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return e, nil
}

// Delete removes key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// List returns live entries whose key starts with prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]Entry, error) {
	now := s.cfg.now()
	var out []Entry
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			e, _, err := s.fetch(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if !e.IsExpired(now) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3Store) Close() error { return nil }

// fetch reads and decodes the entry object, returning its ETag.
func (s *S3Store) fetch(ctx context.Context, key string) (Entry, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return Entry{}, "", ErrNotFound
		}
		return Entry{}, "", fmt.Errorf("get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, "", fmt.Errorf("read object %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, "", fmt.Errorf("decode object %s: %w", key, err)
	}
	return e, aws.ToString(out.ETag), nil
}

func (s *S3Store) objectKey(key string) string { return s.prefix + key }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	return isHTTPStatus(err, http.StatusNotFound)
}

func isHTTPStatus(err error, code int) bool {
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == code
}
