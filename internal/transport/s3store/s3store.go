// Package s3store implements the transport contract on an S3 bucket. Every
// message is one object under <prefix>/<folder>/<locator>; List is a prefix
// scan. S3's read-after-write consistency is enough for the protocol, which
// never overwrites an object.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/mailfile/mailfile/internal/config"
	"github.com/mailfile/mailfile/internal/transport"
)

const keyPrefix = "mailfile"

// Store is an S3-backed Transport.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a store from the config section, with static credentials and an
// optional custom endpoint (minio and friends need path-style addressing).
func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing S3 client, for tests and custom setups.
func NewWithClient(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

func (s *Store) key(folder, locator string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, folder, locator)
}

func (s *Store) List(ctx context.Context, folder string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/", keyPrefix, folder)

	var locators []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", folder, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			locators = append(locators, strings.TrimPrefix(key, prefix))
		}
	}
	return locators, nil
}

func (s *Store) Fetch(ctx context.Context, folder, locator string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(folder, locator)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
		}
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", locator, err)
	}
	return raw, nil
}

func (s *Store) Append(ctx context.Context, folder string, raw []byte) (string, error) {
	locator := "obj-" + uuid.NewString()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(folder, locator)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("message/rfc822"),
	})
	if err != nil {
		return "", fmt.Errorf("append %s: %w", folder, err)
	}
	return locator, nil
}

// Flag is not meaningful on object storage; tombstone and lock hygiene rely
// on Delete alone.
func (s *Store) Flag(ctx context.Context, folder, locator string, flag transport.Flag) error {
	return fmt.Errorf("%w: flag %q", transport.ErrNotSupported, flag)
}

func (s *Store) Delete(ctx context.Context, folder, locator string) error {
	// HeadObject first: S3 DeleteObject is silent about missing keys and the
	// contract wants ErrMessageNotFound
	key := s.key(folder, locator)
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", transport.ErrMessageNotFound, locator)
		}
		return fmt.Errorf("delete %s: %w", locator, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete %s: %w", locator, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

var _ transport.Transport = (*Store)(nil)
