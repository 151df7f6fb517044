// Package s3 implements the objectstore.Client interface on top of an
// S3-compatible store using the AWS SDK.
//
// Pools and namespaces are mapped onto key prefixes within a single bucket:
// pool-<id>/<namespace>/<object name>, with "-" standing in for the empty
// namespace. S3 has no snapshot semantics, so the snapshot context and
// timestamp are accepted and ignored at this layer.
package s3

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/tidefs-io/scour/internal/objectstore"
	"github.com/tidefs-io/scour/internal/placement"
)

// deleteBatchSize is the S3 DeleteObjects limit per request.
const deleteBatchSize = 1000

// Config configures an S3-backed client.
type Config struct {
	// Bucket is the name of the S3 bucket holding all pools.
	Bucket string

	// Region is the AWS region (e.g., "us-east-1").
	// Required for AWS S3, optional for S3-compatible endpoints.
	Region string

	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO).
	// If empty, uses the default AWS endpoint for the region.
	Endpoint string

	// AccessKeyID is the AWS access key ID.
	// If empty, uses the default credential chain.
	AccessKeyID string

	// SecretAccessKey is the AWS secret access key.
	// If empty, uses the default credential chain.
	SecretAccessKey string

	// UsePathStyle enables path-style addressing (required for MinIO and
	// some S3-compatible stores).
	UsePathStyle bool
}

// Client implements objectstore.Client using AWS S3.
type Client struct {
	client *s3.Client
	bucket string
	mu     sync.RWMutex
	closed bool
}

// New creates a new S3 client with the given configuration.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	opts := []func(*config.LoadOptions) error{}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	} else {
		opts = append(opts, config.WithRegion("us-east-1"))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return objectstore.ErrClosed
	}
	return nil
}

// ObjectKey returns the bucket key for an object in the located pool.
func ObjectKey(loc placement.PoolLocator, name string) string {
	ns := loc.Namespace
	if ns == "" {
		ns = "-"
	}
	return fmt.Sprintf("pool-%d/%s/%s", loc.PoolID, ns, name)
}

// DeleteRange removes the data objects of targetID with indexes
// [firstObject, firstObject+objectCount), batching up to 1000 keys per
// DeleteObjects request. S3 deletes are idempotent; missing keys succeed.
func (c *Client) DeleteRange(ctx context.Context, targetID uint64, layout placement.Layout, snapc placement.SnapContext, firstObject, objectCount uint64, at time.Time) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	loc := layout.DataLocator()
	keys := make([]string, 0, objectCount)
	for i := uint64(0); i < objectCount; i++ {
		keys = append(keys, ObjectKey(loc, placement.ObjectName(targetID, firstObject+i)))
	}

	for len(keys) > 0 {
		batch := keys
		if len(batch) > deleteBatchSize {
			batch = batch[:deleteBatchSize]
		}
		keys = keys[len(batch):]

		if err := c.deleteBatch(ctx, batch); err != nil {
			return &objectstore.OpError{
				Op:   "DeleteRange",
				Name: placement.ObjectName(targetID, firstObject),
				Pool: layout.PoolID,
				Err:  err,
			}
		}
	}
	return nil
}

func (c *Client) deleteBatch(ctx context.Context, keys []string) error {
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}

	out, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.bucket),
		Delete: &types.Delete{
			Objects: ids,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return err
	}
	for _, e := range out.Errors {
		// NoSuchKey is fine; the object was already gone.
		if e.Code != nil && *e.Code == "NoSuchKey" {
			continue
		}
		return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
	}
	return nil
}

// DeleteObject removes a single named object from the located pool.
func (c *Client) DeleteObject(ctx context.Context, name string, loc placement.PoolLocator, snapc placement.SnapContext, at time.Time) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	key := ObjectKey(loc, name)
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &objectstore.OpError{Op: "DeleteObject", Name: name, Pool: loc.PoolID, Err: err}
	}
	return nil
}

// Close releases the client. Subsequent operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ objectstore.Client = (*Client)(nil)
