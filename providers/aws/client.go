package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 API the client needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client mirrors result artifacts into an S3 bucket
type Client struct {
	s3Client ObjectPutter
	bucket   string
	prefix   string
}

// NewClient creates an S3 client from the default AWS credential chain
func NewClient(ctx context.Context, region, bucket, prefix string) (*Client, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewClientWithAPI wraps an existing S3 API implementation
func NewClientWithAPI(api ObjectPutter, bucket, prefix string) *Client {
	return &Client{
		s3Client: api,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Upload stores body under prefix/key and returns the s3:// URI
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	objectKey := path.Join(c.prefix, key)
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(objectKey),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", c.bucket, objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucket, objectKey), nil
}
