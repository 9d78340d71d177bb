package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config also works for S3-compatible stores (MinIO, R2) via Endpoint.
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// S3Queue stores entries as objects under Prefix.
type S3Queue struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Queue(ctx context.Context, cfg S3Config) (*S3Queue, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("dlq: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("dlq: region is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dlq: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "dlq/"
	}
	return &S3Queue{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

func (q *S3Queue) Push(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	key := path.Join(q.prefix, e.At.Format("2006/01/02"), e.ID+".json")
	_, err = q.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(q.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("dlq: put object %s: %w", key, err)
	}
	return nil
}

func (q *S3Queue) Depth(ctx context.Context) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(q.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(q.bucket),
		Prefix: aws.String(q.prefix),
	})
	n := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("dlq: list objects: %w", err)
		}
		n += len(page.Contents)
	}
	return n, nil
}

// Ping checks the bucket is reachable.
func (q *S3Queue) Ping(ctx context.Context) error {
	_, err := q.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(q.bucket)})
	return err
}
