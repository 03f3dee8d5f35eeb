package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive stores archived snapshots in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archive creates an S3-backed archive from configuration. Credentials
// are resolved through the default AWS chain.
func NewS3Archive(cfg ArchiveConfig) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 archive backend")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) key(name string) string {
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// Put uploads an object.
func (a *S3Archive) Put(name string, data []byte) error {
	_, err := a.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put archive object %s: %w", name, err)
	}
	return nil
}

// Get downloads an object.
func (a *S3Archive) Get(name string) ([]byte, error) {
	output, err := a.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get archive object %s: %w", name, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object %s: %w", name, err)
	}
	return data, nil
}

// Delete removes an object.
func (a *S3Archive) Delete(name string) error {
	_, err := a.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete archive object %s: %w", name, err)
	}
	return nil
}

// List returns stored object names under the configured prefix.
func (a *S3Archive) List() ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to list archive objects: %w", err)
		}
		for _, object := range page.Contents {
			names = append(names, aws.ToString(object.Key))
		}
	}
	return names, nil
}
