// Package archiveupload ships a finished pack archive to an S3-compatible
// bucket, for sites that centralize capture artifacts rather than leaving
// them on the capturing host.
package archiveupload

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Target names where a finished archive should land.
type Target struct {
	Bucket          string
	Key             string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// Upload streams the archive at localPath to t.Bucket/t.Key.
func Upload(ctx context.Context, t Target, localPath string) error {
	if t.Bucket == "" || t.Key == "" {
		return fmt.Errorf("archiveupload: bucket and key are required")
	}

	optFns := []func(*awsconfig.LoadOptions) error{}
	if t.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(t.Region))
	}
	if t.AccessKeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(t.AccessKeyID, t.SecretAccessKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return fmt.Errorf("archiveupload: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if t.Endpoint != "" {
			o.BaseEndpoint = &t.Endpoint
		}
	})

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archiveupload: opening %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &t.Bucket,
		Key:    &t.Key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archiveupload: uploading %s to s3://%s/%s: %w", localPath, t.Bucket, t.Key, err)
	}
	return nil
}
