package rulestore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror replicates rule files to an S3-compatible bucket as Store.Stage
// writes them, whether or not their version is later committed, giving a
// rule bundle a durable, off-node copy beyond the node's local disk and
// bbolt index. Upload failures are logged by the caller (see
// Store.Stage) and never block local commitment.
type S3Mirror struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Mirror configures an S3Mirror against an S3-compatible endpoint,
// following the same client-construction pattern as the node's other
// S3-backed storage paths (shared config, static credentials, custom
// endpoint resolution).
func NewS3Mirror(ctx context.Context, endpoint, region, accessKey, secretKey, bucket string) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("rulestore: load s3 mirror config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Mirror{bucket: bucket, uploader: manager.NewUploader(client)}, nil
}

// Put uploads one rule file's bytes under a key that mirrors its local
// RuleFolder.<version>/<operation>/<service>-ControlNodeRules.ruleml.xml
// layout.
func (m *S3Mirror) Put(version, operation, service string, data []byte) error {
	key := fmt.Sprintf("RuleFolder.%s/%s/%s-ControlNodeRules.ruleml.xml", version, operation, service)
	_, err := m.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("rulestore: mirror upload %s: %w", key, err)
	}
	return nil
}
