package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
	"github.com/dandi/backups2datalad/pkg/retry"
)

// S3ObjectStore is the concrete ObjectStore adapter against any
// S3-compatible endpoint (AWS proper, or a custom endpoint for
// self-hosted backups).
type S3ObjectStore struct {
	client *s3.Client
}

// NewS3ObjectStore builds an S3ObjectStore. endpoint is optional; leave
// empty to use AWS's default resolution for region.
func NewS3ObjectStore(ctx context.Context, region, endpoint, accessKeyID, secretAccessKey string) (*S3ObjectStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3ObjectStore{client: client}, nil
}

func (s *S3ObjectStore) ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (Page, error) {
	log := dandilog.WithComponent("objectstore")
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if continuationToken != "" {
		input.ContinuationToken = aws.String(continuationToken)
	}

	var out *s3.ListObjectsV2Output
	err := retry.Do(ctx, "s3.list_objects", func() error {
		var callErr error
		out, callErr = s.client.ListObjectsV2(ctx, input)
		if callErr != nil {
			metrics.S3RequestsTotal.WithLabelValues("list_objects", "error").Inc()
			return fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, callErr)
		}
		metrics.S3RequestsTotal.WithLabelValues("list_objects", "ok").Inc()
		return nil
	})
	if err != nil {
		log.Error().Str("bucket", bucket).Str("prefix", prefix).Err(err).Msg("list_objects failed")
		return Page{}, err
	}

	page := Page{Objects: make([]Object, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, Object{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
			LastModified: aws.ToTime(obj.LastModified),
			IsLatest:     true,
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.ContinuationToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

func (s *S3ObjectStore) ListObjectVersions(ctx context.Context, bucket, prefix, keyMarker, versionIDMarker string) (Page, error) {
	log := dandilog.WithComponent("objectstore")
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if keyMarker != "" {
		input.KeyMarker = aws.String(keyMarker)
	}
	if versionIDMarker != "" {
		input.VersionIdMarker = aws.String(versionIDMarker)
	}

	var out *s3.ListObjectVersionsOutput
	err := retry.Do(ctx, "s3.list_object_versions", func() error {
		var callErr error
		out, callErr = s.client.ListObjectVersions(ctx, input)
		if callErr != nil {
			metrics.S3RequestsTotal.WithLabelValues("list_object_versions", "error").Inc()
			return fmt.Errorf("listing versions of s3://%s/%s: %w", bucket, prefix, callErr)
		}
		metrics.S3RequestsTotal.WithLabelValues("list_object_versions", "ok").Inc()
		return nil
	})
	if err != nil {
		log.Error().Str("bucket", bucket).Str("prefix", prefix).Err(err).Msg("list_object_versions failed")
		return Page{}, err
	}

	page := Page{Objects: make([]Object, 0, len(out.Versions)+len(out.DeleteMarkers))}
	for _, v := range out.Versions {
		page.Objects = append(page.Objects, Object{
			Key:          aws.ToString(v.Key),
			Size:         aws.ToInt64(v.Size),
			ETag:         strings.Trim(aws.ToString(v.ETag), `"`),
			LastModified: aws.ToTime(v.LastModified),
			IsLatest:     aws.ToBool(v.IsLatest),
			VersionID:    aws.ToString(v.VersionId),
		})
	}
	for _, m := range out.DeleteMarkers {
		page.Objects = append(page.Objects, Object{
			Key:          aws.ToString(m.Key),
			LastModified: aws.ToTime(m.LastModified),
			IsLatest:     aws.ToBool(m.IsLatest),
			VersionID:    aws.ToString(m.VersionId),
			DeleteMarker: true,
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextKeyMarker = aws.ToString(out.NextKeyMarker)
		page.NextVersionIDMarker = aws.ToString(out.NextVersionIdMarker)
	}
	return page, nil
}
