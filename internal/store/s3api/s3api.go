// Package s3api defines the S3 operations the object store adapter consumes.
// Isolating the interface keeps the AWS SDK out of the adapter's tests.
package s3api

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API captures the subset of the S3 client the adapter uses.
type S3API interface {
	// GetObject retrieves an object from S3.
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)

	// PutObject uploads an object to S3.
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)

	// ListObjectsV2 lists objects in an S3 bucket.
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}
