// Package store exposes S3-compatible object storage as a flat key to bytes
// map with three operations: get, put with optional etag preconditions, and
// transparently paginated prefix listing. The adapter performs no retries and
// keeps no cache; correctness comes from the backing store's per-key
// conditional-write atomicity.
package store

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
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/clyso/cbs/internal/store/s3api"
)

// ObjectInfo describes one stored object. ETags are normalized with
// surrounding quotes stripped.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Listing is the result of a prefix listing.
type Listing struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
}

// Client is the object store adapter.
type Client struct {
	api    s3api.S3API
	bucket string
}

// New creates a client against real object storage.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Bucket == "" {
		return nil, NewError("new", fmt.Errorf("bucket is required: %w", ErrInvalidInput))
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(options.Region),
	}
	if options.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				options.AccessKeyID, options.SecretAccessKey, options.SessionToken)))
	}
	if options.HTTPTimeout > 0 {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(&http.Client{
			Timeout: options.HTTPTimeout,
		}))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, NewError("new", fmt.Errorf("load aws config: %w", err))
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
		}
		o.UsePathStyle = options.ForcePathStyle
	})

	return &Client{api: client, bucket: options.Bucket}, nil
}

// NewWithClient creates a client with an injected S3 API implementation.
// For tests.
func NewWithClient(api s3api.S3API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// Bucket returns the bucket this client targets.
func (c *Client) Bucket() string { return c.bucket }

// Get retrieves an object. A missing key yields ErrObjectNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if key == "" {
		return nil, ObjectInfo{}, NewObjectError("get", c.bucket, key, ErrInvalidInput)
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ObjectInfo{}, NewObjectError("get", c.bucket, key, mapGetError(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, ObjectInfo{}, NewObjectError("get", c.bucket, key, fmt.Errorf("read body: %w", err))
	}

	return data, ObjectInfo{
		Key:          key,
		ETag:         cleanETag(aws.ToString(out.ETag)),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Put stores an object under key, honoring the supplied precondition, and
// returns the new etag. Precondition violations surface as
// ErrObjectAlreadyExists (if-absent) or ErrEtagMismatch (if-match).
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string, pre Precondition) (string, error) {
	if key == "" {
		return "", NewObjectError("put", c.bucket, key, ErrInvalidInput)
	}

	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	switch pre.kind {
	case preIfAbsent:
		in.IfNoneMatch = aws.String("*")
	case preIfMatch:
		if pre.etag == "" {
			return "", NewObjectError("put", c.bucket, key, fmt.Errorf("if-match with empty etag: %w", ErrInvalidInput))
		}
		in.IfMatch = aws.String(pre.etag)
	}

	out, err := c.api.PutObject(ctx, in)
	if err != nil {
		return "", NewObjectError("put", c.bucket, key, mapPutError(err, pre))
	}
	return cleanETag(aws.ToString(out.ETag)), nil
}

// List enumerates objects under prefix, following continuation tokens until
// the listing is complete. With a delimiter, keys below it are rolled up into
// CommonPrefixes.
func (c *Client) List(ctx context.Context, prefix, delimiter string) (*Listing, error) {
	listing := &Listing{}
	var token *string

	for {
		in := &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			ContinuationToken: token,
		}
		if prefix != "" {
			in.Prefix = aws.String(prefix)
		}
		if delimiter != "" {
			in.Delimiter = aws.String(delimiter)
		}

		out, err := c.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, NewObjectError("list", c.bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			listing.Objects = append(listing.Objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				ETag:         cleanETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		for _, cp := range out.CommonPrefixes {
			listing.CommonPrefixes = append(listing.CommonPrefixes, aws.ToString(cp.Prefix))
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	return listing, nil
}

// mapGetError converts SDK get failures into adapter sentinels.
func mapGetError(err error) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		}
	}
	return err
}

// mapPutError converts SDK conditional-write failures into adapter sentinels.
// S3 answers 412 for both precondition modes; the requested mode decides
// which sentinel applies.
func mapPutError(err error, pre Precondition) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		if pre.kind == preIfAbsent {
			return fmt.Errorf("%w (%s): %w", ErrObjectAlreadyExists, pre, err)
		}
		if pre.kind == preIfMatch {
			return fmt.Errorf("%w (%s): %w", ErrEtagMismatch, pre, err)
		}
	}
	return err
}

func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}
