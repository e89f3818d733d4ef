package store

import "time"

// Options configures the object store client.
type Options struct {
	// Bucket is the bucket all operations target. Required.
	Bucket string

	// Region is the AWS region.
	Region string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string

	// ForcePathStyle enables path-style addressing, required by most
	// S3-compatible stores.
	ForcePathStyle bool

	// Static credentials. When unset the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// HTTPTimeout bounds each HTTP request.
	HTTPTimeout time.Duration
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithBucket sets the target bucket.
func WithBucket(bucket string) Option {
	return func(o *Options) {
		o.Bucket = bucket
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(o *Options) {
		o.Region = region
	}
}

// WithEndpoint sets a custom S3 endpoint.
func WithEndpoint(endpoint string) Option {
	return func(o *Options) {
		o.Endpoint = endpoint
	}
}

// WithForcePathStyle enables path-style addressing.
func WithForcePathStyle(force bool) Option {
	return func(o *Options) {
		o.ForcePathStyle = force
	}
}

// WithStaticCredentials sets static credentials, bypassing the default chain.
func WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken string) Option {
	return func(o *Options) {
		o.AccessKeyID = accessKeyID
		o.SecretAccessKey = secretAccessKey
		o.SessionToken = sessionToken
	}
}

// WithHTTPTimeout bounds each HTTP request.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.HTTPTimeout = timeout
	}
}

func defaultOptions() *Options {
	return &Options{
		Region:      "us-east-1",
		HTTPTimeout: 30 * time.Second,
	}
}
