package s3mock

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/clyso/cbs/internal/store/s3api"
)

type object struct {
	data         []byte
	etag         string
	lastModified time.Time
}

// Backend is a stateful in-memory stand-in for the S3 API with real
// conditional-write semantics. Several adapter clients may share one
// backend, which lets tests replay the precondition races the database
// layer must survive.
type Backend struct {
	mu      sync.Mutex
	objects map[string]object

	// PageSize forces ListObjectsV2 pagination when positive.
	PageSize int

	gets, puts, lists int
	putLog            []string
}

var _ s3api.S3API = (*Backend)(nil)

// NewBackend creates an empty backend.
func NewBackend() *Backend {
	return &Backend{objects: make(map[string]object)}
}

// Seed stores an object directly, bypassing preconditions.
func (b *Backend) Seed(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.put(key, data)
}

// Remove deletes an object directly.
func (b *Backend) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
}

// ETagOf returns the stored etag for key.
func (b *Backend) ETagOf(key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	return obj.etag, ok
}

// DataOf returns a copy of the stored bytes for key.
func (b *Backend) DataOf(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Keys returns every stored key, sorted.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counts reports how many Get, Put, and List calls the backend served.
func (b *Backend) Counts() (gets, puts, lists int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets, b.puts, b.lists
}

// ResetCounts zeroes the call counters.
func (b *Backend) ResetCounts() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets, b.puts, b.lists = 0, 0, 0
}

// PutLog returns the keys of every successful PutObject call in order.
func (b *Backend) PutLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.putLog...)
}

// GetObject implements s3api.S3API.
func (b *Backend) GetObject(
	_ context.Context,
	params *s3.GetObjectInput,
	_ ...func(*s3.Options),
) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++

	obj, ok := b.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(string(obj.data))),
		ETag:          aws.String(`"` + obj.etag + `"`),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.lastModified),
	}, nil
}

// PutObject implements s3api.S3API, honoring IfNoneMatch and IfMatch.
func (b *Backend) PutObject(
	_ context.Context,
	params *s3.PutObjectInput,
	_ ...func(*s3.Options),
) (*s3.PutObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++

	key := aws.ToString(params.Key)
	cur, exists := b.objects[key]

	if aws.ToString(params.IfNoneMatch) == "*" && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "object exists"}
	}
	if ifMatch := aws.ToString(params.IfMatch); ifMatch != "" {
		if !exists || strings.Trim(ifMatch, `"`) != cur.etag {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag mismatch"}
		}
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	obj := b.put(key, data)
	b.putLog = append(b.putLog, key)
	return &s3.PutObjectOutput{ETag: aws.String(`"` + obj.etag + `"`)}, nil
}

// ListObjectsV2 implements s3api.S3API with prefix and delimiter
// handling plus continuation-token pagination when PageSize is set.
func (b *Backend) ListObjectsV2(
	_ context.Context,
	params *s3.ListObjectsV2Input,
	_ ...func(*s3.Options),
) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var contents []string
	prefixSet := map[string]struct{}{}
	for _, k := range keys {
		if delimiter != "" {
			rest := strings.TrimPrefix(k, prefix)
			if i := strings.Index(rest, delimiter); i >= 0 {
				prefixSet[prefix+rest[:i+len(delimiter)]] = struct{}{}
				continue
			}
		}
		contents = append(contents, k)
	}

	start := 0
	if tok := aws.ToString(params.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := len(contents)
	truncated := false
	if b.PageSize > 0 && start+b.PageSize < end {
		end = start + b.PageSize
		truncated = true
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(truncated)}
	for _, k := range contents[start:end] {
		obj := b.objects[k]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(k),
			ETag:         aws.String(`"` + obj.etag + `"`),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.lastModified),
		})
	}
	// Common prefixes go out with the first page only.
	if start == 0 {
		commonPrefixes := make([]string, 0, len(prefixSet))
		for p := range prefixSet {
			commonPrefixes = append(commonPrefixes, p)
		}
		sort.Strings(commonPrefixes)
		for _, p := range commonPrefixes {
			out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(p)})
		}
	}
	if truncated {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// put must be called with the mutex held.
func (b *Backend) put(key string, data []byte) object {
	sum := md5.Sum(data)
	obj := object{
		data:         append([]byte(nil), data...),
		etag:         hex.EncodeToString(sum[:]),
		lastModified: time.Now().UTC(),
	}
	b.objects[key] = obj
	return obj
}
