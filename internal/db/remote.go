package db

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clyso/cbs/internal/fsutil"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/store"
)

// indexFileName holds the mirror index in the mirror root. The leading
// dot keeps it out of the record key namespace.
const indexFileName = ".index.json"

const (
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain; charset=utf-8"
)

// syncState is the watermark record at MarkerKey.
type syncState struct {
	LastUpdated string `json:"last_updated"`
}

// indexEntry records what the mirror holds for one key.
type indexEntry struct {
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// indexFile is the persisted mirror state.
type indexFile struct {
	Marker  string                `json:"marker"`
	Objects map[string]indexEntry `json:"objects"`
}

// SyncStats summarizes one sync pass.
type SyncStats struct {
	// InSync is set when the remote marker matched the cached one and
	// nothing was examined beyond that single read.
	InSync  bool
	Fetched int
	Pruned  int
}

// Remote mirrors the store objects under the database prefix into a
// local filesystem plus an etag index, refreshed by watermark-gated
// syncs. Reads serve from the mirror; writes go to the store and update
// the mirror in the same step.
type Remote struct {
	mu     sync.Mutex
	store  *store.Client
	prefix string
	fs     fsutil.Filesystem
	log    *logging.Logger

	marker string
	index  map[string]indexEntry
	loaded bool
}

// NewRemote creates the tier. The prefix scopes every database key
// inside the bucket; empty means the bucket root.
func NewRemote(client *store.Client, prefix string, fs fsutil.Filesystem, log *logging.Logger) *Remote {
	if log == nil {
		log = logging.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Remote{
		store:  client,
		prefix: prefix,
		fs:     fs,
		log:    log.WithComponent("db.remote"),
		index:  make(map[string]indexEntry),
	}
}

// Sync refreshes the mirror. When the remote marker equals the cached
// one the pass costs a single GET; otherwise the prefix is listed and
// only objects whose etag changed are fetched. Idempotent: a second
// sync with no remote changes does nothing beyond the marker read.
func (r *Remote) Sync(ctx context.Context) (*SyncStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "sync"
	if err := r.loadIndex(); err != nil {
		return nil, err
	}

	remoteMarker, err := r.fetchMarker(ctx)
	if err != nil {
		return nil, err
	}
	if remoteMarker != "" && remoteMarker == r.marker {
		return &SyncStats{InSync: true}, nil
	}

	listing, err := r.store.List(ctx, r.prefix, "")
	if err != nil {
		return nil, newError(op, r.prefix, err)
	}

	stats := &SyncStats{}
	seen := make(map[string]struct{}, len(listing.Objects))
	for _, obj := range listing.Objects {
		key := strings.TrimPrefix(obj.Key, r.prefix)
		if key == "" {
			continue
		}
		seen[key] = struct{}{}

		if entry, ok := r.index[key]; ok && entry.ETag == obj.ETag {
			continue
		}
		data, info, err := r.store.Get(ctx, obj.Key)
		if err != nil {
			return nil, newError(op, key, err)
		}
		if err := r.fs.WriteFile(key, data, recordPerm); err != nil {
			return nil, newError(op, key, err)
		}
		r.index[key] = indexEntry{ETag: info.ETag, LastModified: info.LastModified}
		stats.Fetched++
	}

	for key := range r.index {
		if _, ok := seen[key]; ok {
			continue
		}
		if err := r.fs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("prune failed", "key", key, "error", err)
		}
		delete(r.index, key)
		stats.Pruned++
	}

	r.marker = remoteMarker
	if err := r.saveIndex(); err != nil {
		return nil, err
	}
	r.log.Debug("sync complete", "fetched", stats.Fetched, "pruned", stats.Pruned, "marker", r.marker)
	return stats, nil
}

// Has reports whether the mirror holds the key.
func (r *Remote) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadIndex(); err != nil {
		return false
	}
	_, ok := r.index[key]
	return ok
}

// ETag returns the last synced etag for the key.
func (r *Remote) ETag(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadIndex(); err != nil {
		return "", false
	}
	entry, ok := r.index[key]
	return entry.ETag, ok
}

// Read returns the mirrored bytes for the key.
func (r *Remote) Read(key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "read"
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	if _, ok := r.index[key]; !ok {
		return nil, notFound(op, key)
	}

	data, err := r.fs.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(op, key)
		}
		return nil, newError(op, key, err)
	}
	return data, nil
}

// Keys returns the mirrored keys under a prefix, sorted.
func (r *Remote) Keys(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadIndex(); err != nil {
		return nil
	}
	var out []string
	for key := range r.index {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Fetch reads the key straight from the store, bypassing the mirror,
// and refreshes the mirror with what it finds. Used where a decision
// needs the current remote state rather than the last synced one.
func (r *Remote) Fetch(ctx context.Context, key string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "fetch"
	if err := r.loadIndex(); err != nil {
		return nil, "", err
	}

	data, info, err := r.store.Get(ctx, r.prefix+key)
	if err != nil {
		if store.IsObjectNotFound(err) {
			return nil, "", notFound(op, key)
		}
		return nil, "", newError(op, key, err)
	}

	if err := r.fs.WriteFile(key, data, recordPerm); err != nil {
		return nil, "", newError(op, key, err)
	}
	r.index[key] = indexEntry{ETag: info.ETag, LastModified: info.LastModified}
	if err := r.saveIndex(); err != nil {
		return nil, "", err
	}
	return data, info.ETag, nil
}

// FreshKeys lists the keys under a prefix straight from the store.
func (r *Remote) FreshKeys(ctx context.Context, prefix string) ([]string, error) {
	listing, err := r.store.List(ctx, r.prefix+prefix, "")
	if err != nil {
		return nil, newError("list", prefix, err)
	}

	keys := make([]string, 0, len(listing.Objects))
	for _, obj := range listing.Objects {
		keys = append(keys, strings.TrimPrefix(obj.Key, r.prefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Publish writes the key to the store under the requested precondition
// and, on success, brings the mirror up to date with what was written.
func (r *Remote) Publish(ctx context.Context, key string, data []byte, contentType string, pre store.Precondition) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const op = "publish"
	if err := r.loadIndex(); err != nil {
		return "", err
	}

	etag, err := r.store.Put(ctx, r.prefix+key, data, contentType, pre)
	if err != nil {
		return "", newError(op, key, err)
	}

	if err := r.fs.WriteFile(key, data, recordPerm); err != nil {
		return "", newError(op, key, err)
	}
	r.index[key] = indexEntry{ETag: etag, LastModified: time.Now().UTC()}
	if err := r.saveIndex(); err != nil {
		return "", err
	}
	return etag, nil
}

// WriteMarker rewrites the remote watermark to now, last writer wins,
// and caches it so the next sync short-circuits.
func (r *Remote) WriteMarker(ctx context.Context) (string, error) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	data, err := marshalRecord(syncState{LastUpdated: ts})
	if err != nil {
		return "", newError("write_marker", MarkerKey, err)
	}

	if _, err := r.Publish(ctx, MarkerKey, data, contentTypeJSON, store.None()); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.marker = ts
	err = r.saveIndex()
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	return ts, nil
}

// Marker returns the cached watermark.
func (r *Remote) Marker() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadIndex(); err != nil {
		return ""
	}
	return r.marker
}

func (r *Remote) fetchMarker(ctx context.Context) (string, error) {
	data, _, err := r.store.Get(ctx, r.prefix+MarkerKey)
	if err != nil {
		if store.IsObjectNotFound(err) {
			return "", nil
		}
		return "", newError("sync", MarkerKey, err)
	}

	var state syncState
	if err := json.Unmarshal(data, &state); err != nil {
		// A broken marker only costs a full list pass.
		r.log.Warn("malformed sync marker", "key", MarkerKey, "error", err)
		return "", nil
	}
	return state.LastUpdated, nil
}

// loadIndex must be called with the mutex held.
func (r *Remote) loadIndex() error {
	if r.loaded {
		return nil
	}

	data, err := r.fs.ReadFile(indexFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.loaded = true
			return nil
		}
		return newError("load_index", indexFileName, err)
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		// The index is a cache; a broken one is rebuilt by the next sync.
		r.log.Warn("malformed mirror index, discarding", "error", err)
		r.index = make(map[string]indexEntry)
		r.loaded = true
		return nil
	}

	r.marker = idx.Marker
	r.index = idx.Objects
	if r.index == nil {
		r.index = make(map[string]indexEntry)
	}
	r.loaded = true
	return nil
}

// saveIndex must be called with the mutex held.
func (r *Remote) saveIndex() error {
	data, err := marshalRecord(indexFile{Marker: r.marker, Objects: r.index})
	if err != nil {
		return newError("save_index", indexFileName, err)
	}
	if err := r.fs.WriteFile(indexFileName, data, recordPerm); err != nil {
		return newError("save_index", indexFileName, err)
	}
	return nil
}
