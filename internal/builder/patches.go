package builder

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// versionBuckets returns the patch directory names that apply to a
// release version, least specific first. For "17.2.6-1" that is all/,
// 17/, 17.2/ and 17.2.6-1/.
func versionBuckets(version string) []string {
	buckets := []string{"all"}
	add := func(b string) {
		if b == "" {
			return
		}
		for _, have := range buckets {
			if have == b {
				return
			}
		}
		buckets = append(buckets, b)
	}
	base, _, _ := strings.Cut(version, "-")
	seg := strings.Split(base, ".")
	add(seg[0])
	if len(seg) > 1 {
		add(seg[0] + "." + seg[1])
	}
	add(version)
	return buckets
}

// componentPatches returns the local patch files for one component in
// application order: hierarchy buckets least specific first, filename
// order within a bucket so version-specific patches land on top of
// general ones. Missing bucket directories contribute nothing.
func componentPatches(patchesDir, component, version string) ([]string, error) {
	if patchesDir == "" {
		return nil, nil
	}
	var files []string
	for _, bucket := range versionBuckets(version) {
		dir := filepath.Join(patchesDir, component, bucket)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".patch") {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}
