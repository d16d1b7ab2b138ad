// Package storage resolves output paths and writes generated images to disk.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultExt is appended to requested paths that have no extension.
const DefaultExt = ".png"

// maxCollisionRetries bounds how many suffixed names are tried for one image.
const maxCollisionRetries = 8

// Resolver picks a fresh destination for every image of a request.
//
// Without a requested path, images go to Dir as
// <YYYYMMDD-HHMMSS>_<request-id>_<NN>.png. A requested path is used as given
// for a single image; for batches an _NN index suffix is added before the
// extension. A requested path naming an existing directory (or ending in a
// separator) is treated as the output directory.
//
// A resolved path never names an existing file or a path already handed out by
// this Resolver. On collision an 8-character uuid suffix is appended.
type Resolver struct {
	Dir       string
	BatchSize int

	requestID string
	stamp     string
	newID     func() string

	mu     sync.Mutex
	issued map[string]bool
}

// NewResolver creates a resolver for one request. requestID labels generated
// file names; an empty requestID gets a fresh uuid.
func NewResolver(dir string, batchSize int, requestID string) *Resolver {
	if dir == "" {
		dir = "."
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Resolver{
		Dir:       dir,
		BatchSize: batchSize,
		requestID: shortID(requestID),
		stamp:     time.Now().Format("20060102-150405"),
		newID:     func() string { return shortID(uuid.NewString()) },
		issued:    make(map[string]bool),
	}
}

// Resolve returns the destination for the image at index.
func (r *Resolver) Resolve(index int, requested string) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("invalid image index %d", index)
	}

	var base string
	switch {
	case requested == "":
		base = filepath.Join(r.Dir, r.generatedName(index))
	case isDirTarget(requested):
		base = filepath.Join(requested, r.generatedName(index))
	default:
		base = requested
		if filepath.Ext(base) == "" {
			base += DefaultExt
		}
		if r.BatchSize > 1 {
			base = withSuffix(base, fmt.Sprintf("_%02d", index))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := base
	for i := 0; i <= maxCollisionRetries; i++ {
		taken, err := r.taken(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			r.issued[candidate] = true
			return candidate, nil
		}
		candidate = withSuffix(base, "_"+r.newID())
	}
	return "", fmt.Errorf("no free file name near %s after %d attempts", base, maxCollisionRetries)
}

func (r *Resolver) generatedName(index int) string {
	return fmt.Sprintf("%s_%s_%02d%s", r.stamp, r.requestID, index, DefaultExt)
}

// taken reports whether path is already issued or exists on disk.
func (r *Resolver) taken(path string) (bool, error) {
	if r.issued[path] {
		return true, nil
	}
	_, err := os.Lstat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("check %s: %w", path, err)
	}
}

func isDirTarget(p string) bool {
	if strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator)) {
		return true
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
