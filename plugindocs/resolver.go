// Package plugindocs resolves plugin documentation records for the loop's
// request_docs step. Records live as YAML files in a directory, keyed by slug
// with an optional pinned version, and resolved records are cached in memory
// because the loop may ask for the same slug across iterations.
package plugindocs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lexcodex/loopsmith/loop"
)

// DirResolver loads doc records from a directory of YAML files.
type DirResolver struct {
	root  string
	mu    sync.RWMutex
	cache map[string]*loop.DocRecord
}

// NewDirResolver builds a resolver rooted at the provided directory.
func NewDirResolver(root string) (*DirResolver, error) {
	if root == "" {
		return nil, errors.New("docs root required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("docs root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("docs root %s is not a directory", root)
	}
	return &DirResolver{root: root, cache: make(map[string]*loop.DocRecord)}, nil
}

// GetDocs implements loop.DocResolver. A missing record is reported as
// absent, not as an error.
func (r *DirResolver) GetDocs(ctx context.Context, slug, version, displayName string) (*loop.DocRecord, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}
	slug = sanitizeSlug(slug)
	if slug == "" {
		return nil, false, nil
	}
	key := cacheKey(slug, version)
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, true, nil
	}
	record, found, err := r.load(slug, version)
	if err != nil || !found {
		return nil, false, err
	}
	if record.DisplayName == "" {
		record.DisplayName = displayName
	}
	r.mu.Lock()
	r.cache[key] = record
	r.mu.Unlock()
	return record, true, nil
}

// load reads the versioned file first and falls back to the unversioned one.
func (r *DirResolver) load(slug, version string) (*loop.DocRecord, bool, error) {
	candidates := []string{slug + ".yaml"}
	if version != "" {
		candidates = append([]string{slug + "@" + version + ".yaml"}, candidates...)
	}
	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(r.root, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, false, err
		}
		var record loop.DocRecord
		if err := yaml.Unmarshal(data, &record); err != nil {
			return nil, false, fmt.Errorf("doc record %s: %w", name, err)
		}
		if record.Slug == "" {
			record.Slug = slug
		}
		return &record, true, nil
	}
	return nil, false, nil
}

// sanitizeSlug keeps lookups inside the docs directory.
func sanitizeSlug(slug string) string {
	slug = strings.TrimSpace(strings.ToLower(slug))
	if strings.ContainsAny(slug, "/\\.") {
		return ""
	}
	return slug
}

func cacheKey(slug, version string) string {
	if version == "" {
		return slug
	}
	return slug + "@" + version
}

// StaticResolver serves records from memory. Tests and single-binary demos
// use it instead of a docs directory.
type StaticResolver struct {
	Records map[string]*loop.DocRecord
}

// GetDocs implements loop.DocResolver.
func (s *StaticResolver) GetDocs(ctx context.Context, slug, version, displayName string) (*loop.DocRecord, bool, error) {
	record, ok := s.Records[sanitizeSlug(slug)]
	return record, ok, nil
}
