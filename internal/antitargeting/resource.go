// Package antitargeting suppresses creatives tied to sites the user recently
// visited.
package antitargeting

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
)

// ErrNotLoaded is returned by lookups made before the first successful load.
var ErrNotLoaded = errors.New("anti-targeting resource not loaded")

// document is the on-disk JSON layout:
//
//	{"version": 1, "sites": {"<creative set or campaign id>": ["https://example.com", ...]}}
type document struct {
	Version int                 `json:"version"`
	Sites   map[string][]string `json:"sites"`
}

type resourceData struct {
	version int
	sites   map[string]map[string]struct{}
}

// Resource holds the anti-targeting table behind an atomically swapped pointer.
type Resource struct {
	data atomic.Pointer[resourceData]
}

// NewResource returns an unloaded resource.
func NewResource() *Resource {
	return &Resource{}
}

// Load reads and swaps in the resource at path. A failed load keeps the
// previous table.
func (r *Resource) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read anti-targeting resource: %w", err)
	}
	return r.Parse(raw)
}

// Parse decodes raw JSON and swaps it in.
func (r *Resource) Parse(raw []byte) error {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode anti-targeting resource: %w", err)
	}
	data := &resourceData{version: doc.Version, sites: make(map[string]map[string]struct{}, len(doc.Sites))}
	for id, sites := range doc.Sites {
		hosts := make(map[string]struct{}, len(sites))
		for _, s := range sites {
			if h := NormalizeSite(s); h != "" {
				hosts[h] = struct{}{}
			}
		}
		data.sites[id] = hosts
	}
	r.data.Store(data)
	return nil
}

// IsLoaded reports whether a table has been loaded.
func (r *Resource) IsLoaded() bool {
	return r != nil && r.data.Load() != nil
}

// Version returns the loaded table version.
func (r *Resource) Version() (int, error) {
	if !r.IsLoaded() {
		return 0, ErrNotLoaded
	}
	return r.data.Load().version, nil
}

// Sites returns the normalized sites listed for id.
func (r *Resource) Sites(id string) ([]string, error) {
	if !r.IsLoaded() {
		return nil, ErrNotLoaded
	}
	hosts := r.data.Load().sites[id]
	out := make([]string, 0, len(hosts))
	for h := range hosts {
		out = append(out, h)
	}
	return out, nil
}

// ForVisits binds the current table to the sites a user visited. The oracle
// keeps the table it was created with even if the resource reloads.
func (r *Resource) ForVisits(visited []string) *Oracle {
	o := &Oracle{visited: make(map[string]struct{}, len(visited))}
	if r != nil {
		o.data = r.data.Load()
	}
	for _, v := range visited {
		if h := NormalizeSite(v); h != "" {
			o.visited[h] = struct{}{}
		}
	}
	return o
}

// Oracle answers per-request exclusion questions.
type Oracle struct {
	data    *resourceData
	visited map[string]struct{}
}

// IsLoaded reports whether the oracle has a table to consult.
func (o *Oracle) IsLoaded() bool {
	return o != nil && o.data != nil
}

// IsExcluded reports whether any site listed for id was visited.
func (o *Oracle) IsExcluded(id string) bool {
	if !o.IsLoaded() || id == "" || len(o.visited) == 0 {
		return false
	}
	for h := range o.data.sites[id] {
		if _, ok := o.visited[h]; ok {
			return true
		}
	}
	return false
}

// NormalizeSite reduces a URL or bare host to a lower-case host without a
// leading "www.".
func NormalizeSite(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
