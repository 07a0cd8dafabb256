package db

import (
	"context"
	"fmt"

	"github.com/patrickwarner/adengine/internal/models"
)

// CatalogLoader fetches the full creative catalog from its source.
type CatalogLoader interface {
	LoadCreatives(ctx context.Context) ([]models.CreativeAd, error)
}

// FileLoader loads the catalog from a YAML file on every call.
type FileLoader struct {
	Path string
}

// LoadCreatives implements CatalogLoader.
func (f FileLoader) LoadCreatives(ctx context.Context) ([]models.CreativeAd, error) {
	return LoadCatalogFile(f.Path)
}

// Reload fetches the catalog and swaps it into c. Malformed creatives are
// kept; the eligibility pipeline drops them per request. The number of
// creatives loaded is returned.
func Reload(ctx context.Context, c *Catalog, loader CatalogLoader) (int, error) {
	creatives, err := loader.LoadCreatives(ctx)
	if err != nil {
		return 0, fmt.Errorf("load catalog: %w", err)
	}
	c.Swap(creatives)
	return len(creatives), nil
}
