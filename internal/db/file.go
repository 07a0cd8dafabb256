package db

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/patrickwarner/adengine/internal/models"
)

// catalogFile is the on-disk layout of a YAML catalog.
type catalogFile struct {
	Creatives []models.CreativeAd `yaml:"creatives"`
}

// LoadCatalogFile reads creatives from a YAML file.
func LoadCatalogFile(path string) ([]models.CreativeAd, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(raw []byte) ([]models.CreativeAd, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return f.Creatives, nil
}
