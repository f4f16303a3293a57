package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// CatalogSnapshot is the unauthenticated read path for catalog consumers.
type CatalogSnapshot struct {
	Generated time.Time        `json:"generated"`
	Packages  []CatalogPackage `json:"packages"`
}

// CatalogPackage is one package entry with its published versions.
type CatalogPackage struct {
	PackageID   string           `json:"packageId"`
	PackageName string           `json:"packageName"`
	AuthorID    string           `json:"authorId"`
	AuthorName  string           `json:"authorName"`
	Description string           `json:"description"`
	PackageType PackageType      `json:"packageType"`
	Versions    []CatalogVersion `json:"versions"`
}

// CatalogVersion is the published subset of a version row.
type CatalogVersion struct {
	Version           string       `json:"version"`
	Dependencies      []Dependency `json:"dependencies"`
	Incompatibilities []Dependency `json:"incompatibilities"`
	XPlaneSelection   string       `json:"xplaneSelection"`
	Platforms         Platforms    `json:"platforms"`
}

// CatalogGenerator rebuilds the snapshot file at a fixed interval from all
// public processed versions. Packages without a published version never
// appear.
type CatalogGenerator struct {
	store *Store
	log   *logrus.Logger
	path  string
}

// NewCatalogGenerator wires the generator; run Generate from cron.
func NewCatalogGenerator(store *Store, log *logrus.Logger, path string) *CatalogGenerator {
	return &CatalogGenerator{store: store, log: log, path: path}
}

// Generate queries published versions and atomically rewrites the snapshot
// file via a temp file and rename.
func (g *CatalogGenerator) Generate(ctx context.Context) error {
	entries, err := g.store.ListPublishedVersions(ctx, g.store.DB())
	if err != nil {
		return fmt.Errorf("failed to load published versions: %w", err)
	}

	snapshot := CatalogSnapshot{
		Generated: time.Now().UTC(),
		Packages:  make([]CatalogPackage, 0, len(entries)),
	}
	for _, entry := range entries {
		pkg := CatalogPackage{
			PackageID:   entry.Package.PackageID,
			PackageName: entry.Package.PackageName,
			AuthorID:    entry.Package.AuthorID,
			AuthorName:  entry.Package.AuthorName,
			Description: entry.Package.Description,
			PackageType: entry.Package.PackageType,
			Versions:    make([]CatalogVersion, 0, len(entry.Versions)),
		}
		for _, v := range entry.Versions {
			deps := v.Dependencies
			if deps == nil {
				deps = []Dependency{}
			}
			incs := v.Incompatibilities
			if incs == nil {
				incs = []Dependency{}
			}
			pkg.Versions = append(pkg.Versions, CatalogVersion{
				Version:           v.VersionString,
				Dependencies:      deps,
				Incompatibilities: incs,
				XPlaneSelection:   v.XPSelection,
				Platforms:         v.Platforms,
			})
		}
		snapshot.Packages = append(snapshot.Packages, pkg)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.path), ".catalog-*")
	if err != nil {
		return fmt.Errorf("failed to create catalog temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close catalog temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), g.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish catalog: %w", err)
	}

	g.log.WithField("packages", len(snapshot.Packages)).Debug("catalog snapshot generated")
	return nil
}

// ServeHTTP serves the current snapshot file unauthenticated.
func (g *CatalogGenerator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, g.path)
}
