package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xpkg-net/registry/pkg/registry"
)

// Manifest is the metadata file written into every artifact. Installers
// read it instead of querying the registry.
type Manifest struct {
	ManifestVersion int                   `json:"manifestVersion"`
	PackageName     string                `json:"packageName"`
	PackageID       string                `json:"packageId"`
	PackageVersion  string                `json:"packageVersion"`
	AuthorID        string                `json:"authorId"`
	Dependencies    []registry.Dependency `json:"dependencies"`
	Platforms       registry.Platforms    `json:"platforms"`
}

// manifestVersion is the current manifest schema revision.
const manifestVersion = 1

var scriptNames = []string{"install.ska", "uninstall.ska", "upgrade.ska"}

// defaultScripts holds the fallback install scripts per package type.
// Executables get a permission fix-up step the other types do not need.
var defaultScripts = map[registry.PackageType]map[string]string{
	registry.PackageExecutable: {
		"install.ska":   "context install\nsetperm executable\ncopy .\n",
		"uninstall.ska": "context uninstall\nremove .\n",
		"upgrade.ska":   "context upgrade\nsetperm executable\nreplace .\n",
	},
}

// genericScripts serve every package type without an explicit entry.
var genericScripts = map[string]string{
	"install.ska":   "context install\ncopy .\n",
	"uninstall.ska": "context uninstall\nremove .\n",
	"upgrade.ska":   "context upgrade\nreplace .\n",
}

func scriptFor(pkgType registry.PackageType, name string) string {
	if set, ok := defaultScripts[pkgType]; ok {
		if body, ok := set[name]; ok {
			return body
		}
	}
	return genericScripts[name]
}

// WriteArtifactFiles places the manifest and install scripts at the
// artifact root, next to the package directory. Contributor-supplied
// scripts found at the top of the package directory are lifted to the
// root; anything missing is filled from the per-type defaults.
func WriteArtifactFiles(artifactRoot, packageDir string, m Manifest, pkgType registry.PackageType) error {
	if m.Dependencies == nil {
		m.Dependencies = []registry.Dependency{}
	}
	m.ManifestVersion = manifestVersion

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(artifactRoot, "manifest.json"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	for _, name := range scriptNames {
		dst := filepath.Join(artifactRoot, name)
		supplied := filepath.Join(packageDir, name)
		if _, err := os.Lstat(supplied); err == nil {
			if err := os.Rename(supplied, dst); err != nil {
				return fmt.Errorf("failed to lift %s: %w", name, err)
			}
			continue
		}
		if err := os.WriteFile(dst, []byte(scriptFor(pkgType, name)), 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
