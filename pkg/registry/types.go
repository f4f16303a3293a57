// Package registry implements the X-Pkg registry service: packages,
// versions, authors and their storage quota, download analytics, upload
// intake, and the public catalog snapshot.
package registry

import (
	"errors"
	"time"

	"github.com/xpkg-net/registry/pkg/versions"
)

// DefaultAuthorStorage is the storage quota granted to a new author.
const DefaultAuthorStorage int64 = 512 << 20

// Store-level sentinel errors, mapped to machine codes at the HTTP edge.
var (
	ErrNoSuchPackage = errors.New("no such package")
	ErrNoSuchVersion = errors.New("no such version")
	ErrNoSuchAuthor  = errors.New("no such author")
	ErrDuplicate     = errors.New("duplicate record")
	ErrQuotaExceeded = errors.New("author storage quota exceeded")
)

// PackageType classifies what an add-on contains. Executable packages are
// the only kind allowed to ship executable files.
type PackageType string

const (
	PackageAircraft   PackageType = "aircraft"
	PackageScenery    PackageType = "scenery"
	PackagePlugin     PackageType = "plugin"
	PackageLivery     PackageType = "livery"
	PackageExecutable PackageType = "executable"
	PackageOther      PackageType = "other"
)

// ParsePackageType validates a package type string.
func ParsePackageType(s string) (PackageType, bool) {
	switch PackageType(s) {
	case PackageAircraft, PackageScenery, PackagePlugin, PackageLivery, PackageExecutable, PackageOther:
		return PackageType(s), true
	}
	return "", false
}

// Platforms records which host platforms a version supports.
type Platforms struct {
	MacOS   bool `json:"macOS"`
	Windows bool `json:"windows"`
	Linux   bool `json:"linux"`
}

// AnySupported reports whether at least one platform is enabled.
func (p Platforms) AnySupported() bool {
	return p.MacOS || p.Windows || p.Linux
}

// Dependency pairs a full package id with a version selection. The same
// shape serves incompatibility entries.
type Dependency struct {
	ID        string `json:"id"`
	Selection string `json:"selection"`
}

// Package is a registered add-on.
type Package struct {
	PackageID   string
	PackageName string
	AuthorID    string
	AuthorName  string
	PackageType PackageType
	Description string
	CreatedAt   time.Time
}

// Version is one uploaded release of a package, keyed (PackageID,
// VersionString).
type Version struct {
	PackageID         string
	VersionString     string
	Version           versions.Version
	Status            VersionStatus
	IsPublic          bool
	IsStored          bool
	PrivateKey        string
	Dependencies      []Dependency
	Incompatibilities []Dependency
	XPSelection       string
	Platforms         Platforms
	ObjectKey         string
	Hash              string
	Size              int64
	InstalledSize     int64
	Downloads         int64
	UploadDate        time.Time
}

// Author is the registry-side view of an account, carrying the storage
// quota counters. UsedStorage never exceeds TotalStorage.
type Author struct {
	AuthorID     string
	Name         string
	Email        string
	Verified     bool
	UsedStorage  int64
	TotalStorage int64
	CreatedAt    time.Time
}

// DownloadBucket is one hourly analytics bucket.
type DownloadBucket struct {
	PackageID      string    `json:"packageId"`
	PackageVersion string    `json:"packageVersion"`
	Hour           time.Time `json:"timestamp"`
	Downloads      int64     `json:"downloads"`
}
