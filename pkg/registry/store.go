package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/xpkg-net/registry/pkg/storage"
	"github.com/xpkg-net/registry/pkg/versions"
)

// Store persists registry records. Methods take a storage.Querier so
// transactional callers can pass their handle through.
type Store struct {
	db *sql.DB
}

// NewStore wraps the shared connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for callers that open their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// EnsureAuthor creates the registry-side author row on first contact.
func (s *Store) EnsureAuthor(ctx context.Context, q storage.Querier, authorID, name, email string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO authors (author_id, name, email, storage_quota, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (author_id) DO NOTHING`,
		authorID, name, email, DefaultAuthorStorage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to ensure author: %w", err)
	}
	return nil
}

// GetAuthor fetches an author row.
func (s *Store) GetAuthor(ctx context.Context, q storage.Querier, authorID string) (*Author, error) {
	var a Author
	err := q.QueryRowContext(ctx,
		`SELECT author_id, name, email, verified, storage_used, storage_quota, created_at
		 FROM authors WHERE author_id = $1`, authorID).
		Scan(&a.AuthorID, &a.Name, &a.Email, &a.Verified, &a.UsedStorage, &a.TotalStorage, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchAuthor
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get author: %w", err)
	}
	return &a, nil
}

// ConsumeStorage performs the check-and-increment of the author quota. The
// guarded UPDATE keeps 0 <= used <= total without a read-modify-write race.
func (s *Store) ConsumeStorage(ctx context.Context, q storage.Querier, authorID string, size int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE authors SET storage_used = storage_used + $1
		 WHERE author_id = $2 AND storage_used + $1 <= storage_quota`,
		size, authorID)
	if err != nil {
		return fmt.Errorf("failed to consume storage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrQuotaExceeded
	}
	return nil
}

// RefundStorage returns quota after a failed or removed version, clamping
// at zero.
func (s *Store) RefundStorage(ctx context.Context, q storage.Querier, authorID string, size int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE authors SET storage_used = GREATEST(storage_used - $1, 0) WHERE author_id = $2`,
		size, authorID)
	if err != nil {
		return fmt.Errorf("failed to refund storage: %w", err)
	}
	return nil
}

// packageNameIndex is the unique index on LOWER(package_name). Its name
// tells an insert-time unique violation apart from a package id collision.
const packageNameIndex = "packages_name_lower_idx"

// CreatePackage registers a package. The EXISTS probe gives the common
// duplicate-name case a cheap answer; the unique index on the lower-cased
// name closes the window between the probe and the insert, so concurrent
// creates of names differing only by case cannot both land.
func (s *Store) CreatePackage(ctx context.Context, q storage.Querier, p *Package) error {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM packages WHERE LOWER(package_name) = LOWER($1))`,
		p.PackageName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check package name: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: name", ErrDuplicate)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO packages (package_id, package_name, author_id, package_type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.PackageID, p.PackageName, p.AuthorID, string(p.PackageType), p.Description, p.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
		if pqErr.Constraint == packageNameIndex {
			return fmt.Errorf("%w: name", ErrDuplicate)
		}
		return fmt.Errorf("%w: id", ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}

// GetPackage fetches a package with its author name joined in.
func (s *Store) GetPackage(ctx context.Context, q storage.Querier, packageID string) (*Package, error) {
	var p Package
	var pkgType string
	err := q.QueryRowContext(ctx,
		`SELECT p.package_id, p.package_name, p.author_id, a.name, p.package_type, p.description, p.created_at
		 FROM packages p JOIN authors a ON a.author_id = p.author_id
		 WHERE p.package_id = $1`, packageID).
		Scan(&p.PackageID, &p.PackageName, &p.AuthorID, &p.AuthorName, &pkgType, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchPackage
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	p.PackageType = PackageType(pkgType)
	return &p, nil
}

// UpdateDescription replaces a package description.
func (s *Store) UpdateDescription(ctx context.Context, q storage.Querier, packageID, description string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE packages SET description = $1 WHERE package_id = $2`, description, packageID)
	if err != nil {
		return fmt.Errorf("failed to update description: %w", err)
	}
	return requireRow(res, ErrNoSuchPackage)
}

const versionColumns = `package_id, version_string, status, is_public, is_stored, private_key,
	dependencies, incompatibilities, xp_selection, plat_macos, plat_windows, plat_linux,
	object_key, hash_sha256, size_bytes, installed_size, downloads, uploaded_at`

// CreateVersion inserts a fresh version row in its initial status.
func (s *Store) CreateVersion(ctx context.Context, q storage.Querier, v *Version) error {
	deps, err := json.Marshal(v.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	incs, err := json.Marshal(v.Incompatibilities)
	if err != nil {
		return fmt.Errorf("failed to marshal incompatibilities: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO versions (package_id, version_string, version_value, status, is_public, is_stored,
			private_key, dependencies, incompatibilities, xp_selection,
			plat_macos, plat_windows, plat_linux, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		v.PackageID, v.VersionString, v.Version.Value(), string(v.Status), v.IsPublic, v.IsStored,
		v.PrivateKey, string(deps), string(incs), v.XPSelection,
		v.Platforms.MacOS, v.Platforms.Windows, v.Platforms.Linux, v.UploadDate)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

func scanVersion(row *sql.Row) (*Version, error) {
	var v Version
	var status, deps, incs string
	err := row.Scan(&v.PackageID, &v.VersionString, &status, &v.IsPublic, &v.IsStored, &v.PrivateKey,
		&deps, &incs, &v.XPSelection, &v.Platforms.MacOS, &v.Platforms.Windows, &v.Platforms.Linux,
		&v.ObjectKey, &v.Hash, &v.Size, &v.InstalledSize, &v.Downloads, &v.UploadDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSuchVersion
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}
	v.Status = VersionStatus(status)
	if parsed, perr := versions.Parse(v.VersionString); perr == nil {
		v.Version = parsed
	}
	if err := json.Unmarshal([]byte(deps), &v.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(incs), &v.Incompatibilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal incompatibilities: %w", err)
	}
	return &v, nil
}

// GetVersion fetches a version row.
func (s *Store) GetVersion(ctx context.Context, q storage.Querier, packageID, versionString string) (*Version, error) {
	return scanVersion(q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE package_id = $1 AND version_string = $2`,
		packageID, versionString))
}

// TransitionStatus moves a version along an allowed status edge. The
// current status travels in the WHERE clause, making the transition
// linearizable per version.
func (s *Store) TransitionStatus(ctx context.Context, q storage.Querier, packageID, versionString string, from, to VersionStatus) error {
	if err := TransitionVersion(from, to); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET status = $1 WHERE package_id = $2 AND version_string = $3 AND status = $4`,
		string(to), packageID, versionString, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition version status: %w", err)
	}
	return requireRow(res, ErrNoSuchVersion)
}

// MarkProcessed records the terminal success state with artifact facts.
func (s *Store) MarkProcessed(ctx context.Context, q storage.Querier, packageID, versionString, objectKey, hash string, size, installedSize int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET status = $1, object_key = $2, hash_sha256 = $3, size_bytes = $4, installed_size = $5
		 WHERE package_id = $6 AND version_string = $7 AND status = $8`,
		string(StatusProcessed), objectKey, hash, size, installedSize,
		packageID, versionString, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark version processed: %w", err)
	}
	return requireRow(res, ErrNoSuchVersion)
}

// RefreshUpload flips a failed version back to processing for a retry.
func (s *Store) RefreshUpload(ctx context.Context, q storage.Querier, packageID, versionString string, from VersionStatus) error {
	if err := TransitionVersion(from, StatusProcessing); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET status = $1, uploaded_at = $2 WHERE package_id = $3 AND version_string = $4 AND status = $5`,
		string(StatusProcessing), time.Now(), packageID, versionString, string(from))
	if err != nil {
		return fmt.Errorf("failed to refresh upload: %w", err)
	}
	return requireRow(res, ErrNoSuchVersion)
}

// UpdateIncompatibilities replaces both dependency lists after revalidation.
func (s *Store) UpdateIncompatibilities(ctx context.Context, q storage.Querier, packageID, versionString string, deps, incompatibilities []Dependency) error {
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	incsJSON, err := json.Marshal(incompatibilities)
	if err != nil {
		return fmt.Errorf("failed to marshal incompatibilities: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET dependencies = $1, incompatibilities = $2 WHERE package_id = $3 AND version_string = $4`,
		string(depsJSON), string(incsJSON), packageID, versionString)
	if err != nil {
		return fmt.Errorf("failed to update incompatibilities: %w", err)
	}
	return requireRow(res, ErrNoSuchVersion)
}

// UpdateXPSelection replaces the host application selection.
func (s *Store) UpdateXPSelection(ctx context.Context, q storage.Querier, packageID, versionString, selection string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET xp_selection = $1 WHERE package_id = $2 AND version_string = $3`,
		selection, packageID, versionString)
	if err != nil {
		return fmt.Errorf("failed to update xp selection: %w", err)
	}
	return requireRow(res, ErrNoSuchVersion)
}

// RecordDownload bumps the version counter and the hourly analytics bucket
// inside the caller's transaction.
func (s *Store) RecordDownload(ctx context.Context, q storage.Querier, packageID, versionString string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE versions SET downloads = downloads + 1 WHERE package_id = $1 AND version_string = $2`,
		packageID, versionString)
	if err != nil {
		return fmt.Errorf("failed to bump version downloads: %w", err)
	}
	if err := requireRow(res, ErrNoSuchVersion); err != nil {
		return err
	}

	hour := at.UTC().Truncate(time.Hour)
	_, err = q.ExecContext(ctx,
		`INSERT INTO downloads (package_id, package_version, hour, count) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (package_id, package_version, hour) DO UPDATE SET count = downloads.count + 1`,
		packageID, versionString, hour)
	if err != nil {
		return fmt.Errorf("failed to bump download bucket: %w", err)
	}
	return nil
}

// ListDownloads returns the hourly buckets in [after, before].
func (s *Store) ListDownloads(ctx context.Context, q storage.Querier, packageID, versionString string, after, before time.Time) ([]DownloadBucket, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT package_id, package_version, hour, count FROM downloads
		 WHERE package_id = $1 AND package_version = $2 AND hour >= $3 AND hour <= $4
		 ORDER BY hour`,
		packageID, versionString, after.UTC().Truncate(time.Hour), before.UTC().Truncate(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var buckets []DownloadBucket
	for rows.Next() {
		var b DownloadBucket
		if err := rows.Scan(&b.PackageID, &b.PackageVersion, &b.Hour, &b.Downloads); err != nil {
			return nil, fmt.Errorf("failed to scan download bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// CatalogEntry pairs a package with its published versions for the
// snapshot generator.
type CatalogEntry struct {
	Package  Package
	Versions []Version
}

// ListPublishedVersions returns every public processed version grouped by
// package, ordered by package id then version.
func (s *Store) ListPublishedVersions(ctx context.Context, q storage.Querier) ([]CatalogEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT p.package_id, p.package_name, p.author_id, a.name, p.package_type, p.description, p.created_at,
			v.version_string, v.dependencies, v.incompatibilities, v.xp_selection,
			v.plat_macos, v.plat_windows, v.plat_linux
		 FROM versions v
		 JOIN packages p ON p.package_id = v.package_id
		 JOIN authors a ON a.author_id = p.author_id
		 WHERE v.is_public AND v.status = $1
		 ORDER BY p.package_id, v.version_value`,
		string(StatusProcessed))
	if err != nil {
		return nil, fmt.Errorf("failed to list published versions: %w", err)
	}
	defer rows.Close()

	var entries []CatalogEntry
	for rows.Next() {
		var p Package
		var v Version
		var pkgType, deps, incs string
		if err := rows.Scan(&p.PackageID, &p.PackageName, &p.AuthorID, &p.AuthorName, &pkgType,
			&p.Description, &p.CreatedAt,
			&v.VersionString, &deps, &incs, &v.XPSelection,
			&v.Platforms.MacOS, &v.Platforms.Windows, &v.Platforms.Linux); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		p.PackageType = PackageType(pkgType)
		if err := json.Unmarshal([]byte(deps), &v.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
		if err := json.Unmarshal([]byte(incs), &v.Incompatibilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal incompatibilities: %w", err)
		}

		if len(entries) > 0 && entries[len(entries)-1].Package.PackageID == p.PackageID {
			last := &entries[len(entries)-1]
			last.Versions = append(last.Versions, v)
			continue
		}
		entries = append(entries, CatalogEntry{Package: p, Versions: []Version{v}})
	}
	return entries, rows.Err()
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
