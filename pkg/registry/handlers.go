package registry

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/auth"
	"github.com/xpkg-net/registry/pkg/config"
	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/identity"
	"github.com/xpkg-net/registry/pkg/storage"
	"github.com/xpkg-net/registry/pkg/validation"
	"github.com/xpkg-net/registry/pkg/versions"
)

// Analytics window bounds.
const (
	MinAnalyticsWindow = time.Hour
	MaxAnalyticsWindow = 30 * 24 * time.Hour
)

// PrivateKeyLength is the length of the download key a private stored
// version carries.
const PrivateKeyLength = 32

// TokenValidator authenticates bearer tokens and resolves the accounts
// behind them. The identity service satisfies it; both services share the
// primary store.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*identity.Token, error)
	GetAccount(ctx context.Context, userID string) (*identity.User, error)
}

// UploadJob describes one pipeline run over a staged archive.
type UploadJob struct {
	PackageID     string
	VersionString string
	AuthorID      string
	ArchivePath   string
	Retry         bool
}

// UploadRunner accepts pipeline jobs. The pipeline package implements it on
// a bounded worker pool.
type UploadRunner interface {
	Enqueue(job UploadJob) error
}

// Handler exposes the registry service over HTTP.
type Handler struct {
	store     *Store
	objects   *storage.ObjectStore
	validator TokenValidator
	runner    UploadRunner
	catalog   *CatalogGenerator
	cfg       config.RegistryConfig
	log       *logrus.Logger
}

// NewHandler builds the HTTP layer.
func NewHandler(store *Store, objects *storage.ObjectStore, validator TokenValidator, runner UploadRunner, catalog *CatalogGenerator, cfg config.RegistryConfig, log *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		objects:   objects,
		validator: validator,
		runner:    runner,
		catalog:   catalog,
		cfg:       cfg,
		log:       log,
	}
}

// RegisterRoutes attaches registry endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/packages/new", h.NewPackage).Methods(http.MethodPost)
	r.HandleFunc("/packages/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/packages/retry", h.Retry).Methods(http.MethodPost)
	r.HandleFunc("/packages/description", h.UpdateDescription).Methods(http.MethodPatch)
	r.HandleFunc("/packages/incompatibilities", h.UpdateIncompatibilities).Methods(http.MethodPatch)
	r.HandleFunc("/packages/xpselection", h.UpdateXPSelection).Methods(http.MethodPatch)

	r.HandleFunc("/packages/{packageId}/{version}/download", h.Download).Methods(http.MethodGet)
	r.HandleFunc("/analytics/{packageId}/{version}", h.Analytics).Methods(http.MethodGet)

	r.Handle("/catalog", h.catalog).Methods(http.MethodGet)
}

// authenticate validates the bearer token, requiring at least one of the
// given scopes.
func (h *Handler) authenticate(r *http.Request, scopes ...auth.Scope) (*identity.Token, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "missing bearer token")
	}
	token, err := h.validator.ValidateToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	if len(scopes) > 0 && !auth.HasAnyScope(token.Permissions, scopes...) {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "insufficient scope")
	}
	return token, nil
}

// ownedPackage loads a package and checks the caller owns it. Ownership
// failures are indistinguishable from missing packages.
func (h *Handler) ownedPackage(ctx context.Context, authorID, packageID string) (*Package, error) {
	id, err := validation.ValidatePackageID(packageID)
	if err != nil {
		return nil, err
	}
	pkg, err := h.store.GetPackage(ctx, h.store.DB(), id)
	if errors.Is(err, ErrNoSuchPackage) {
		return nil, httputil.NewCodedError(http.StatusNotFound, httputil.CodeNotFound, "no such package")
	}
	if err != nil {
		return nil, err
	}
	if pkg.AuthorID != authorID {
		return nil, httputil.NewCodedError(http.StatusUnauthorized, httputil.CodeUnauthorized, "package owned by another author")
	}
	return pkg, nil
}

type newPackageRequest struct {
	PackageID   string `json:"packageId"`
	PackageName string `json:"packageName"`
	PackageType string `json:"packageType"`
	Description string `json:"description"`
}

// NewPackage registers a package for the calling author.
func (h *Handler) NewPackage(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryCreatePackage)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req newPackageRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	id, err := validation.ValidatePackageID(req.PackageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	if err := validation.ValidatePackageName(req.PackageName); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	pkgType, ok := ParsePackageType(req.PackageType)
	if !ok {
		httputil.WriteBadRequest(w, httputil.CodeInvalidName)
		return
	}

	account, err := h.validator.GetAccount(r.Context(), token.UserID)
	if err != nil {
		h.log.WithError(err).Error("account lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if err := h.store.EnsureAuthor(r.Context(), h.store.DB(), token.UserID, account.Name, account.Email); err != nil {
		h.log.WithError(err).Error("author provisioning failed")
		httputil.WriteInternalError(w)
		return
	}

	err = h.store.CreatePackage(r.Context(), h.store.DB(), &Package{
		PackageID:   id,
		PackageName: req.PackageName,
		AuthorID:    token.UserID,
		PackageType: pkgType,
		Description: req.Description,
		CreatedAt:   time.Now(),
	})
	if errors.Is(err, ErrDuplicate) {
		if strings.HasSuffix(err.Error(), "name") {
			httputil.WriteBadRequest(w, httputil.CodeNameInUse)
		} else {
			httputil.WriteBadRequest(w, httputil.CodeIDInUse)
		}
		return
	}
	if err != nil {
		h.log.WithError(err).Error("package creation failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, map[string]string{"packageId": id})
}

// uploadMeta is the metadata part of the multipart upload body.
type uploadMeta struct {
	PackageID         string       `json:"packageId"`
	PackageVersion    string       `json:"packageVersion"`
	IsPublic          bool         `json:"isPublic"`
	IsPrivate         bool         `json:"isPrivate"`
	IsStored          bool         `json:"isStored"`
	Platforms         Platforms    `json:"platforms"`
	Dependencies      []Dependency `json:"dependencies"`
	Incompatibilities []Dependency `json:"incompatibilities"`
	XPSelection       string       `json:"xpSelection"`
}

// Upload accepts an archive, runs the synchronous pre-checks, records the
// version as processing, and hands the archive to a pipeline worker. The
// client gets its 204 before any processing happens.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryUploadVersion)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeNoFile)
		return
	}

	var meta uploadMeta
	if err := json.Unmarshal([]byte(r.FormValue("metadata")), &meta); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	pkg, err := h.ownedPackage(r.Context(), token.UserID, meta.PackageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	ver, err := versions.Parse(meta.PackageVersion)
	if err != nil {
		httputil.WriteBadRequest(w, httputil.CodeInvalidVersion)
		return
	}
	if meta.IsPublic == meta.IsPrivate || (meta.IsPublic && !meta.IsStored) {
		httputil.WriteBadRequest(w, httputil.CodeInvalidAccessConfig)
		return
	}
	if !meta.Platforms.AnySupported() {
		httputil.WriteBadRequest(w, httputil.CodePlatSupp)
		return
	}

	deps, incs, err := NormalizeDependencyLists(pkg.PackageID, meta.Dependencies, meta.Incompatibilities)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	xpSelection := "*"
	if meta.XPSelection != "" {
		sel, err := versions.ParseSelection(meta.XPSelection)
		if err != nil {
			httputil.WriteBadRequest(w, httputil.CodeInvalidSelection)
			return
		}
		xpSelection = sel.String()
	}

	archivePath, err := h.stageArchive(r)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	privateKey := ""
	if !meta.IsPublic && meta.IsStored {
		privateKey, err = auth.RandomAlphanumeric(PrivateKeyLength)
		if err != nil {
			os.Remove(archivePath)
			httputil.WriteInternalError(w)
			return
		}
	}

	version := &Version{
		PackageID:         pkg.PackageID,
		VersionString:     ver.MinString(),
		Version:           ver,
		Status:            StatusProcessing,
		IsPublic:          meta.IsPublic,
		IsStored:          meta.IsStored,
		PrivateKey:        privateKey,
		Dependencies:      deps,
		Incompatibilities: incs,
		XPSelection:       xpSelection,
		Platforms:         meta.Platforms,
		UploadDate:        time.Now(),
	}
	if err := h.store.CreateVersion(r.Context(), h.store.DB(), version); err != nil {
		os.Remove(archivePath)
		if errors.Is(err, ErrDuplicate) {
			httputil.WriteBadRequest(w, httputil.CodeVersionExists)
			return
		}
		h.log.WithError(err).Error("version creation failed")
		httputil.WriteInternalError(w)
		return
	}

	if err := h.runner.Enqueue(UploadJob{
		PackageID:     pkg.PackageID,
		VersionString: version.VersionString,
		AuthorID:      token.UserID,
		ArchivePath:   archivePath,
	}); err != nil {
		h.log.WithError(err).Error("failed to enqueue pipeline job")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

// Retry re-runs the pipeline for a version stuck in a failure state.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryRetryVersion)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeNoFile)
		return
	}

	packageID := r.FormValue("packageId")
	versionString := r.FormValue("packageVersion")

	pkg, err := h.ownedPackage(r.Context(), token.UserID, packageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	version, err := h.store.GetVersion(r.Context(), h.store.DB(), pkg.PackageID, versionString)
	if errors.Is(err, ErrNoSuchVersion) {
		httputil.WriteBadRequest(w, httputil.CodeVersionNotExist)
		return
	}
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	if !version.Status.IsFailure() {
		httputil.WriteBadRequest(w, httputil.CodeCantRetry)
		return
	}

	archivePath, err := h.stageArchive(r)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	if err := h.store.RefreshUpload(r.Context(), h.store.DB(), pkg.PackageID, version.VersionString, version.Status); err != nil {
		os.Remove(archivePath)
		h.log.WithError(err).Error("retry transition failed")
		httputil.WriteBadRequest(w, httputil.CodeCantRetry)
		return
	}

	if err := h.runner.Enqueue(UploadJob{
		PackageID:     pkg.PackageID,
		VersionString: version.VersionString,
		AuthorID:      token.UserID,
		ArchivePath:   archivePath,
		Retry:         true,
	}); err != nil {
		h.log.WithError(err).Error("failed to enqueue retry job")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteNoContent(w)
}

// stageArchive copies the uploaded file part into the scratch directory.
func (h *Handler) stageArchive(r *http.Request) (string, error) {
	file, _, err := r.FormFile("file")
	if err != nil {
		return "", httputil.NewCodedError(http.StatusBadRequest, httputil.CodeNoFile, "missing file part")
	}
	defer file.Close()

	path := filepath.Join(h.cfg.ScratchDir, "upload-"+uuid.NewString()+".zip")
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to stage archive: %w", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write staged archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close staged archive: %w", err)
	}
	return path, nil
}

type descriptionRequest struct {
	PackageID   string `json:"packageId"`
	Description string `json:"description"`
}

// UpdateDescription replaces a package description, owner only.
func (h *Handler) UpdateDescription(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryUpdateDescription)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req descriptionRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	if err := validation.ValidateDescription(req.Description); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	pkg, err := h.ownedPackage(r.Context(), token.UserID, req.PackageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	if err := h.store.UpdateDescription(r.Context(), h.store.DB(), pkg.PackageID, req.Description); err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type incompatibilitiesRequest struct {
	PackageID         string       `json:"packageId"`
	PackageVersion    string       `json:"packageVersion"`
	Dependencies      []Dependency `json:"dependencies"`
	Incompatibilities []Dependency `json:"incompatibilities"`
}

// UpdateIncompatibilities revalidates and replaces both dependency lists.
func (h *Handler) UpdateIncompatibilities(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryUpdateIncompatibilities)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req incompatibilitiesRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}

	pkg, err := h.ownedPackage(r.Context(), token.UserID, req.PackageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	deps, incs, err := NormalizeDependencyLists(pkg.PackageID, req.Dependencies, req.Incompatibilities)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	err = h.store.UpdateIncompatibilities(r.Context(), h.store.DB(), pkg.PackageID, req.PackageVersion, deps, incs)
	if errors.Is(err, ErrNoSuchVersion) {
		httputil.WriteBadRequest(w, httputil.CodeVersionNotExist)
		return
	}
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

type xpSelectionRequest struct {
	PackageID      string `json:"packageId"`
	PackageVersion string `json:"packageVersion"`
	XPSelection    string `json:"xpSelection"`
}

// UpdateXPSelection replaces the host application selection of a version.
func (h *Handler) UpdateXPSelection(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryUpdateXPSelection)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	var req xpSelectionRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, httputil.CodeBadLen)
		return
	}
	sel, err := versions.ParseSelection(req.XPSelection)
	if err != nil {
		httputil.WriteBadRequest(w, httputil.CodeInvalidSelection)
		return
	}

	pkg, err := h.ownedPackage(r.Context(), token.UserID, req.PackageID)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	err = h.store.UpdateXPSelection(r.Context(), h.store.DB(), pkg.PackageID, req.PackageVersion, sel.String())
	if errors.Is(err, ErrNoSuchVersion) {
		httputil.WriteBadRequest(w, httputil.CodeVersionNotExist)
		return
	}
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// Download streams a processed artifact and records the hourly analytics
// bucket in the same transaction as the counter bump. Private stored
// versions require the private key.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	packageID, err := validation.ValidatePackageID(vars["packageId"])
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}
	versionString := vars["version"]

	version, err := h.store.GetVersion(r.Context(), h.store.DB(), packageID, versionString)
	if errors.Is(err, ErrNoSuchVersion) {
		httputil.WriteNotFound(w, httputil.CodeVersionNotExist)
		return
	}
	if err != nil {
		httputil.WriteInternalError(w)
		return
	}
	if version.Status != StatusProcessed || !version.IsStored {
		httputil.WriteNotFound(w, httputil.CodeVersionNotExist)
		return
	}
	if !version.IsPublic {
		key := r.URL.Query().Get("privateKey")
		if subtle.ConstantTimeCompare([]byte(key), []byte(version.PrivateKey)) != 1 {
			httputil.WriteNotFound(w, httputil.CodeVersionNotExist)
			return
		}
	}

	err = storage.WithTx(r.Context(), h.store.DB(), func(tx *sql.Tx) error {
		return h.store.RecordDownload(r.Context(), tx, packageID, versionString, time.Now())
	})
	if err != nil {
		h.log.WithError(err).Error("failed to record download")
		httputil.WriteInternalError(w)
		return
	}

	bucket := h.objects.Bucket(version.IsPublic, version.IsStored)
	body, size, err := h.objects.GetObject(r.Context(), bucket, version.ObjectKey)
	if err != nil {
		h.log.WithError(err).Error("artifact fetch failed")
		httputil.WriteInternalError(w)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", packageID+"-"+versionString+".xpkg"))
	io.Copy(w, body)
}

// Analytics returns hourly download buckets for a window of 1 hour to 30
// days, owner only.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	token, err := h.authenticate(r, auth.ScopeDeveloperPortal, auth.ScopeRegistryViewAnalytics)
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	vars := mux.Vars(r)
	pkg, err := h.ownedPackage(r.Context(), token.UserID, vars["packageId"])
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	after, before, err := analyticsWindow(r.URL.Query().Get("after"), r.URL.Query().Get("before"))
	if err != nil {
		httputil.WriteCodedError(w, err)
		return
	}

	buckets, err := h.store.ListDownloads(r.Context(), h.store.DB(), pkg.PackageID, vars["version"], after, before)
	if err != nil {
		h.log.WithError(err).Error("analytics query failed")
		httputil.WriteInternalError(w)
		return
	}
	if buckets == nil {
		buckets = []DownloadBucket{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"downloads": buckets})
}

// analyticsWindow parses and validates the [after, before] query window,
// rounding both ends down to the UTC hour.
func analyticsWindow(afterStr, beforeStr string) (time.Time, time.Time, error) {
	var zero time.Time
	before := time.Now()
	after := before.Add(-24 * time.Hour)

	if afterStr != "" {
		t, err := time.Parse(time.RFC3339, afterStr)
		if err != nil {
			return zero, zero, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeBadAfterDate, "unparseable after date")
		}
		after = t
	}
	if beforeStr != "" {
		t, err := time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			return zero, zero, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeBadBeforeDate, "unparseable before date")
		}
		before = t
	}

	if !after.Before(before) {
		return zero, zero, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeBadDateCombo, "after must precede before")
	}
	diff := before.Sub(after)
	if diff < MinAnalyticsWindow {
		return zero, zero, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeShortDiff, "window shorter than one hour")
	}
	if diff > MaxAnalyticsWindow {
		return zero, zero, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeLongDiff, "window longer than thirty days")
	}
	return after.UTC().Truncate(time.Hour), before.UTC().Truncate(time.Hour), nil
}
