package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xpkg-net/registry/pkg/async"
	"github.com/xpkg-net/registry/pkg/config"
	"github.com/xpkg-net/registry/pkg/jobs"
	"github.com/xpkg-net/registry/pkg/mailer"
	"github.com/xpkg-net/registry/pkg/registry"
	"github.com/xpkg-net/registry/pkg/storage"
)

// errAborted is the internal signal that the coordinator pulled the job.
var errAborted = errors.New("job aborted by coordinator")

// Workers drains the upload queue: each job runs the full packaging
// pipeline on a pool goroutine. Implements the registry's UploadRunner.
type Workers struct {
	store   *registry.Store
	objects *storage.ObjectStore
	mail    mailer.Mailer
	jobsCfg config.JobsConfig
	regCfg  config.RegistryConfig
	log     *logrus.Logger

	pool *async.WorkerPool
}

// NewWorkers starts the packaging pool. Each job gets the coordinator's
// job timeout; the pool caps how many archives unpack concurrently.
func NewWorkers(ctx context.Context, store *registry.Store, objects *storage.ObjectStore, mail mailer.Mailer, jobsCfg config.JobsConfig, regCfg config.RegistryConfig, workers int, log *logrus.Logger) *Workers {
	return &Workers{
		store:   store,
		objects: objects,
		mail:    mail,
		jobsCfg: jobsCfg,
		regCfg:  regCfg,
		log:     log,
		pool:    async.NewWorkerPool(ctx, log, workers, "packaging", jobsCfg.JobTimeout),
	}
}

// Enqueue submits an upload for processing.
func (w *Workers) Enqueue(job registry.UploadJob) error {
	return w.pool.Submit(func(ctx context.Context) error {
		return w.run(ctx, job)
	})
}

// Shutdown drains the pool.
func (w *Workers) Shutdown(timeout time.Duration) error {
	return w.pool.Shutdown(timeout)
}

// runState tracks the side effects a run has committed, so failure and
// abort paths undo exactly what happened.
type runState struct {
	scratch   string
	bucket    string
	objectKey string
	consumed  int64
	uploaded  bool
}

func (w *Workers) run(ctx context.Context, job registry.UploadJob) error {
	log := w.log.WithFields(logrus.Fields{
		"packageId": job.PackageID,
		"version":   job.VersionString,
	})
	db := w.store.DB()

	version, err := w.store.GetVersion(ctx, db, job.PackageID, job.VersionString)
	if err != nil {
		return fmt.Errorf("failed to load version: %w", err)
	}
	pkg, err := w.store.GetPackage(ctx, db, job.PackageID)
	if err != nil {
		return fmt.Errorf("failed to load package: %w", err)
	}
	author, err := w.store.GetAuthor(ctx, db, job.AuthorID)
	if err != nil {
		return fmt.Errorf("failed to load author: %w", err)
	}

	// Register with the coordinator before any externally visible commit,
	// so every run is abortable from the moment it can have effects.
	session, err := jobs.Connect(ctx, w.jobsCfg, w.log, jobs.JobData{
		Type: jobs.JobPackaging,
		Packaging: &jobs.PackagingData{
			PackageID:      job.PackageID,
			PackageVersion: job.VersionString,
		},
	})
	if err != nil {
		log.WithError(err).Error("coordinator unreachable")
		w.finishFailure(ctx, job, pkg, author, &runState{}, registry.StatusFailedServer)
		return err
	}

	st := &runState{}
	defer func() {
		if st.scratch != "" {
			os.RemoveAll(st.scratch)
		}
		os.Remove(job.ArchivePath)
	}()

	err = w.process(ctx, session, job, version, pkg, author, st)
	switch {
	case err == nil:
		log.Info("version processed")
		if err := session.Done(jobs.DoneNormal); err != nil {
			log.WithError(err).Warn("done exchange failed")
		}
		return nil
	case errors.Is(err, errAborted):
		log.Warn("run aborted")
		w.finishAbort(ctx, job, pkg, author, st)
		if err := session.Done(jobs.DoneAborted); err != nil {
			log.WithError(err).Warn("done exchange failed")
		}
		return nil
	default:
		status := registry.StatusFailedServer
		var f *Failure
		if errors.As(err, &f) {
			status = f.Status
		} else {
			log.WithError(err).Error("pipeline run failed")
		}
		w.finishFailure(ctx, job, pkg, author, st, status)
		if err := session.Done(jobs.DoneNormal); err != nil {
			log.WithError(err).Warn("done exchange failed")
		}
		return nil
	}
}

// process runs the pipeline steps in order, checking for abort between
// each. Side effects are recorded in st as they commit.
func (w *Workers) process(ctx context.Context, session *jobs.Session, job registry.UploadJob, version *registry.Version, pkg *registry.Package, author *registry.Author, st *runState) error {
	db := w.store.DB()

	insp, err := InspectArchive(job.ArchivePath)
	if err != nil {
		return err
	}
	if insp.UnzippedSize > w.regCfg.MaxUnzippedBytes {
		return fail(registry.StatusFailedFileTooLarge)
	}
	if insp.MACOSXOnly {
		return fail(registry.StatusFailedMACOSX)
	}
	if err := checkAbort(session); err != nil {
		return err
	}

	st.scratch = filepath.Join(w.regCfg.ScratchDir, "run-"+uuid.NewString())
	root := filepath.Join(st.scratch, "unpacked")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := Extract(job.ArchivePath, root); err != nil {
		return err
	}
	// The staged upload is no longer needed once extracted.
	os.Remove(job.ArchivePath)
	if err := checkAbort(session); err != nil {
		return err
	}

	pkgDir, installed, err := ValidateTree(root, lastSegment(job.PackageID), pkg.PackageType == registry.PackageExecutable)
	if err != nil {
		return err
	}
	if err := checkAbort(session); err != nil {
		return err
	}

	err = WriteArtifactFiles(root, pkgDir, Manifest{
		PackageName:    pkg.PackageName,
		PackageID:      job.PackageID,
		PackageVersion: job.VersionString,
		AuthorID:       job.AuthorID,
		Dependencies:   version.Dependencies,
		Platforms:      version.Platforms,
	}, pkg.PackageType)
	if err != nil {
		return err
	}

	artifact := filepath.Join(st.scratch, "artifact.xpkg")
	if err := ZipTree(root, artifact); err != nil {
		return err
	}
	hash, size, err := HashFile(artifact)
	if err != nil {
		return err
	}
	if err := checkAbort(session); err != nil {
		return err
	}

	// Quota is charged for the stored artifact bytes only.
	if version.IsStored {
		if err := w.store.ConsumeStorage(ctx, db, job.AuthorID, size); err != nil {
			if errors.Is(err, registry.ErrQuotaExceeded) {
				return fail(registry.StatusFailedNotEnoughSpace)
			}
			return err
		}
		st.consumed = size
	}
	if err := checkAbort(session); err != nil {
		return err
	}

	st.bucket = w.objects.Bucket(version.IsPublic, version.IsStored)
	st.objectKey = job.PackageID + "/" + job.VersionString + ".xpkg"
	f, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	err = w.objects.PutObject(ctx, st.bucket, st.objectKey, f, size)
	f.Close()
	if err != nil {
		return err
	}
	st.uploaded = true
	if err := checkAbort(session); err != nil {
		return err
	}

	if err := w.store.MarkProcessed(ctx, db, job.PackageID, job.VersionString, st.objectKey, hash, size, installed); err != nil {
		return err
	}

	body := fmt.Sprintf("Version %s of %s has been processed and published.", job.VersionString, pkg.PackageName)
	if !version.IsStored {
		link, err := w.objects.PresignTempGet(ctx, st.objectKey)
		if err != nil {
			w.log.WithError(err).Error("failed to presign temporary artifact")
		} else {
			body = fmt.Sprintf("%s\n\nYour artifact is available for %s at:\n%s", body, storage.TempLinkTTL, link)
		}
	}
	w.sendMail(author.Email, fmt.Sprintf("%s %s published", pkg.PackageName, job.VersionString), body)
	return nil
}

func (w *Workers) finishAbort(ctx context.Context, job registry.UploadJob, pkg *registry.Package, author *registry.Author, st *runState) {
	w.undo(ctx, job, st)
	err := w.store.TransitionStatus(ctx, w.store.DB(), job.PackageID, job.VersionString, registry.StatusProcessing, registry.StatusAborted)
	if err != nil {
		w.log.WithError(err).Error("failed to record abort")
	}
	w.sendMail(author.Email,
		fmt.Sprintf("%s %s was not published", pkg.PackageName, job.VersionString),
		fmt.Sprintf("Processing of version %s of %s failed: %s.", job.VersionString, pkg.PackageName, registry.StatusAborted.FailureReason()))
}

func (w *Workers) finishFailure(ctx context.Context, job registry.UploadJob, pkg *registry.Package, author *registry.Author, st *runState, status registry.VersionStatus) {
	w.undo(ctx, job, st)
	err := w.store.TransitionStatus(ctx, w.store.DB(), job.PackageID, job.VersionString, registry.StatusProcessing, status)
	if err != nil {
		w.log.WithError(err).Error("failed to record failure")
	}
	w.sendMail(author.Email,
		fmt.Sprintf("%s %s was not published", pkg.PackageName, job.VersionString),
		fmt.Sprintf("Processing of version %s of %s failed: %s.", job.VersionString, pkg.PackageName, status.FailureReason()))
}

// undo rolls back committed side effects in reverse order.
func (w *Workers) undo(ctx context.Context, job registry.UploadJob, st *runState) {
	if st.uploaded {
		if err := w.objects.DeleteObject(ctx, st.bucket, st.objectKey); err != nil {
			w.log.WithError(err).Error("failed to delete artifact")
		}
	}
	if st.consumed > 0 {
		if err := w.store.RefundStorage(ctx, w.store.DB(), job.AuthorID, st.consumed); err != nil {
			w.log.WithError(err).Error("failed to refund storage")
		}
	}
}

func (w *Workers) sendMail(to, subject, body string) {
	async.SafeGo(w.log, "pipeline mail", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.mail.Send(ctx, mailer.Mail{To: to, Subject: subject, Body: body}); err != nil {
			w.log.WithError(err).Error("failed to send mail")
		}
	})
}

func checkAbort(session *jobs.Session) error {
	select {
	case <-session.Aborted():
		return errAborted
	default:
		return nil
	}
}

// lastSegment strips the repository prefix from a full package id, giving
// the directory name contributors must use.
func lastSegment(fullID string) string {
	for i := len(fullID) - 1; i >= 0; i-- {
		if fullID[i] == '/' {
			return fullID[i+1:]
		}
	}
	return fullID
}
