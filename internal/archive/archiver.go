// Package archive moves finished recordings from the media provider into
// object storage: fetch, upload, and only then delete at the provider.
package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/objectstore"
	"github.com/soyeahso/voxgate/internal/restclient"
	"github.com/soyeahso/voxgate/internal/rooms"
	"github.com/soyeahso/voxgate/internal/store"
)

// Source is the part of the media provider the archiver needs.
type Source interface {
	ListRecordings(ctx context.Context, roomName string) ([]rooms.RecordingInfo, error)
	RecordingLink(ctx context.Context, recordingID string) (string, error)
	DeleteRecording(ctx context.Context, recordingID string) error
}

// Ledger records recording state and the archive event log.
type Ledger interface {
	Get(ctx context.Context, id string) (domain.Recording, error)
	Save(ctx context.Context, rec domain.Recording) error
	ListBySession(ctx context.Context, sessionID string) ([]domain.Recording, error)
	AppendEvent(ctx context.Context, ev store.ArchiveEvent) error
}

// Archiver runs the fetch, upload, delete pipeline for single recordings.
type Archiver struct {
	source Source
	store  objectstore.Store
	ledger Ledger
	http   *http.Client
	cfg    config.ArchiveConfig
	log    *logging.Logger

	// inflight serializes runs for the same recording.
	mu       sync.Mutex
	inflight map[string]*recordingLock
}

type recordingLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an archiver. fetch is the client used to download recordings;
// nil selects a retrying client with one retry.
func New(cfg config.ArchiveConfig, source Source, objects objectstore.Store, ledger Ledger, fetch *http.Client, log *logging.Logger) *Archiver {
	l := log.Sub("archive")
	if fetch == nil {
		fetch = restclient.Standard(1, l)
	}
	return &Archiver{
		source: source,
		store:  objects,
		ledger: ledger,
		http:   fetch,
		cfg:    cfg,
		log:    l,

		inflight: make(map[string]*recordingLock),
	}
}

// ObjectKey is the storage key for a recording.
func (a *Archiver) ObjectKey(sessionID, recordingID string) string {
	return fmt.Sprintf("%s%s_%s%s", a.cfg.Prefix, sessionID, recordingID, a.cfg.Extension)
}

// Archive runs the pipeline for one recording. A recording the ledger already
// holds as archived is not uploaded again; only a pending provider delete is
// retried. A provider delete failure is logged and does not fail the call.
func (a *Archiver) Archive(ctx context.Context, rec domain.Recording) (domain.ArchivedRecording, error) {
	log := a.log.With(rec.SessionID, "archive")
	unlock := a.lock(rec.ID)
	defer unlock()

	rec, err := a.load(ctx, rec)
	if err != nil {
		return domain.ArchivedRecording{}, err
	}
	result := domain.ArchivedRecording{
		RecordingID: rec.ID,
		SessionID:   rec.SessionID,
		Bucket:      rec.Bucket,
		Key:         rec.Key,
	}

	switch rec.State {
	case domain.RecordingDeleted:
		a.event(ctx, rec, store.ArchiveSkipped, "already deleted at provider")
		result.Skipped, result.Deleted = true, true
		return result, nil
	case domain.RecordingArchived:
		a.event(ctx, rec, store.ArchiveSkipped, "already archived")
		result.Skipped = true
		result.Deleted = a.deleteAtProvider(ctx, &rec, log)
		return result, nil
	case domain.RecordingUploading:
		// Left behind by an interrupted run.
		rec.State = domain.RecordingAvailable
	}

	rec.Attempts++
	if err := a.transfer(ctx, &rec, log); err != nil {
		rec.Error = err.Error()
		if saveErr := a.ledger.Save(ctx, rec); saveErr != nil {
			log.Error().Err(saveErr).Str("recording", rec.ID).Msg("failed to persist recording state")
		}
		return domain.ArchivedRecording{}, err
	}

	result.Deleted = a.deleteAtProvider(ctx, &rec, log)
	log.Info().Str("recording", rec.ID).Str("bucket", rec.Bucket).Str("key", rec.Key).
		Bool("deleted", result.Deleted).Msg("recording archived")
	return result, nil
}

func (a *Archiver) lock(id string) func() {
	a.mu.Lock()
	l, ok := a.inflight[id]
	if !ok {
		l = &recordingLock{}
		a.inflight[id] = l
	}
	l.refs++
	a.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		a.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.inflight, id)
		}
		a.mu.Unlock()
	}
}

// load merges rec with its ledger row, creating the row on first sight.
func (a *Archiver) load(ctx context.Context, rec domain.Recording) (domain.Recording, error) {
	stored, err := a.ledger.Get(ctx, rec.ID)
	switch {
	case err == nil:
		if rec.URL != "" {
			stored.URL = rec.URL
		}
		return stored, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return rec, domain.NewError(domain.KindInternal, "archive.load", err).WithSession(rec.SessionID, "archive")
	}

	rec.State = domain.RecordingAvailable
	rec.Bucket = a.cfg.BucketFor(rec.BotType)
	rec.Key = a.ObjectKey(rec.SessionID, rec.ID)
	if err := a.ledger.Save(ctx, rec); err != nil {
		return rec, domain.NewError(domain.KindInternal, "archive.load", err).WithSession(rec.SessionID, "archive")
	}
	return rec, nil
}

// transfer streams the provider copy into object storage. On return without
// error the recording is archived in the ledger.
func (a *Archiver) transfer(ctx context.Context, rec *domain.Recording, log *logging.Logger) error {
	if rec.URL == "" {
		link, err := a.source.RecordingLink(ctx, rec.ID)
		if err != nil {
			a.event(ctx, *rec, store.ArchiveFetchFailed, err.Error())
			return a.fail(domain.KindFetchFailed, "archive.fetch", rec, err)
		}
		rec.URL = link
	}

	a.event(ctx, *rec, store.ArchiveFetchStarted, "")
	fetchCtx, cancelFetch := withTimeout(ctx, a.cfg.FetchTimeout)
	defer cancelFetch()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, rec.URL, nil)
	if err != nil {
		a.event(ctx, *rec, store.ArchiveFetchFailed, err.Error())
		return a.fail(domain.KindFetchFailed, "archive.fetch", rec, err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		a.event(ctx, *rec, store.ArchiveFetchFailed, err.Error())
		return a.fail(domain.KindFetchFailed, "archive.fetch", rec, err)
	}
	defer resp.Body.Close()
	if !restclient.Success(resp.StatusCode) {
		detail := fmt.Sprintf("status %d: %s", resp.StatusCode, restclient.ErrorBody(resp.Body))
		a.event(ctx, *rec, store.ArchiveFetchFailed, detail)
		return a.fail(domain.KindFetchFailed, "archive.fetch", rec, errors.New(detail))
	}

	if err := rec.Advance(domain.RecordingUploading); err != nil {
		return domain.NewError(domain.KindInternal, "archive.upload", err).WithSession(rec.SessionID, "upload")
	}
	if err := a.ledger.Save(ctx, *rec); err != nil {
		log.Warn().Err(err).Str("recording", rec.ID).Msg("failed to persist uploading state")
	}
	a.event(ctx, *rec, store.ArchiveUploadStarted, rec.Bucket+"/"+rec.Key)

	uploadCtx, cancelUpload := withTimeout(ctx, a.cfg.UploadTimeout)
	defer cancelUpload()

	size := resp.ContentLength
	if err := a.store.Put(uploadCtx, rec.Bucket, rec.Key, resp.Body, size, a.contentType(resp)); err != nil {
		a.event(ctx, *rec, store.ArchiveUploadFailed, err.Error())
		rec.State = domain.RecordingAvailable
		return a.fail(domain.KindUploadFailed, "archive.upload", rec, err)
	}

	if err := rec.Advance(domain.RecordingArchived); err != nil {
		return domain.NewError(domain.KindInternal, "archive.upload", err).WithSession(rec.SessionID, "upload")
	}
	rec.Error = ""
	if err := a.ledger.Save(ctx, *rec); err != nil {
		return domain.NewError(domain.KindInternal, "archive.upload", err).WithSession(rec.SessionID, "upload")
	}
	a.event(ctx, *rec, store.ArchiveUploadConfirmed, rec.Bucket+"/"+rec.Key)
	return nil
}

// deleteAtProvider removes the provider copy of an archived recording and
// reports whether it is gone.
func (a *Archiver) deleteAtProvider(ctx context.Context, rec *domain.Recording, log *logging.Logger) bool {
	if rec.State != domain.RecordingArchived {
		return rec.State == domain.RecordingDeleted
	}

	a.event(ctx, *rec, store.ArchiveDeleteIssued, "")
	err := a.source.DeleteRecording(ctx, rec.ID)
	var apiErr *rooms.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.NotFound()) {
		cleanupErr := domain.NewError(domain.KindCleanupFailed, "archive.delete", err).WithSession(rec.SessionID, "delete")
		a.event(ctx, *rec, store.ArchiveCleanupFailed, err.Error())
		log.Warn().Err(cleanupErr).Str("recording", rec.ID).Msg("provider delete failed; archived copy kept")
		return false
	}

	if err := rec.Advance(domain.RecordingDeleted); err != nil {
		log.Error().Err(err).Str("recording", rec.ID).Msg("recording state")
		return false
	}
	if err := a.ledger.Save(ctx, *rec); err != nil {
		log.Warn().Err(err).Str("recording", rec.ID).Msg("failed to persist deleted state")
	}
	a.event(ctx, *rec, store.ArchiveDeleted, "")
	return true
}

func (a *Archiver) fail(kind domain.ErrorKind, op string, rec *domain.Recording, err error) error {
	return domain.NewError(kind, op, fmt.Errorf("recording %s: %w", rec.ID, err)).WithSession(rec.SessionID, string(kind))
}

func (a *Archiver) event(ctx context.Context, rec domain.Recording, name, detail string) {
	ev := store.ArchiveEvent{RecordingID: rec.ID, SessionID: rec.SessionID, Event: name, Detail: detail}
	if err := a.ledger.AppendEvent(ctx, ev); err != nil {
		a.log.Warn().Err(err).Str("session", rec.SessionID).Str("event", name).Msg("failed to append archive event")
	}
}

func (a *Archiver) contentType(resp *http.Response) string {
	if a.cfg.ContentType != "" {
		return a.cfg.ContentType
	}
	return resp.Header.Get("Content-Type")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
