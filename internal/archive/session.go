package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/store"
)

var (
	// ErrNoRecordings means the provider listed nothing for the room yet.
	ErrNoRecordings = errors.New("no recordings listed for room")
	// ErrNotReady means at least one recording is still being processed.
	ErrNotReady = errors.New("recording not ready")
)

// ArchiveSession archives every recording the provider lists for a room.
// Recordings are processed independently; the returned error joins the
// failures of individual recordings.
func (a *Archiver) ArchiveSession(ctx context.Context, sessionID, botType string) ([]domain.ArchivedRecording, error) {
	infos, err := a.source.ListRecordings(ctx, sessionID)
	if err != nil {
		return nil, domain.NewError(domain.KindFetchFailed, "archive.list", err).WithSession(sessionID, "list")
	}
	if len(infos) == 0 {
		return nil, ErrNoRecordings
	}

	var (
		out  []domain.ArchivedRecording
		errs []error
	)
	for _, info := range infos {
		if !info.Ready() {
			errs = append(errs, fmt.Errorf("recording %s is %s: %w", info.ID, info.Status, ErrNotReady))
			continue
		}
		res, err := a.Archive(ctx, domain.Recording{
			ID:        info.ID,
			SessionID: sessionID,
			BotType:   botType,
			URL:       info.DownloadURL,
		})
		if err != nil {
			a.log.With(sessionID, "archive").Error().Err(err).Str("recording", info.ID).Msg("recording archive failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// GiveUp marks recordings that are still pending as failed. An empty
// recordingID covers every pending recording of the session.
func (a *Archiver) GiveUp(ctx context.Context, sessionID, recordingID string, cause error) {
	var recs []domain.Recording
	if recordingID != "" {
		rec, err := a.ledger.Get(ctx, recordingID)
		if err != nil {
			a.log.With(sessionID, "archive").Warn().Err(err).Str("recording", recordingID).Msg("give up: recording not in ledger")
			return
		}
		recs = append(recs, rec)
	} else {
		var err error
		recs, err = a.ledger.ListBySession(ctx, sessionID)
		if err != nil {
			a.log.With(sessionID, "archive").Warn().Err(err).Msg("give up: listing recordings")
			return
		}
	}

	for _, rec := range recs {
		if rec.State != domain.RecordingAvailable && rec.State != domain.RecordingUploading {
			continue
		}
		if err := rec.Advance(domain.RecordingFailed); err != nil {
			continue
		}
		if cause != nil {
			rec.Error = cause.Error()
		}
		if err := a.ledger.Save(ctx, rec); err != nil {
			a.log.With(sessionID, "archive").Warn().Err(err).Str("recording", rec.ID).Msg("failed to persist failed state")
		}
		a.event(ctx, rec, store.ArchiveGaveUp, rec.Error)
	}
}

// IsRetryable reports whether a later attempt may succeed. Fetch and upload
// failures leave the provider copy in place, so they are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoRecordings) || errors.Is(err, ErrNotReady) {
		return true
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if IsRetryable(e) {
				return true
			}
		}
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindFetchFailed, domain.KindUploadFailed:
		return true
	}
	return false
}
