// Package recording captures call audio on the PBX and archives the
// finished files to a pluggable storage backend. Each recording moves
// through starting -> recording <-> paused -> stopping and ends completed
// or failed; completed blobs are date-partitioned, checksummed, and swept
// once their retention deadline passes.
package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
)

var (
	// ErrDisabled is returned by Start when recording is switched off.
	ErrDisabled = errors.New("recording: disabled")

	// ErrAlreadyRecording is returned by Start when the call already has a
	// live recording.
	ErrAlreadyRecording = errors.New("recording: call already has an active recording")

	// ErrNoRecording is returned when the call has no live recording to
	// operate on.
	ErrNoRecording = errors.New("recording: no active recording for call")

	// ErrStateConflict is returned when an operation is illegal in the
	// recording's current state.
	ErrStateConflict = errors.New("recording: operation illegal in current state")
)

// Lifecycle events.
const (
	evRecStart  = "record_start"
	evRecPause  = "record_pause"
	evRecResume = "record_resume"
	evRecStop   = "record_stop"
	evRecFinish = "record_finish"
	evRecFail   = "record_fail"
)

func newRecordingFSM() *fsm.FSM {
	live := []string{
		models.RecordingStarting, models.RecordingActive,
		models.RecordingPaused, models.RecordingStopping,
	}
	return fsm.NewFSM(
		models.RecordingStarting,
		fsm.Events{
			{Name: evRecStart, Src: []string{models.RecordingStarting}, Dst: models.RecordingActive},
			{Name: evRecPause, Src: []string{models.RecordingActive}, Dst: models.RecordingPaused},
			{Name: evRecResume, Src: []string{models.RecordingPaused}, Dst: models.RecordingActive},
			{Name: evRecStop, Src: []string{models.RecordingActive, models.RecordingPaused}, Dst: models.RecordingStopping},
			{Name: evRecFinish, Src: live, Dst: models.RecordingCompleted},
			{Name: evRecFail, Src: live, Dst: models.RecordingFailed},
		},
		nil,
	)
}

// ARIRecorder is the slice of the ARI client the recorder drives.
type ARIRecorder interface {
	Record(ctx context.Context, channelID string, req pbx.RecordRequest) error
	StopRecording(ctx context.Context, name string) error
	PauseRecording(ctx context.Context, name string) error
	ResumeRecording(ctx context.Context, name string) error
	FetchStoredRecording(ctx context.Context, name string) ([]byte, error)
	DeleteStoredRecording(ctx context.Context, name string) error
}

// Config tunes the recorder.
type Config struct {
	Enabled       bool
	Format        string // stored audio format
	SampleRate    int
	RetentionDays int           // 0 keeps recordings forever
	ActionTimeout time.Duration // per PBX/storage call during archiving
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Format:        "wav",
		SampleRate:    8000,
		RetentionDays: 90,
		ActionTimeout: 30 * time.Second,
	}
}

// StartRequest asks for a new recording on a live call.
type StartRequest struct {
	CallTaskID string
	ChannelID  string
	AgentID    string
	Trigger    string // manual | auto | api
	Consent    bool
}

// liveRecording pairs persisted metadata with its lifecycle machine.
type liveRecording struct {
	mu         sync.Mutex
	meta       models.RecordingMetadata
	machine    *fsm.FSM
	finalizing bool
}

func (rec *liveRecording) transition(event string) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := rec.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%s from %s: %w", event, rec.meta.State, ErrStateConflict)
	}
	rec.meta.State = rec.machine.Current()
	return nil
}

func (rec *liveRecording) update(mutate func(*models.RecordingMetadata)) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	mutate(&rec.meta)
}

func (rec *liveRecording) snapshot() models.RecordingMetadata {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.meta
}

// Recorder starts, controls, and archives call recordings. One recording
// per call at a time.
type Recorder struct {
	ari     ARIRecorder
	backend Backend
	repo    database.RecordingRepository
	bus     *events.Bus
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	byID   map[string]*liveRecording
	byCall map[string]string // call task id -> recording id

	wg sync.WaitGroup
}

// NewRecorder wires the recorder to the PBX, the blob store, and the
// metadata repository.
func NewRecorder(ari ARIRecorder, backend Backend, repo database.RecordingRepository, bus *events.Bus, cfg Config, logger *slog.Logger) *Recorder {
	if cfg.Format == "" {
		cfg.Format = "wav"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	return &Recorder{
		ari:     ari,
		backend: backend,
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With("subsystem", "recording"),
		byID:    make(map[string]*liveRecording),
		byCall:  make(map[string]string),
	}
}

// Close waits for in-flight archiving to finish.
func (r *Recorder) Close() {
	r.wg.Wait()
}

// Active returns how many recordings are currently live.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// ActiveByCall returns the live recording for a call, or nil.
func (r *Recorder) ActiveByCall(callTaskID string) *models.RecordingMetadata {
	r.mu.Lock()
	id, ok := r.byCall[callTaskID]
	rec := r.byID[id]
	r.mu.Unlock()
	if !ok || rec == nil {
		return nil
	}
	meta := rec.snapshot()
	return &meta
}

// Start begins recording a call's channel. The recording id doubles as the
// PBX recording name and the stored file basename.
func (r *Recorder) Start(ctx context.Context, req StartRequest) (*models.RecordingMetadata, error) {
	if !r.cfg.Enabled {
		return nil, ErrDisabled
	}
	if req.CallTaskID == "" || req.ChannelID == "" {
		return nil, errors.New("call task id and channel id are required")
	}

	id := uuid.NewString()
	rec := &liveRecording{
		meta: models.RecordingMetadata{
			ID:         id,
			CallTaskID: req.CallTaskID,
			AgentID:    req.AgentID,
			StartedAt:  time.Now().UTC(),
			Format:     r.cfg.Format,
			SampleRate: r.cfg.SampleRate,
			Backend:    r.backend.Name(),
			Consent:    req.Consent,
			State:      models.RecordingStarting,
		},
		machine: newRecordingFSM(),
	}

	// Reserve the call slot before touching the database so concurrent
	// Start calls cannot both proceed.
	r.mu.Lock()
	if _, busy := r.byCall[req.CallTaskID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("call %s: %w", req.CallTaskID, ErrAlreadyRecording)
	}
	r.byCall[req.CallTaskID] = id
	r.byID[id] = rec
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.byCall, req.CallTaskID)
		delete(r.byID, id)
		r.mu.Unlock()
	}

	active, err := r.repo.GetActiveByCall(ctx, req.CallTaskID)
	if err != nil {
		release()
		return nil, err
	}
	if active != nil {
		release()
		return nil, fmt.Errorf("call %s: %w", req.CallTaskID, ErrAlreadyRecording)
	}

	if err := r.repo.Create(ctx, &rec.meta); err != nil {
		release()
		return nil, err
	}

	if err := r.ari.Record(ctx, req.ChannelID, pbx.RecordRequest{Name: id, Format: r.cfg.Format}); err != nil {
		r.fail(rec, err)
		return nil, fmt.Errorf("starting recording: %w", err)
	}

	r.logger.Info("recording started",
		"recording_id", id,
		"call_task_id", req.CallTaskID,
		"trigger", req.Trigger)
	r.publish("recording.started", rec.snapshot(), map[string]any{"trigger": req.Trigger})

	meta := rec.snapshot()
	return &meta, nil
}

// Stop finalizes a call's live recording. The PBX confirms with a
// RecordingFinished event, which triggers archiving.
func (r *Recorder) Stop(ctx context.Context, callTaskID string) error {
	rec, err := r.liveByCall(callTaskID)
	if err != nil {
		return err
	}
	if err := rec.transition(evRecStop); err != nil {
		return err
	}
	r.persist(ctx, rec)
	if err := r.ari.StopRecording(ctx, rec.snapshot().ID); err != nil {
		return fmt.Errorf("stopping recording: %w", err)
	}
	return nil
}

// Pause suspends a live recording.
func (r *Recorder) Pause(ctx context.Context, callTaskID string) error {
	rec, err := r.liveByCall(callTaskID)
	if err != nil {
		return err
	}
	if err := rec.transition(evRecPause); err != nil {
		return err
	}
	r.persist(ctx, rec)
	if err := r.ari.PauseRecording(ctx, rec.snapshot().ID); err != nil {
		return fmt.Errorf("pausing recording: %w", err)
	}
	r.publish("recording.paused", rec.snapshot(), nil)
	return nil
}

// Resume continues a paused recording.
func (r *Recorder) Resume(ctx context.Context, callTaskID string) error {
	rec, err := r.liveByCall(callTaskID)
	if err != nil {
		return err
	}
	if err := rec.transition(evRecResume); err != nil {
		return err
	}
	r.persist(ctx, rec)
	if err := r.ari.ResumeRecording(ctx, rec.snapshot().ID); err != nil {
		return fmt.Errorf("resuming recording: %w", err)
	}
	r.publish("recording.resumed", rec.snapshot(), nil)
	return nil
}

// HandleEvent consumes PBX recording events. It never blocks; archiving
// runs on its own goroutine.
func (r *Recorder) HandleEvent(ev pbx.Event) {
	name := ev.Fields["recording_name"]
	if name == "" {
		return
	}
	r.mu.Lock()
	rec := r.byID[name]
	r.mu.Unlock()
	if rec == nil {
		return
	}

	switch ev.Type {
	case "RecordingStarted":
		if err := rec.transition(evRecStart); err != nil {
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := r.opCtx()
			defer cancel()
			r.persist(ctx, rec)
		}()
	case "RecordingFinished":
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.finalize(rec)
		}()
	case "RecordingFailed":
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.fail(rec, errors.New("pbx reported recording failure"))
		}()
	}
}

// finalize fetches the stored file from the PBX, archives it, and marks
// the recording completed.
func (r *Recorder) finalize(rec *liveRecording) {
	rec.mu.Lock()
	if rec.finalizing {
		rec.mu.Unlock()
		return
	}
	rec.finalizing = true
	id := rec.meta.ID
	format := rec.meta.Format
	rec.mu.Unlock()

	ctx, cancel := r.opCtx()
	defer cancel()

	data, err := r.ari.FetchStoredRecording(ctx, id)
	if err != nil {
		r.fail(rec, fmt.Errorf("fetching stored recording: %w", err))
		return
	}

	now := time.Now().UTC()
	key := storageKey(now, id, format)
	if err := r.backend.Store(ctx, key, data); err != nil {
		r.fail(rec, fmt.Errorf("storing recording: %w", err))
		return
	}

	if err := rec.transition(evRecFinish); err != nil {
		// Failed elsewhere while we were uploading; drop the orphan blob.
		r.backend.Delete(ctx, key)
		return
	}

	sum := sha256.Sum256(data)
	rec.update(func(m *models.RecordingMetadata) {
		m.EndedAt = &now
		m.StoragePath = key
		m.SizeBytes = int64(len(data))
		m.SHA256 = hex.EncodeToString(sum[:])
		if r.cfg.RetentionDays > 0 {
			until := now.AddDate(0, 0, r.cfg.RetentionDays)
			m.RetentionUntil = &until
		}
	})

	r.persist(ctx, rec)
	r.untrack(rec)

	// The PBX copy is redundant once archived.
	if err := r.ari.DeleteStoredRecording(ctx, id); err != nil {
		r.logger.Warn("could not delete recording from pbx",
			"recording_id", id, "error", err)
	}

	meta := rec.snapshot()
	r.logger.Info("recording archived",
		"recording_id", id,
		"path", key,
		"bytes", meta.SizeBytes,
		"backend", r.backend.Name())
	r.publish("recording.finished", meta, map[string]any{"path": key})
}

func (r *Recorder) fail(rec *liveRecording, cause error) {
	if err := rec.transition(evRecFail); err != nil {
		return
	}
	now := time.Now().UTC()
	rec.update(func(m *models.RecordingMetadata) { m.EndedAt = &now })

	ctx, cancel := r.opCtx()
	defer cancel()
	r.persist(ctx, rec)
	r.untrack(rec)

	meta := rec.snapshot()
	r.logger.Error("recording failed",
		"recording_id", meta.ID,
		"call_task_id", meta.CallTaskID,
		"error", cause)
	r.publish("recording.failed", meta, map[string]any{"error": cause.Error()})
}

// Sweep deletes blobs whose retention deadline has passed and marks their
// rows expired. Returns how many recordings were removed.
func (r *Recorder) Sweep(ctx context.Context) (int, error) {
	expired, err := r.repo.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("listing expired recordings: %w", err)
	}

	n := 0
	for i := range expired {
		rec := &expired[i]
		if rec.StoragePath != "" {
			if err := r.backend.Delete(ctx, rec.StoragePath); err != nil {
				r.logger.Warn("could not delete expired recording blob",
					"recording_id", rec.ID, "path", rec.StoragePath, "error", err)
				continue
			}
		}
		rec.State = models.RecordingExpired
		if err := r.repo.Update(ctx, rec); err != nil {
			r.logger.Error("could not mark recording expired",
				"recording_id", rec.ID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.Info("recording retention sweep", "deleted", n)
	}
	return n, nil
}

func (r *Recorder) liveByCall(callTaskID string) (*liveRecording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCall[callTaskID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callTaskID, ErrNoRecording)
	}
	return r.byID[id], nil
}

func (r *Recorder) persist(ctx context.Context, rec *liveRecording) {
	meta := rec.snapshot()
	if err := r.repo.Update(ctx, &meta); err != nil {
		r.logger.Error("could not persist recording state",
			"recording_id", meta.ID, "error", err)
	}
}

func (r *Recorder) untrack(rec *liveRecording) {
	meta := rec.snapshot()
	r.mu.Lock()
	delete(r.byID, meta.ID)
	if r.byCall[meta.CallTaskID] == meta.ID {
		delete(r.byCall, meta.CallTaskID)
	}
	r.mu.Unlock()
}

func (r *Recorder) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.ActionTimeout)
}

func (r *Recorder) publish(typ string, meta models.RecordingMetadata, extra map[string]any) {
	if r.bus == nil {
		return
	}
	data := map[string]any{
		"recording_id": meta.ID,
		"call_task_id": meta.CallTaskID,
		"state":        meta.State,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.bus.Publish(events.Event{
		Type:  typ,
		Topic: events.CallTopic(meta.CallTaskID),
		Time:  time.Now().UTC(),
		Data:  data,
	})
}

// storageKey builds the date-partitioned blob key: YYYY/MM/DD/id.ext.
func storageKey(t time.Time, id, format string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%s.%s", t.Year(), t.Month(), t.Day(), id, format)
}
