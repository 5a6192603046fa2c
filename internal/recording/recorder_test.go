package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dialgrid/dialgrid/internal/database"
	"github.com/dialgrid/dialgrid/internal/database/models"
	"github.com/dialgrid/dialgrid/internal/events"
	"github.com/dialgrid/dialgrid/internal/pbx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecARI struct {
	mu sync.Mutex

	recordErr error
	fetchErr  error
	fetchData []byte

	recorded []pbx.RecordRequest
	stops    []string
	pauses   []string
	resumes  []string
	deletes  []string
}

func (f *fakeRecARI) Record(_ context.Context, _ string, req pbx.RecordRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, req)
	return nil
}

func (f *fakeRecARI) StopRecording(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	return nil
}

func (f *fakeRecARI) PauseRecording(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, name)
	return nil
}

func (f *fakeRecARI) ResumeRecording(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, name)
	return nil
}

func (f *fakeRecARI) FetchStoredRecording(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.fetchData, nil
}

func (f *fakeRecARI) DeleteStoredRecording(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return nil
}

func (f *fakeRecARI) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type recorderHarness struct {
	rec     *Recorder
	ari     *fakeRecARI
	repo    database.RecordingRepository
	root    string
	backend Backend
}

func newRecorderHarness(t *testing.T, cfg Config) *recorderHarness {
	t.Helper()

	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	backend, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("NewLocalBackend() error: %v", err)
	}

	ari := &fakeRecARI{fetchData: []byte("RIFF fake wav payload")}
	repo := database.NewRecordingRepository(db)
	rec := NewRecorder(ari, backend, repo, events.NewBus(0, testLogger()), cfg, testLogger())
	t.Cleanup(rec.Close)

	return &recorderHarness{rec: rec, ari: ari, repo: repo, root: root, backend: backend}
}

func recEvent(typ, name string) pbx.Event {
	return pbx.Event{
		Source: pbx.SourceARI,
		Type:   typ,
		Fields: map[string]string{"recording_name": name},
		Time:   time.Now().UTC(),
	}
}

func waitRecState(t *testing.T, repo database.RecordingRepository, id, state string) models.RecordingMetadata {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		row, err := repo.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID() error: %v", err)
		}
		if row != nil && row.State == state {
			return *row
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("recording %s never reached state %q", id, state)
	return models.RecordingMetadata{}
}

func TestStartAndArchive(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	meta, err := h.rec.Start(ctx, StartRequest{
		CallTaskID: "task-1",
		ChannelID:  "ch-1",
		AgentID:    "alice",
		Trigger:    "manual",
		Consent:    true,
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if meta.State != models.RecordingStarting {
		t.Fatalf("state = %q, want starting", meta.State)
	}

	h.ari.mu.Lock()
	if len(h.ari.recorded) != 1 || h.ari.recorded[0].Name != meta.ID || h.ari.recorded[0].Format != "wav" {
		t.Errorf("record request = %+v", h.ari.recorded)
	}
	h.ari.mu.Unlock()

	h.rec.HandleEvent(recEvent("RecordingStarted", meta.ID))
	waitRecState(t, h.repo, meta.ID, models.RecordingActive)

	if err := h.rec.Stop(ctx, "task-1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	h.ari.mu.Lock()
	if len(h.ari.stops) != 1 || h.ari.stops[0] != meta.ID {
		t.Errorf("stops = %v", h.ari.stops)
	}
	h.ari.mu.Unlock()

	h.rec.HandleEvent(recEvent("RecordingFinished", meta.ID))
	row := waitRecState(t, h.repo, meta.ID, models.RecordingCompleted)

	if !strings.HasSuffix(row.StoragePath, meta.ID+".wav") {
		t.Errorf("storage path = %q, want .../%s.wav", row.StoragePath, meta.ID)
	}
	if parts := strings.Split(row.StoragePath, "/"); len(parts) != 4 {
		t.Errorf("storage path %q is not date-partitioned", row.StoragePath)
	}

	blob, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(row.StoragePath)))
	if err != nil {
		t.Fatalf("reading archived blob: %v", err)
	}
	if string(blob) != "RIFF fake wav payload" {
		t.Errorf("archived bytes = %q", blob)
	}

	sum := sha256.Sum256(blob)
	if row.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %q, want %q", row.SHA256, hex.EncodeToString(sum[:]))
	}
	if row.SizeBytes != int64(len(blob)) {
		t.Errorf("size = %d, want %d", row.SizeBytes, len(blob))
	}
	if row.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if row.RetentionUntil == nil {
		t.Fatal("RetentionUntil not set")
	} else if min := time.Now().UTC().AddDate(0, 0, 89); row.RetentionUntil.Before(min) {
		t.Errorf("RetentionUntil = %v, want at least %v", row.RetentionUntil, min)
	}

	if h.ari.deleteCount() != 1 {
		t.Errorf("pbx deletes = %d, want 1", h.ari.deleteCount())
	}
	if h.rec.Active() != 0 {
		t.Errorf("active = %d, want 0", h.rec.Active())
	}
}

func TestStartRejectsSecondRecording(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	if _, err := h.rec.Start(ctx, StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	_, err := h.rec.Start(ctx, StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyRecording", err)
	}
}

func TestStartDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	h := newRecorderHarness(t, cfg)

	_, err := h.rec.Start(context.Background(), StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Start() error = %v, want ErrDisabled", err)
	}
}

func TestRecordActionFailureMarksFailed(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	h.ari.recordErr = errors.New("channel not found")

	_, err := h.rec.Start(context.Background(), StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if err == nil {
		t.Fatal("Start() succeeded, want error")
	}
	if h.rec.Active() != 0 {
		t.Errorf("active = %d, want 0", h.rec.Active())
	}
	// The row stays behind in the failed state for the audit trail.
	rows, err := h.repo.ListByCall(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("ListByCall() error: %v", err)
	}
	if len(rows) != 1 || rows[0].State != models.RecordingFailed {
		t.Fatalf("rows = %+v, want one failed", rows)
	}

	// The call slot is free again once the first attempt failed.
	h.ari.mu.Lock()
	h.ari.recordErr = nil
	h.ari.mu.Unlock()
	if _, err := h.rec.Start(context.Background(), StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"}); err != nil {
		t.Fatalf("retry Start() error: %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	meta, err := h.rec.Start(ctx, StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Pause before the PBX confirms the recording started is illegal.
	if err := h.rec.Pause(ctx, "task-1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("early Pause() error = %v, want ErrStateConflict", err)
	}

	h.rec.HandleEvent(recEvent("RecordingStarted", meta.ID))
	waitRecState(t, h.repo, meta.ID, models.RecordingActive)

	if err := h.rec.Pause(ctx, "task-1"); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	waitRecState(t, h.repo, meta.ID, models.RecordingPaused)
	if err := h.rec.Pause(ctx, "task-1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("double Pause() error = %v, want ErrStateConflict", err)
	}

	if err := h.rec.Resume(ctx, "task-1"); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	waitRecState(t, h.repo, meta.ID, models.RecordingActive)

	h.ari.mu.Lock()
	pauses, resumes := len(h.ari.pauses), len(h.ari.resumes)
	h.ari.mu.Unlock()
	if pauses != 1 || resumes != 1 {
		t.Errorf("pauses = %d resumes = %d, want 1/1", pauses, resumes)
	}
}

func TestStopUnknownCall(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	if err := h.rec.Stop(context.Background(), "task-9"); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("Stop() error = %v, want ErrNoRecording", err)
	}
}

func TestFetchFailureMarksFailed(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	meta, err := h.rec.Start(ctx, StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.rec.HandleEvent(recEvent("RecordingStarted", meta.ID))
	waitRecState(t, h.repo, meta.ID, models.RecordingActive)

	h.ari.mu.Lock()
	h.ari.fetchErr = errors.New("recording not found")
	h.ari.mu.Unlock()

	h.rec.HandleEvent(recEvent("RecordingFinished", meta.ID))
	row := waitRecState(t, h.repo, meta.ID, models.RecordingFailed)
	if row.StoragePath != "" {
		t.Errorf("storage path = %q, want empty", row.StoragePath)
	}
	if h.rec.Active() != 0 {
		t.Errorf("active = %d, want 0", h.rec.Active())
	}
}

func TestPBXFailureEventMarksFailed(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	meta, err := h.rec.Start(ctx, StartRequest{CallTaskID: "task-1", ChannelID: "ch-1"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h.rec.HandleEvent(recEvent("RecordingFailed", meta.ID))
	waitRecState(t, h.repo, meta.ID, models.RecordingFailed)
}

func TestSweepExpiresRecordings(t *testing.T) {
	h := newRecorderHarness(t, DefaultConfig())
	ctx := context.Background()

	blob := []byte("old audio")
	if err := h.backend.Store(ctx, "2026/01/01/rec-old.wav", blob); err != nil {
		t.Fatalf("Store() error: %v", err)
	}

	past := time.Now().UTC().Add(-time.Hour)
	ended := past.Add(-24 * time.Hour)
	old := &models.RecordingMetadata{
		ID:             "rec-old",
		CallTaskID:     "task-old",
		StartedAt:      ended.Add(-time.Minute),
		EndedAt:        &ended,
		Format:         "wav",
		SampleRate:     8000,
		Backend:        "local",
		StoragePath:    "2026/01/01/rec-old.wav",
		SizeBytes:      int64(len(blob)),
		RetentionUntil: &past,
		State:          models.RecordingCompleted,
	}
	if err := h.repo.Create(ctx, old); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	future := time.Now().UTC().Add(24 * time.Hour)
	fresh := &models.RecordingMetadata{
		ID:             "rec-new",
		CallTaskID:     "task-new",
		StartedAt:      time.Now().UTC(),
		Format:         "wav",
		SampleRate:     8000,
		Backend:        "local",
		StoragePath:    "2026/08/25/rec-new.wav",
		RetentionUntil: &future,
		State:          models.RecordingCompleted,
	}
	if err := h.repo.Create(ctx, fresh); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := h.rec.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}

	if _, err := os.Stat(filepath.Join(h.root, "2026", "01", "01", "rec-old.wav")); !os.IsNotExist(err) {
		t.Errorf("expired blob still on disk (err = %v)", err)
	}

	row, err := h.repo.GetByID(ctx, "rec-old")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if row.State != models.RecordingExpired {
		t.Errorf("state = %q, want expired", row.State)
	}

	keep, err := h.repo.GetByID(ctx, "rec-new")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if keep.State != models.RecordingCompleted {
		t.Errorf("fresh recording state = %q, want completed", keep.State)
	}

	// Second sweep finds nothing.
	if n, err := h.rec.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("second Sweep() = %d, %v, want 0, nil", n, err)
	}
}

func TestLocalBackendStoreAndDelete(t *testing.T) {
	root := t.TempDir()
	b, err := NewLocalBackend(root)
	if err != nil {
		t.Fatalf("NewLocalBackend() error: %v", err)
	}
	ctx := context.Background()

	if err := b.Store(ctx, "2026/08/25/x.wav", []byte("abc")); err != nil {
		t.Fatalf("Store() error: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "2026", "08", "25", "x.wav"))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("stored bytes = %q", data)
	}
	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(root, "2026", "08", "25", "x.wav.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	if err := b.Delete(ctx, "2026/08/25/x.wav"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := b.Delete(ctx, "2026/08/25/x.wav"); err != nil {
		t.Fatalf("Delete() of missing file error: %v", err)
	}
}

func TestStorageKey(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	if got := storageKey(at, "rec-1", "wav"); got != "2026/08/25/rec-1.wav" {
		t.Errorf("storageKey() = %q", got)
	}
}
