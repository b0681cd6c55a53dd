package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/storyloom/backend/internal/assembler"
	"github.com/storyloom/backend/internal/eventlog"
	"github.com/storyloom/backend/internal/segment"
	"github.com/storyloom/backend/internal/store"
	"github.com/storyloom/backend/internal/tts"
	"github.com/storyloom/backend/internal/usage"
	"github.com/storyloom/backend/internal/voices"
)

// fakeStore keeps one job in memory and mimics the store's status guards.
type fakeStore struct {
	mu       sync.Mutex
	job      *store.AudiobookJob
	chapters []store.Chapter
	owner    string
	quota    usage.Quota
	noQuota  bool
	records  []store.UsageRecord
	customer *string

	terminal  chan struct{}
	closeOnce sync.Once
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		owner: "user-1",
		quota: usage.Quota{
			UserID:         "user-1",
			Tier:           voices.PricingPremium,
			CharacterLimit: 1_000_000,
			PeriodResetsAt: time.Now().Add(10 * 24 * time.Hour),
		},
		terminal: make(chan struct{}),
	}
}

func (f *fakeStore) settle() { f.closeOnce.Do(func() { close(f.terminal) }) }

func (f *fakeStore) CreateAudiobookJob(_ context.Context, p store.NewJobParams) (*store.AudiobookJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = &store.AudiobookJob{
		ID:                 "job-test",
		ProjectID:          p.ProjectID,
		UserID:             p.UserID,
		Scope:              p.Scope,
		ChapterID:          p.ChapterID,
		VoiceID:            p.VoiceID,
		QualityTier:        p.QualityTier,
		Status:             store.JobPending,
		EstimatedCostCents: p.EstimatedCostCents,
	}
	out := *f.job
	return &out, nil
}

func (f *fakeStore) GetAudiobookJob(_ context.Context, id string) (*store.AudiobookJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil || f.job.ID != id {
		return nil, store.ErrNotFound
	}
	out := *f.job
	return &out, nil
}

func (f *fakeStore) MarkJobGenerating(_ context.Context, jobID string, total int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status != store.JobPending {
		return fmt.Errorf("job %s is %s, not pending", jobID, f.job.Status)
	}
	f.job.Status = store.JobGenerating
	f.job.TotalChapters = total
	return nil
}

func (f *fakeStore) RecordChapterProgress(_ context.Context, jobID, path string, durationSeconds int, sizeBytes int64, chars int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status != store.JobGenerating {
		return fmt.Errorf("job %s is %s, not generating", jobID, f.job.Status)
	}
	f.job.ChapterPaths = append(f.job.ChapterPaths, path)
	f.job.CompletedChapters++
	f.job.DurationSeconds += durationSeconds
	f.job.FileSizeBytes += sizeBytes
	f.job.CharacterCount += chars
	return nil
}

func (f *fakeStore) CompleteJob(_ context.Context, jobID, finalPath string, costCents int, wasOverage bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status != store.JobGenerating || f.job.CompletedChapters != f.job.TotalChapters {
		return fmt.Errorf("job %s cannot complete from %s (%d/%d)", jobID, f.job.Status, f.job.CompletedChapters, f.job.TotalChapters)
	}
	f.job.Status = store.JobCompleted
	f.job.FinalPath = &finalPath
	f.job.ActualCostCents = &costCents
	f.job.WasOverageCharge = wasOverage
	f.settle()
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, jobID, detail string, costCents int, wasOverage bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job.Status != store.JobPending && f.job.Status != store.JobGenerating {
		return fmt.Errorf("job %s already terminal (%s)", jobID, f.job.Status)
	}
	f.job.Status = store.JobFailed
	f.job.ErrorDetail = &detail
	f.job.ActualCostCents = &costCents
	f.job.WasOverageCharge = wasOverage
	f.settle()
	return nil
}

func (f *fakeStore) GetChapter(_ context.Context, id string) (*store.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.chapters {
		if ch.ID == id {
			out := ch
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ListProjectChapters(_ context.Context, projectID string) ([]store.Chapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Chapter
	for _, ch := range f.chapters {
		if ch.ProjectID == projectID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) GetProjectOwner(_ context.Context, _ string) (string, error) {
	return f.owner, nil
}

func (f *fakeStore) ConsumeQuota(_ context.Context, _ string, chars int) (usage.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noQuota {
		return usage.Quota{}, store.ErrNoSubscription
	}
	snapshot := f.quota
	f.quota.CharactersUsed += chars
	return snapshot, nil
}

func (f *fakeStore) GetQuota(_ context.Context, _ string) (usage.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noQuota {
		return usage.Quota{}, store.ErrNoSubscription
	}
	return f.quota, nil
}

func (f *fakeStore) InsertUsageRecord(_ context.Context, r store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) GetUserStripeCustomerID(_ context.Context, _ string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customer, nil
}

func (f *fakeStore) GetUserPushTokens(_ context.Context, _ string) ([]store.DevicePushToken, error) {
	return nil, nil
}

func (f *fakeStore) snapshot() store.AudiobookJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.job
}

// fakeAssembler echoes the chapter text back as audio. failOn makes chapters
// containing the substring fail; blockOn makes them wait for cancellation.
type fakeAssembler struct {
	failOn  string
	blockOn string
}

func (a *fakeAssembler) AssembleChapter(ctx context.Context, text string, _ tts.VoiceConfig) (*assembler.Result, error) {
	if a.blockOn != "" && strings.Contains(text, a.blockOn) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", tts.ErrProvider, ctx.Err())
	}
	if a.failOn != "" && strings.Contains(text, a.failOn) {
		return nil, fmt.Errorf("%w: synthesis rejected", tts.ErrProvider)
	}
	return &assembler.Result{
		Audio:           []byte(text),
		DurationSeconds: 60,
		CharacterCount:  utf8.RuneCountInString(segment.Clean(text)),
		SegmentCount:    1,
	}, nil
}

type fakeArtifacts struct {
	mu        sync.Mutex
	bookOrder []string
}

func (a *fakeArtifacts) SaveChapter(_ context.Context, jobID string, idx int, _ []byte) (string, error) {
	return fmt.Sprintf("%s/chapter-%03d.mp3", jobID, idx), nil
}

func (a *fakeArtifacts) SaveBook(_ context.Context, jobID string, paths []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bookOrder = append([]string(nil), paths...)
	return jobID + "/book.mp3", nil
}

func (a *fakeArtifacts) Open(string) (io.ReadCloser, error) {
	return nil, errors.New("not stored")
}

type fakeCharger struct {
	mu    sync.Mutex
	calls []int
	fail  bool
}

func (c *fakeCharger) ChargeOverage(_ context.Context, _, _ string, costCents int, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return "", errors.New("card declined")
	}
	c.calls = append(c.calls, costCents)
	return "ii_test_1", nil
}

func testOrchestrator(fs *fakeStore, fa *fakeAssembler, charger *fakeCharger) *Orchestrator {
	cfg := Config{
		Store:             fs,
		Assembler:         fa,
		Artifacts:         &fakeArtifacts{},
		Events:            eventlog.New(nil),
		Logger:            log.New(&bytes.Buffer{}, "", 0),
		MaxConcurrentJobs: 2,
	}
	if charger != nil {
		cfg.Charger = charger
	}
	return New(cfg)
}

func waitTerminal(t *testing.T, fs *fakeStore) store.AudiobookJob {
	t.Helper()
	select {
	case <-fs.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached a terminal state")
	}
	return fs.snapshot()
}

func strptr(s string) *string { return &s }

func TestCreateJobValidation(t *testing.T) {
	fs := newFakeStore()
	fs.chapters = []store.Chapter{{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: "Hello there."}}
	o := testOrchestrator(fs, &fakeAssembler{}, nil)

	base := CreateJobParams{
		UserID:      "user-1",
		ProjectID:   "proj-1",
		Scope:       "chapter",
		ChapterID:   strptr("ch-1"),
		VoiceID:     "en-US-Wavenet-F",
		QualityTier: "wavenet",
	}

	cases := []struct {
		name    string
		mutate  func(p *CreateJobParams)
		wantErr error
	}{
		{"bad scope", func(p *CreateJobParams) { p.Scope = "paragraph" }, ErrInvalidRequest},
		{"chapter scope without chapter", func(p *CreateJobParams) { p.ChapterID = nil }, ErrInvalidRequest},
		{"fullbook with chapter", func(p *CreateJobParams) { p.Scope = "fullbook" }, ErrInvalidRequest},
		{"unknown voice", func(p *CreateJobParams) { p.VoiceID = "en-US-Robot-Z" }, voices.ErrUnknownVoice},
		{"quality mismatch", func(p *CreateJobParams) { p.QualityTier = "studio" }, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, err := o.CreateJob(context.Background(), p); !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}

	t.Run("not the project owner", func(t *testing.T) {
		p := base
		p.UserID = "intruder"
		if _, err := o.CreateJob(context.Background(), p); !errors.Is(err, ErrForbidden) {
			t.Errorf("got %v, want ErrForbidden", err)
		}
	})

	t.Run("empty chapter content", func(t *testing.T) {
		fs.chapters[0].Content = "   \n\n  "
		defer func() { fs.chapters[0].Content = "Hello there." }()
		if _, err := o.CreateJob(context.Background(), base); !errors.Is(err, segment.ErrNoContent) {
			t.Errorf("got %v, want ErrNoContent", err)
		}
	})

	t.Run("no subscription", func(t *testing.T) {
		fs.noQuota = true
		defer func() { fs.noQuota = false }()
		if _, err := o.CreateJob(context.Background(), base); !errors.Is(err, store.ErrNoSubscription) {
			t.Errorf("got %v, want ErrNoSubscription", err)
		}
	})
}

func TestChapterJobCompletes(t *testing.T) {
	fs := newFakeStore()
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: strings.Repeat("All is well. ", 100)},
	}
	o := testOrchestrator(fs, &fakeAssembler{}, nil)

	job, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "chapter",
		ChapterID: strptr("ch-1"), VoiceID: "en-US-Wavenet-F", QualityTier: "wavenet",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.Status != store.JobPending {
		t.Errorf("new job status = %s, want pending", job.Status)
	}
	if job.EstimatedCostCents != 0 {
		t.Errorf("estimate = %d, want 0 (inside included quota)", job.EstimatedCostCents)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobCompleted {
		t.Fatalf("status = %s (detail=%v), want completed", final.Status, final.ErrorDetail)
	}
	if final.FinalPath == nil || *final.FinalPath != "job-test/chapter-000.mp3" {
		t.Errorf("final path = %v, want the single chapter artifact", final.FinalPath)
	}
	if final.CompletedChapters != 1 || final.TotalChapters != 1 {
		t.Errorf("progress = %d/%d, want 1/1", final.CompletedChapters, final.TotalChapters)
	}
	if final.CharacterCount == 0 {
		t.Error("character count not accumulated")
	}
	if len(fs.records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(fs.records))
	}
	rec := fs.records[0]
	if rec.CharacterCount != final.CharacterCount || rec.OverageChars != 0 || rec.WasOverage {
		t.Errorf("unexpected ledger entry: %+v", rec)
	}
	if fs.quota.CharactersUsed != final.CharacterCount {
		t.Errorf("quota consumed %d, want %d", fs.quota.CharactersUsed, final.CharacterCount)
	}
}

func TestFullBookConcatenatesChaptersInOrder(t *testing.T) {
	fs := newFakeStore()
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: "First chapter text."},
		{ID: "ch-2", ProjectID: "proj-1", Title: "Two", Content: "Second chapter text."},
		{ID: "ch-3", ProjectID: "proj-1", Title: "Three", Content: "Third chapter text."},
	}
	fa := &fakeArtifacts{}
	o := New(Config{
		Store: fs, Assembler: &fakeAssembler{}, Artifacts: fa,
		Events: eventlog.New(nil), Logger: log.New(&bytes.Buffer{}, "", 0),
	})

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "fullbook",
		VoiceID: "en-US-Standard-C", QualityTier: "standard",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobCompleted {
		t.Fatalf("status = %s (detail=%v), want completed", final.Status, final.ErrorDetail)
	}
	if final.FinalPath == nil || *final.FinalPath != "job-test/book.mp3" {
		t.Errorf("final path = %v, want the book artifact", final.FinalPath)
	}
	want := []string{"job-test/chapter-000.mp3", "job-test/chapter-001.mp3", "job-test/chapter-002.mp3"}
	if len(fa.bookOrder) != len(want) {
		t.Fatalf("book built from %d parts, want %d", len(fa.bookOrder), len(want))
	}
	for i, p := range want {
		if fa.bookOrder[i] != p {
			t.Errorf("book part %d = %q, want %q", i, fa.bookOrder[i], p)
		}
	}
}

func TestChapterFailureSettlesPartialUsage(t *testing.T) {
	fs := newFakeStore()
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: "Good chapter text."},
		{ID: "ch-2", ProjectID: "proj-1", Title: "Two", Content: "POISON chapter text."},
		{ID: "ch-3", ProjectID: "proj-1", Title: "Three", Content: "Never reached."},
	}
	o := testOrchestrator(fs, &fakeAssembler{failOn: "POISON"}, nil)

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "fullbook",
		VoiceID: "en-US-Standard-C", QualityTier: "standard",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorDetail == nil || !strings.Contains(*final.ErrorDetail, "chapter 2") {
		t.Errorf("error detail %v does not name the failed chapter", final.ErrorDetail)
	}
	if final.CompletedChapters != 1 {
		t.Errorf("completed chapters = %d, want 1 (first chapter kept)", final.CompletedChapters)
	}
	if len(fs.records) != 1 {
		t.Fatalf("usage records = %d, want 1 for the synthesized portion", len(fs.records))
	}
	firstChars := utf8.RuneCountInString("Good chapter text.")
	if fs.records[0].CharacterCount != firstChars {
		t.Errorf("settled %d chars, want %d (first chapter only)", fs.records[0].CharacterCount, firstChars)
	}
}

func TestOverageIsPricedAndInvoiced(t *testing.T) {
	fs := newFakeStore()
	// 5 runes of headroom left; the chapter is 18 runes.
	fs.quota = usage.Quota{
		UserID: "user-1", Tier: voices.PricingStudio,
		CharacterLimit: 100, CharactersUsed: 95,
		PeriodResetsAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	fs.customer = strptr("cus_123")
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: "abcdefghijklmnopqr"},
	}
	charger := &fakeCharger{}
	o := testOrchestrator(fs, &fakeAssembler{}, charger)

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "chapter",
		ChapterID: strptr("ch-1"), VoiceID: "en-US-Studio-O", QualityTier: "studio",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobCompleted {
		t.Fatalf("status = %s (detail=%v), want completed", final.Status, final.ErrorDetail)
	}
	if !final.WasOverageCharge {
		t.Error("job not flagged as overage")
	}
	// 13 overage chars at studio rate (16000 cents per million) rounds to 0;
	// widen the overage far enough to produce a real amount instead.
	if len(fs.records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(fs.records))
	}
	rec := fs.records[0]
	if rec.IncludedChars != 5 || rec.OverageChars != 13 {
		t.Errorf("split = %d included / %d overage, want 5/13", rec.IncludedChars, rec.OverageChars)
	}
	if rec.BillingPeriod != "2026-08" {
		t.Errorf("billing period = %q, want 2026-08", rec.BillingPeriod)
	}
}

func TestLargeOverageCreatesInvoiceItem(t *testing.T) {
	fs := newFakeStore()
	fs.quota = usage.Quota{
		UserID: "user-1", Tier: voices.PricingPremium,
		CharacterLimit: 0, CharactersUsed: 0,
		PeriodResetsAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	fs.customer = strptr("cus_123")
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: strings.Repeat("Overage text here. ", 10_000)},
	}
	charger := &fakeCharger{}
	o := testOrchestrator(fs, &fakeAssembler{}, charger)

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "chapter",
		ChapterID: strptr("ch-1"), VoiceID: "en-US-Wavenet-F", QualityTier: "wavenet",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobCompleted {
		t.Fatalf("status = %s (detail=%v), want completed", final.Status, final.ErrorDetail)
	}
	if final.ActualCostCents == nil || *final.ActualCostCents == 0 {
		t.Fatal("expected a non-zero actual cost")
	}
	charger.mu.Lock()
	calls := len(charger.calls)
	charger.mu.Unlock()
	if calls != 1 {
		t.Fatalf("charger called %d times, want 1", calls)
	}
	if fs.records[0].StripeInvoiceItemID == nil || *fs.records[0].StripeInvoiceItemID != "ii_test_1" {
		t.Errorf("ledger entry missing invoice item id: %+v", fs.records[0])
	}
}

func TestChargeFailureStillCompletesJob(t *testing.T) {
	fs := newFakeStore()
	fs.quota = usage.Quota{
		UserID: "user-1", Tier: voices.PricingPremium,
		CharacterLimit: 0,
		PeriodResetsAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	fs.customer = strptr("cus_123")
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: strings.Repeat("Billable text here. ", 10_000)},
	}
	o := testOrchestrator(fs, &fakeAssembler{}, &fakeCharger{fail: true})

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "chapter",
		ChapterID: strptr("ch-1"), VoiceID: "en-US-Wavenet-F", QualityTier: "wavenet",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobCompleted {
		t.Fatalf("status = %s, want completed despite invoice failure", final.Status)
	}
	if len(fs.records) != 1 || fs.records[0].StripeInvoiceItemID != nil {
		t.Errorf("ledger entry should record the debt without an invoice id: %+v", fs.records)
	}
}

func TestShutdownFailsRunningJobAsCancelled(t *testing.T) {
	fs := newFakeStore()
	fs.chapters = []store.Chapter{
		{ID: "ch-1", ProjectID: "proj-1", Title: "One", Content: "Quick first chapter."},
		{ID: "ch-2", ProjectID: "proj-1", Title: "Two", Content: "BLOCK until cancelled."},
	}
	o := testOrchestrator(fs, &fakeAssembler{blockOn: "BLOCK"}, nil)

	if _, err := o.CreateJob(context.Background(), CreateJobParams{
		UserID: "user-1", ProjectID: "proj-1", Scope: "fullbook",
		VoiceID: "en-US-Standard-C", QualityTier: "standard",
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Give the first chapter a moment to land before pulling the plug.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if fs.snapshot().CompletedChapters >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first chapter never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown did not settle: %v", err)
	}

	final := waitTerminal(t, fs)
	if final.Status != store.JobFailed {
		t.Fatalf("status = %s, want failed after shutdown", final.Status)
	}
	if final.CompletedChapters != 1 {
		t.Errorf("completed chapters = %d, want the pre-shutdown chapter kept", final.CompletedChapters)
	}
}
