// Package orchestrator drives audiobook jobs from creation to a terminal
// state. One job covers a single chapter or a whole book; chapters are
// processed strictly in project order, progress is persisted per chapter,
// and the job's character usage is settled against the user's subscription
// quota exactly once, when accounting is finalized.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"
	"github.com/storyloom/backend/internal/artifacts"
	"github.com/storyloom/backend/internal/assembler"
	"github.com/storyloom/backend/internal/billing"
	"github.com/storyloom/backend/internal/costs"
	"github.com/storyloom/backend/internal/eventlog"
	"github.com/storyloom/backend/internal/notifications"
	"github.com/storyloom/backend/internal/segment"
	"github.com/storyloom/backend/internal/store"
	"github.com/storyloom/backend/internal/tts"
	"github.com/storyloom/backend/internal/usage"
	"github.com/storyloom/backend/internal/voices"
)

// ErrInvalidRequest flags a job request that is inconsistent before any work
// starts (bad scope/chapter combination, chapter outside the project, ...).
var ErrInvalidRequest = errors.New("invalid job request")

// ErrForbidden is returned when the requesting user does not own the project.
var ErrForbidden = errors.New("project not owned by user")

// errCancelled marks a job aborted by shutdown or an explicit cancel, checked
// at chapter boundaries.
var errCancelled = errors.New("cancelled")

// Store is the persistence surface the orchestrator needs. *store.Store
// satisfies it; tests substitute a fake.
type Store interface {
	CreateAudiobookJob(ctx context.Context, p store.NewJobParams) (*store.AudiobookJob, error)
	GetAudiobookJob(ctx context.Context, id string) (*store.AudiobookJob, error)
	MarkJobGenerating(ctx context.Context, jobID string, totalChapters int) error
	RecordChapterProgress(ctx context.Context, jobID, artifactPath string, durationSeconds int, sizeBytes int64, characterCount int) error
	CompleteJob(ctx context.Context, jobID, finalPath string, actualCostCents int, wasOverage bool) error
	FailJob(ctx context.Context, jobID, errorDetail string, actualCostCents int, wasOverage bool) error

	GetChapter(ctx context.Context, id string) (*store.Chapter, error)
	ListProjectChapters(ctx context.Context, projectID string) ([]store.Chapter, error)
	GetProjectOwner(ctx context.Context, projectID string) (string, error)

	ConsumeQuota(ctx context.Context, userID string, characterCount int) (usage.Quota, error)
	GetQuota(ctx context.Context, userID string) (usage.Quota, error)
	InsertUsageRecord(ctx context.Context, r store.UsageRecord) error
	GetUserStripeCustomerID(ctx context.Context, userID string) (*string, error)
	GetUserPushTokens(ctx context.Context, userID string) ([]store.DevicePushToken, error)
}

// ChapterAssembler synthesizes one chapter into ordered audio.
type ChapterAssembler interface {
	AssembleChapter(ctx context.Context, chapterText string, voice tts.VoiceConfig) (*assembler.Result, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store             Store
	Assembler         ChapterAssembler
	Artifacts         artifacts.Store
	Events            *eventlog.Logger
	Charger           billing.OverageCharger // nil disables overage invoicing
	APNs              *notifications.APNsClient
	Discord           *notifications.Discord
	Logger            *log.Logger
	MaxConcurrentJobs int
	SpeakingRate      float64 // 1.0 is the provider's natural pace
}

// Orchestrator runs audiobook jobs in the background. Job creation returns
// immediately; callers poll (or subscribe to) job status.
type Orchestrator struct {
	store     Store
	assembler ChapterAssembler
	artifacts artifacts.Store
	events    *eventlog.Logger
	charger   billing.OverageCharger
	apns      *notifications.APNsClient
	discord   *notifications.Discord
	logger    *log.Logger
	rate      float64

	sem chan struct{}
	wg  sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 2
	}
	if cfg.SpeakingRate == 0 {
		cfg.SpeakingRate = 1.0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     cfg.Store,
		assembler: cfg.Assembler,
		artifacts: cfg.Artifacts,
		events:    cfg.Events,
		charger:   cfg.Charger,
		apns:      cfg.APNs,
		discord:   cfg.Discord,
		logger:    cfg.Logger,
		rate:      cfg.SpeakingRate,
		sem:       make(chan struct{}, cfg.MaxConcurrentJobs),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Shutdown cancels running jobs (they fail at the next chapter boundary with
// a cancelled error) and waits for them to settle or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateJobParams is a job request as it arrives from the API.
type CreateJobParams struct {
	UserID      string
	ProjectID   string
	Scope       string
	ChapterID   *string
	VoiceID     string
	QualityTier string
}

// CreateJob validates the request, persists a pending job, and starts
// processing it in the background. Validation failures surface here, before
// the job exists; the caller never polls for them.
func (o *Orchestrator) CreateJob(ctx context.Context, p CreateJobParams) (*store.AudiobookJob, error) {
	scope, err := store.ParseJobScope(p.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if scope == store.ScopeChapter && (p.ChapterID == nil || *p.ChapterID == "") {
		return nil, fmt.Errorf("%w: chapter scope requires chapter_id", ErrInvalidRequest)
	}
	if scope == store.ScopeFullBook && p.ChapterID != nil && *p.ChapterID != "" {
		return nil, fmt.Errorf("%w: fullbook scope does not take chapter_id", ErrInvalidRequest)
	}

	profile, err := voices.Lookup(p.VoiceID)
	if err != nil {
		return nil, err
	}
	quality, err := voices.ParseQualityTier(p.QualityTier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if quality != profile.Quality {
		return nil, fmt.Errorf("%w: voice %s is %s quality, not %s", ErrInvalidRequest, profile.ID, profile.Quality, quality)
	}

	owner, err := o.store.GetProjectOwner(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	if owner != p.UserID {
		return nil, ErrForbidden
	}

	chapters, err := o.resolveChapters(ctx, scope, p.ProjectID, p.ChapterID)
	if err != nil {
		return nil, err
	}

	// Pre-flight estimate; the authoritative split happens atomically when
	// accounting is finalized. Requiring a quota row here also stops users
	// without a subscription from queueing work we cannot bill.
	estChars := 0
	for _, ch := range chapters {
		estChars += utf8.RuneCountInString(segment.Clean(ch.Content))
	}
	if estChars == 0 {
		return nil, segment.ErrNoContent
	}
	quota, err := o.store.GetQuota(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	split, err := usage.Apportion(quota, estChars)
	if err != nil {
		return nil, err
	}
	estCost, err := costs.CharacterCostCents(split.Overage, profile.Pricing)
	if err != nil {
		return nil, err
	}

	job, err := o.store.CreateAudiobookJob(ctx, store.NewJobParams{
		ProjectID:          p.ProjectID,
		UserID:             p.UserID,
		Scope:              scope,
		ChapterID:          p.ChapterID,
		VoiceID:            profile.ID,
		QualityTier:        profile.Quality,
		EstimatedCostCents: estCost,
	})
	if err != nil {
		return nil, err
	}

	o.events.LogAsync(job.ID, eventlog.EventJobCreated, map[string]any{
		"scope":           string(scope),
		"voice_id":        profile.ID,
		"estimated_chars": estChars,
		"estimated_cost":  estCost,
	})
	o.logger.Printf("orchestrator: job %s created (scope=%s chapters=%d)", job.ID, scope, len(chapters))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sem <- struct{}{}
		defer func() { <-o.sem }()
		o.run(job.ID)
	}()

	return job, nil
}

func (o *Orchestrator) resolveChapters(ctx context.Context, scope store.JobScope, projectID string, chapterID *string) ([]store.Chapter, error) {
	if scope == store.ScopeChapter {
		ch, err := o.store.GetChapter(ctx, *chapterID)
		if err != nil {
			return nil, err
		}
		if ch.ProjectID != projectID {
			return nil, fmt.Errorf("%w: chapter %s is not in project %s", ErrInvalidRequest, ch.ID, projectID)
		}
		return []store.Chapter{*ch}, nil
	}
	chapters, err := o.store.ListProjectChapters(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(chapters) == 0 {
		return nil, fmt.Errorf("%w: project %s has no chapters", segment.ErrNoContent, projectID)
	}
	return chapters, nil
}

// run drives one job to a terminal state. It never returns an error; every
// failure path lands in the job's error_detail.
func (o *Orchestrator) run(jobID string) {
	ctx := o.baseCtx

	job, err := o.store.GetAudiobookJob(ctx, jobID)
	if err != nil {
		o.logger.Printf("orchestrator: job %s vanished before start: %v", jobID, err)
		sentry.CaptureException(err)
		return
	}

	profile, err := voices.Lookup(job.VoiceID)
	if err != nil {
		o.fail(ctx, job, profile, 0, err)
		return
	}
	voiceCfg := tts.VoiceConfig{VoiceID: profile.ID, LanguageCode: profile.LanguageCode, SpeakingRate: o.rate}

	chapters, err := o.resolveChapters(ctx, job.Scope, job.ProjectID, job.ChapterID)
	if err != nil {
		o.fail(ctx, job, profile, 0, err)
		return
	}

	if err := o.store.MarkJobGenerating(ctx, job.ID, len(chapters)); err != nil {
		o.logger.Printf("orchestrator: job %s: %v", job.ID, err)
		sentry.CaptureException(err)
		return
	}
	o.events.LogAsync(job.ID, eventlog.EventJobStarted, map[string]any{"total_chapters": len(chapters)})

	var (
		chapterPaths []string
		totalChars   int
	)

	for i, ch := range chapters {
		if err := ctx.Err(); err != nil {
			o.fail(ctx, job, profile, totalChars, fmt.Errorf("%w: job aborted before chapter %d", errCancelled, i+1))
			return
		}

		res, err := o.assembler.AssembleChapter(ctx, ch.Content, voiceCfg)
		if err != nil {
			o.events.LogAsync(job.ID, eventlog.EventChapterFailed, map[string]any{
				"chapter_id": ch.ID, "chapter_index": i, "error": err.Error(),
			})
			o.fail(ctx, job, profile, totalChars, fmt.Errorf("chapter %d (%s): %w", i+1, ch.Title, err))
			return
		}

		path, err := o.artifacts.SaveChapter(ctx, job.ID, i, res.Audio)
		if err != nil {
			o.fail(ctx, job, profile, totalChars, fmt.Errorf("chapter %d (%s): %w", i+1, ch.Title, err))
			return
		}

		if err := o.store.RecordChapterProgress(ctx, job.ID, path, res.DurationSeconds, int64(len(res.Audio)), res.CharacterCount); err != nil {
			o.fail(ctx, job, profile, totalChars, fmt.Errorf("recording chapter %d progress: %w", i+1, err))
			return
		}

		chapterPaths = append(chapterPaths, path)
		totalChars += res.CharacterCount
		o.events.LogAsync(job.ID, eventlog.EventChapterCompleted, map[string]any{
			"chapter_id": ch.ID, "chapter_index": i, "characters": res.CharacterCount, "segments": res.SegmentCount,
		})
		o.logger.Printf("orchestrator: job %s chapter %d/%d done (chars=%d)", job.ID, i+1, len(chapters), res.CharacterCount)
	}

	// Chapter scope's single artifact is the final artifact; full-book scope
	// concatenates the chapter artifacts in chapter order.
	finalPath := chapterPaths[0]
	if job.Scope == store.ScopeFullBook {
		finalPath, err = o.artifacts.SaveBook(ctx, job.ID, chapterPaths)
		if err != nil {
			o.fail(ctx, job, profile, totalChars, err)
			return
		}
	}

	costCents, wasOverage, err := o.settleUsage(ctx, job, profile, totalChars)
	if err != nil {
		o.fail(ctx, job, profile, 0, err) // settleUsage failed; do not settle again
		return
	}

	if err := o.store.CompleteJob(ctx, job.ID, finalPath, costCents, wasOverage); err != nil {
		o.logger.Printf("orchestrator: completing job %s: %v", job.ID, err)
		sentry.CaptureException(err)
		return
	}

	o.events.LogAsync(job.ID, eventlog.EventJobCompleted, map[string]any{
		"characters": totalChars, "cost_cents": costCents, "was_overage": wasOverage,
	})
	o.logger.Printf("orchestrator: job %s completed (chars=%d cost=%d overage=%v)", job.ID, totalChars, costCents, wasOverage)
	o.notifyTerminal(ctx, job, costCents, wasOverage, "")
}

// settleUsage consumes quota, splits included vs. overage, prices the
// overage, invoices it, and appends the ledger entry. Called exactly once
// per job, on success or on partial-progress failure.
func (o *Orchestrator) settleUsage(ctx context.Context, job *store.AudiobookJob, profile voices.Profile, chars int) (int, bool, error) {
	if chars == 0 {
		return 0, false, nil
	}

	quota, err := o.store.ConsumeQuota(ctx, job.UserID, chars)
	if err != nil {
		return 0, false, err
	}
	split, err := usage.Apportion(quota, chars)
	if err != nil {
		return 0, false, err
	}
	costCents, err := costs.CharacterCostCents(split.Overage, profile.Pricing)
	if err != nil {
		return 0, false, err
	}
	wasOverage := split.Overage > 0

	var invoiceItemID *string
	if wasOverage && costCents > 0 && o.charger != nil {
		customerID, err := o.store.GetUserStripeCustomerID(ctx, job.UserID)
		if err != nil || customerID == nil {
			o.logger.Printf("orchestrator: job %s: no stripe customer for overage charge", job.ID)
		} else {
			desc := fmt.Sprintf("Audiobook overage: %d characters", split.Overage)
			id, chargeErr := o.charger.ChargeOverage(ctx, *customerID, job.ID, costCents, desc)
			if chargeErr != nil {
				// The ledger row still records the owed amount; ops
				// reconciles the invoice by hand.
				o.logger.Printf("orchestrator: job %s: overage charge failed: %v", job.ID, chargeErr)
				sentry.CaptureException(chargeErr)
				o.discord.NotifyOverageChargeFailed(ctx, job.ID, job.UserID, costCents, chargeErr.Error())
			} else {
				invoiceItemID = &id
				o.events.LogAsync(job.ID, eventlog.EventOverageCharged, map[string]any{
					"invoice_item_id": id, "cost_cents": costCents,
				})
			}
		}
	}

	rec := store.UsageRecord{
		UserID:              job.UserID,
		JobID:               job.ID,
		ServiceType:         "audiobook",
		CharacterCount:      chars,
		IncludedChars:       split.Included,
		OverageChars:        split.Overage,
		CostCents:           costCents,
		WasOverage:          wasOverage,
		BillingPeriod:       store.CurrentBillingPeriod(quota.PeriodResetsAt),
		StripeInvoiceItemID: invoiceItemID,
	}
	if err := o.store.InsertUsageRecord(ctx, rec); err != nil {
		// Quota is already consumed; losing the ledger row is an audit
		// problem, not a billing one. Record loudly and keep the job alive.
		o.logger.Printf("orchestrator: job %s: inserting usage record: %v", job.ID, err)
		sentry.CaptureException(err)
	} else {
		o.events.LogAsync(job.ID, eventlog.EventUsageRecorded, map[string]any{
			"included": split.Included, "overage": split.Overage, "cost_cents": costCents,
		})
	}

	return costCents, wasOverage, nil
}

// fail settles usage for whatever was synthesized before the failure, then
// moves the job to failed with the cause recorded verbatim. Completed
// chapters stay on the job for diagnostics; the job is never retried.
func (o *Orchestrator) fail(ctx context.Context, job *store.AudiobookJob, profile voices.Profile, synthesizedChars int, cause error) {
	// The cause may be the context itself being cancelled during shutdown;
	// settlement and the failure write still have to land.
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	costCents, wasOverage := 0, false
	if synthesizedChars > 0 {
		var err error
		costCents, wasOverage, err = o.settleUsage(ctx, job, profile, synthesizedChars)
		if err != nil {
			o.logger.Printf("orchestrator: job %s: settling usage after failure: %v", job.ID, err)
			sentry.CaptureException(err)
			costCents, wasOverage = 0, false
		}
	}

	if err := o.store.FailJob(ctx, job.ID, cause.Error(), costCents, wasOverage); err != nil {
		o.logger.Printf("orchestrator: failing job %s: %v", job.ID, err)
		sentry.CaptureException(err)
		return
	}

	o.events.LogAsync(job.ID, eventlog.EventJobFailed, map[string]any{"error": cause.Error()})
	o.logger.Printf("orchestrator: job %s failed: %v", job.ID, cause)
	sentry.CaptureException(fmt.Errorf("audiobook job %s failed: %w", job.ID, cause))
	o.discord.NotifyJobFailed(ctx, job.ID, job.UserID, cause.Error())
	o.notifyTerminal(ctx, job, costCents, wasOverage, cause.Error())
}

// notifyTerminal pushes the terminal state to the user's registered devices.
func (o *Orchestrator) notifyTerminal(ctx context.Context, job *store.AudiobookJob, costCents int, wasOverage bool, errDetail string) {
	if o.apns == nil {
		return
	}
	tokens, err := o.store.GetUserPushTokens(ctx, job.UserID)
	if err != nil {
		o.logger.Printf("orchestrator: job %s: loading push tokens: %v", job.ID, err)
		return
	}

	fresh, err := o.store.GetAudiobookJob(ctx, job.ID)
	if err != nil {
		return
	}
	notif := notifications.JobNotification{
		JobID:           job.ID,
		ProjectTitle:    "Your audiobook",
		DurationSeconds: fresh.DurationSeconds,
		CostCents:       costCents,
		WasOverage:      wasOverage,
		ErrorDetail:     errDetail,
	}
	for _, t := range tokens {
		if t.Platform != "ios" {
			continue
		}
		if errDetail == "" {
			_ = o.apns.SendJobCompleted(t.Token, notif)
		} else {
			_ = o.apns.SendJobFailed(t.Token, notif)
		}
	}
}
