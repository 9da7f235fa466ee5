// Package importer runs a deck package import end to end: it opens the
// archive, recreates decks, migrates media, normalizes every card and commits
// them in batches behind a failure-rate circuit breaker.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/ankimport/internal/apkg"
	"github.com/conorfennell/ankimport/internal/collection"
	"github.com/conorfennell/ankimport/internal/content"
	"github.com/conorfennell/ankimport/internal/decks"
	"github.com/conorfennell/ankimport/internal/domain"
	"github.com/conorfennell/ankimport/internal/fingerprint"
	"github.com/conorfennell/ankimport/internal/media"
	"github.com/conorfennell/ankimport/internal/objectstore"
	"github.com/conorfennell/ankimport/internal/parser"
	"github.com/conorfennell/ankimport/internal/schedule"
	"github.com/conorfennell/ankimport/internal/telemetry"
)

// PackageExtension is the only accepted upload filename suffix.
const PackageExtension = ".apkg"

// Defaults for Options fields left at zero.
const (
	DefaultBatchSize        = 200
	DefaultFailureThreshold = 0.10
)

// Store is the destination datastore.
type Store interface {
	decks.Store
	InsertCards(ctx context.Context, cards []domain.Card) error
	CreateImport(ctx context.Context, p domain.ImportProgress) error
	UpdateImport(ctx context.Context, p domain.ImportProgress) error
}

// Options tunes an Importer.
type Options struct {
	BatchSize        int
	FailureThreshold float64
	MediaWorkers     int
	// MaxEntryBytes caps each decompressed archive entry; zero means
	// apkg.DefaultMaxEntryBytes.
	MaxEntryBytes int64
	// TempDir holds extracted collection databases; empty means os.TempDir.
	TempDir string
	Metrics *telemetry.Metrics
	// Now is read once per import. Defaults to time.Now.
	Now func() time.Time
}

// Importer imports deck packages for any owner. It is safe for concurrent
// use; imports share nothing but the store and uploader.
type Importer struct {
	store    Store
	uploader objectstore.Uploader
	opts     Options
}

// New returns an importer writing cards to store and media to uploader.
func New(store Store, uploader objectstore.Uploader, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Importer{store: store, uploader: uploader, opts: opts}
}

// Result is the outcome of an import.
type Result struct {
	Success            bool     `json:"success"`
	Imported           int      `json:"imported"`
	Decks              int      `json:"decks"`
	ImportID           string   `json:"importId"`
	Warnings           []string `json:"warnings,omitempty"`
	Total              int      `json:"total"`
	Failed             int      `json:"failed"`
	SkippedDefaultDeck int      `json:"skippedDefaultDeck"`
	MediaUploaded      int      `json:"mediaUploaded"`
	MediaFailed        int      `json:"mediaFailed"`
}

// FailureRate is failed cards over every card that was eligible for import.
func (r *Result) FailureRate() float64 {
	eligible := r.Total - r.SkippedDefaultDeck
	if eligible <= 0 {
		return 0
	}
	return float64(r.Failed) / float64(eligible)
}

// ValidFilename reports whether name carries the package extension.
func ValidFilename(name string) bool {
	name = strings.TrimSpace(name)
	return len(name) > len(PackageExtension) && strings.HasSuffix(strings.ToLower(name), PackageExtension)
}

// run holds the state of one import invocation.
type run struct {
	*Importer
	ownerID  string
	now      time.Time
	progress domain.ImportProgress
	reporter *progressReporter
	result   Result
	batch    []domain.Card

	fallbacks int
	unmatched int
}

// Import runs one import. A non-nil error is always an *Error. When the
// failure-rate circuit breaker trips the returned Result still reports what
// was committed.
func (im *Importer) Import(ctx context.Context, ownerID string, data []byte, filename string) (*Result, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, newError(CodeUnauthenticated, "caller identity is required", nil)
	}
	if !ValidFilename(filename) {
		return nil, newError(CodeInvalidFilename, fmt.Sprintf("filename %q must end in %s", filename, PackageExtension), nil)
	}
	archive, err := apkg.OpenLimited(data, im.opts.MaxEntryBytes)
	if err != nil {
		return nil, classify(err)
	}

	r := &run{Importer: im, ownerID: ownerID, now: im.opts.Now().UTC()}
	r.progress = domain.ImportProgress{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    domain.ImportPending,
		CreatedAt: r.now,
		UpdatedAt: r.now,
	}
	r.result.ImportID = r.progress.ID
	if err := im.store.CreateImport(ctx, r.progress); err != nil {
		return nil, newError(CodeStorageUnavailable, "failed to create import record", err)
	}
	r.reporter = newProgressReporter(ctx, im.store)

	logger := slog.With("import_id", r.progress.ID, "owner_id", ownerID, "filename", filename)
	logger.Info("Starting import")

	res, err := r.execute(ctx, archive, logger)

	r.finish(err)
	r.reporter.Close()

	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(ErrorCode(err)))
		logger.Error("Import failed", "error", err)
	} else {
		logger.Info("Import complete", "imported", res.Imported, "decks", res.Decks, "failed", res.Failed)
	}
	im.opts.Metrics.Record(ctx, telemetry.Summary{
		Outcome:       outcome,
		Imported:      r.result.Imported,
		Failed:        r.result.Failed,
		SkippedDeck:   r.result.SkippedDefaultDeck,
		MediaUploaded: r.result.MediaUploaded,
		MediaFailed:   r.result.MediaFailed,
	})
	return res, err
}

func (r *run) execute(ctx context.Context, archive *apkg.Archive, logger *slog.Logger) (*Result, error) {
	col, err := collection.Open(ctx, archive, r.opts.TempDir)
	if err != nil {
		return nil, r.fail(classify(err))
	}
	defer func() {
		if err := col.Close(); err != nil {
			logger.Warn("Failed to clean up collection", "error", err)
		}
	}()

	// Every day-offset due depends on the epoch, so it is checked before
	// anything is written.
	meta := col.Meta()
	epoch, err := schedule.NewEpoch(meta.Created)
	if err != nil {
		return nil, r.fail(classify(err))
	}

	total, err := col.CountCards(ctx)
	if err != nil {
		return nil, r.fail(classify(err))
	}
	r.result.Total = total
	r.progress.Status = domain.ImportRunning
	r.progress.TotalCards = total
	r.report()

	resolver := decks.NewResolver(r.store, r.ownerID)
	deckIDs := resolver.ResolveAll(ctx, meta.Decks)
	r.result.Decks = resolver.Created()
	logger.Info("Resolved decks", "source", len(meta.Decks), "created", resolver.Created())

	mediaMap, warning := media.ReadMap(archive)
	if warning != "" {
		r.warn(warning)
	}
	migrated := media.NewMigrator(r.uploader, r.opts.MediaWorkers).Migrate(ctx, archive, r.ownerID, mediaMap)
	r.result.MediaUploaded = migrated.Uploaded
	r.result.MediaFailed = migrated.Failed
	if migrated.Failed > 0 {
		r.warn(fmt.Sprintf("%d media files failed to upload", migrated.Failed))
	}
	rewriter := content.NewRewriter(migrated.URLs)

	notes := make(map[int64]domain.SourceNote)
	if err := col.Notes(ctx, func(n domain.SourceNote) error {
		notes[n.ID] = n
		return nil
	}); err != nil {
		return nil, r.fail(classify(err))
	}
	if n := col.DroppedNotes(); n > 0 {
		r.warn(fmt.Sprintf("%d note rows had corrupt ids and were dropped", n))
	}

	err = col.Cards(ctx, func(sc domain.SourceCard) error {
		if sc.DeckID == domain.DefaultDeckID {
			r.result.SkippedDefaultDeck++
			return nil
		}
		deckID, ok := deckIDs[sc.DeckID]
		if !ok {
			r.result.Failed++
			logger.Warn("Dropping card in unknown deck", "card_id", sc.ID, "deck_id", sc.DeckID)
			return nil
		}
		note, ok := notes[sc.NoteID]
		if !ok {
			r.result.Failed++
			logger.Warn("Dropping card without a note", "card_id", sc.ID, "note_id", sc.NoteID)
			return nil
		}
		card, err := r.buildCard(sc, note, deckID, epoch, rewriter, logger)
		if err != nil {
			r.result.Failed++
			logger.Warn("Dropping invalid card", "card_id", sc.ID, "error", err)
			return nil
		}
		r.batch = append(r.batch, card)
		if len(r.batch) >= r.opts.BatchSize {
			r.flush(ctx, logger)
		}
		return nil
	})
	if err != nil {
		return nil, r.fail(classify(err))
	}
	if n := col.DroppedCards(); n > 0 {
		r.result.Failed += n
		r.warn(fmt.Sprintf("%d card rows had corrupt ids and were dropped", n))
	}
	r.flush(ctx, logger)

	if r.result.SkippedDefaultDeck > 0 {
		r.warn(fmt.Sprintf("%d cards in the default deck were skipped", r.result.SkippedDefaultDeck))
	}
	if r.fallbacks > 0 {
		r.warn(fmt.Sprintf("%d cards had unreadable due dates and are due now", r.fallbacks))
	}
	if r.unmatched > 0 {
		r.warn(fmt.Sprintf("%d image references had no uploaded media", r.unmatched))
	}

	res := r.result
	if rate := res.FailureRate(); rate > r.opts.FailureThreshold {
		e := newError(CodeFailureRateExceeded,
			fmt.Sprintf("%d of %d cards failed (%.1f%%), above the %.1f%% threshold",
				res.Failed, res.Total-res.SkippedDefaultDeck, rate*100, r.opts.FailureThreshold*100), nil)
		e.Details = map[string]any{
			"imported":           res.Imported,
			"failed":             res.Failed,
			"total":              res.Total,
			"skippedDefaultDeck": res.SkippedDefaultDeck,
			"failureRate":        rate,
		}
		return &res, r.fail(e)
	}
	res.Success = true
	return &res, nil
}

// buildCard turns one source card into a validated destination card.
func (r *run) buildCard(sc domain.SourceCard, note domain.SourceNote, deckID string, epoch schedule.Epoch, rw *content.Rewriter, logger *slog.Logger) (domain.Card, error) {
	sched := schedule.Normalize(sc, epoch, r.now)
	if sched.Fallback {
		r.fallbacks++
		logger.Warn("Scheduling fallback", "card_id", sc.ID, "warning", sched.Warning)
	}

	fields := parser.ParseFields(note.Fields)
	front, missFront := rw.Process(fields.Front)
	back, missBack := rw.Process(fields.Back)
	if missing := append(missFront, missBack...); len(missing) > 0 {
		r.unmatched += len(missing)
		logger.Warn("Unmatched image references", "card_id", sc.ID, "src", missing)
	}

	card := domain.Card{
		ID:           uuid.NewString(),
		OwnerID:      r.ownerID,
		DeckID:       deckID,
		Front:        front,
		Back:         back,
		Tags:         strings.Join(parser.ParseTags(note.Tags), " "),
		ContentHash:  fingerprint.Hash(front, back),
		State:        sched.State,
		DueAt:        sched.DueAt,
		IntervalDays: sched.IntervalDays,
		Ease:         schedule.Ease(sc.Factor),
		Reps:         schedule.Count(sc.Reps),
		Lapses:       schedule.Count(sc.Lapses),
		Suspended:    sched.Suspended,
		SourceCardID: sc.ID,
		ImportID:     r.progress.ID,
		CreatedAt:    r.now,
	}
	if err := schedule.ValidateCard(&card); err != nil {
		return domain.Card{}, err
	}
	return card, nil
}

// flush commits the pending batch. A failed insert counts every card in the
// batch as failed and never aborts the import.
func (r *run) flush(ctx context.Context, logger *slog.Logger) {
	if len(r.batch) == 0 {
		return
	}
	n := len(r.batch)
	if err := r.store.InsertCards(ctx, r.batch); err != nil {
		r.result.Failed += n
		logger.Error("Card batch insert failed", "cards", n, "error", err)
	} else {
		r.result.Imported += n
	}
	r.batch = r.batch[:0]

	r.progress.ImportedCards = r.result.Imported
	r.report()
}

func (r *run) warn(msg string) {
	r.result.Warnings = append(r.result.Warnings, msg)
}

func (r *run) report() {
	r.progress.UpdatedAt = time.Now().UTC()
	r.reporter.Report(r.progress)
}

// fail stamps the import id on e and returns it.
func (r *run) fail(e *Error) error {
	e.ImportID = r.progress.ID
	return e
}

// finish queues the terminal progress snapshot.
func (r *run) finish(err error) {
	now := time.Now().UTC()
	r.progress.ImportedCards = r.result.Imported
	r.progress.FinishedAt = &now
	r.progress.Status = domain.ImportDone
	if err != nil {
		r.progress.Status = domain.ImportError
		var ie *Error
		if errors.As(err, &ie) {
			r.progress.ErrorMessage = ie.Message
		} else {
			r.progress.ErrorMessage = err.Error()
		}
	}
	r.report()
}
