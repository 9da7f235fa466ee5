package domain

import "time"

// DefaultDeckID is the id the source application reserves for its built-in
// "Default" deck. Cards pointing at it are never imported.
const DefaultDeckID int64 = 1

// Queue values found on source card rows.
const (
	QueueUserBuried  = -3
	QueueSchedBuried = -2
	QueueSuspended   = -1
	QueueNew         = 0
	QueueLearning    = 1
	QueueReview      = 2
	QueueDayLearning = 3
)

// Type values found on source card rows.
const (
	TypeNew        = 0
	TypeLearning   = 1
	TypeReview     = 2
	TypeRelearning = 3
)

// SourceCard is one row of the embedded database's cards table.
// Numeric scheduling columns are float64 so that corrupt or non-numeric
// values survive the read as NaN and can be rejected by the normalizer.
type SourceCard struct {
	ID     int64
	NoteID int64
	DeckID int64
	Type   int
	Queue  int
	Due    float64
	Ivl    float64
	Factor float64
	Reps   float64
	Lapses float64
}

// SourceNote is one row of the embedded database's notes table.
type SourceNote struct {
	ID      int64
	ModelID int64
	Fields  string // fields joined by FieldSeparator
	Tags    string
}

// FieldSeparator joins note fields in the source format.
const FieldSeparator = "\x1f"

// SourceDeck is a single deck definition from the collection metadata.
type SourceDeck struct {
	ID   int64
	Name string // "::" delimited path
}

// CollectionMeta holds the collection-level metadata row.
type CollectionMeta struct {
	Decks map[int64]SourceDeck
	// Created is the collection creation instant in seconds since the epoch.
	// It is the zero point of every day-offset due value and is validated
	// before use.
	Created float64
}

// CardState is the destination scheduling state.
type CardState string

const (
	StateNew       CardState = "new"
	StateLearning  CardState = "learning"
	StateReview    CardState = "review"
	StateSuspended CardState = "suspended"
)

// Valid reports whether s is one of the known states.
func (s CardState) Valid() bool {
	switch s {
	case StateNew, StateLearning, StateReview, StateSuspended:
		return true
	}
	return false
}

// Card is a persisted destination card.
type Card struct {
	ID           string    `validate:"required"`
	OwnerID      string    `validate:"required"`
	DeckID       string    `validate:"required"`
	Front        string    `validate:"required,notblank"`
	Back         string    `validate:"required,notblank"`
	Tags         string    `validate:"-"`
	ContentHash  string    `validate:"required,len=64"`
	State        CardState `validate:"required,oneof=new learning review suspended"`
	DueAt        time.Time
	IntervalDays int     `validate:"gte=0"`
	Ease         float64 `validate:"gte=1.3,lte=5"`
	Reps         int     `validate:"gte=0"`
	Lapses       int     `validate:"gte=0"`
	Suspended    bool
	SourceCardID int64
	ImportID     string
	CreatedAt    time.Time
}

// Deck is a destination deck.
type Deck struct {
	ID        string
	OwnerID   string
	Name      string
	ParentID  string // empty for top-level decks
	StudyMode string
	CreatedAt time.Time
}

// StudyModeClassic is the flat study mode every imported deck is created with.
const StudyModeClassic = "classic"

// ImportStatus is the lifecycle status of an import's progress record.
type ImportStatus string

const (
	ImportPending ImportStatus = "pending"
	ImportRunning ImportStatus = "running"
	ImportDone    ImportStatus = "done"
	ImportError   ImportStatus = "error"
)

// ImportProgress is the progress record polled by the caller.
type ImportProgress struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"ownerId"`
	Status        ImportStatus `json:"status"`
	TotalCards    int          `json:"totalCards"`
	ImportedCards int          `json:"importedCards"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
}

// MediaAsset is an archive entry selected for upload.
type MediaAsset struct {
	EntryName    string
	OriginalName string
	ContentType  string
	PublicURL    string
}
