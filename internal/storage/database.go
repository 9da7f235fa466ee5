package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conorfennell/ankimport/internal/domain"
	_ "github.com/lib/pq"  // Registers the postgres driver
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Sentinel errors for common database conditions
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn   *sql.DB
	driver string
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(driver, dsn string) (*DB, error) {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// Pragmas are per connection, and ":memory:" databases are per
		// connection too.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: conn, driver: driver}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string { return db.driver }

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// wrapDBError wraps a database error with operation context.
// It converts sql.ErrNoRows to ErrNotFound for consistent error handling.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FindDeck retrieves a deck by owner, name and parent. It returns nil, nil
// when no such deck exists.
func (db *DB) FindDeck(ctx context.Context, ownerID, name, parentID string) (*domain.Deck, error) {
	var d domain.Deck
	row := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT id, owner_id, name, parent_id, study_mode, created_at
		FROM decks WHERE owner_id = ? AND name = ? AND parent_id = ?
	`), ownerID, name, parentID)

	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.ParentID, &d.StudyMode, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Deck not found
		}
		return nil, fmt.Errorf("failed to find deck %s: %w", name, err)
	}
	return &d, nil
}

// CreateDeck inserts a new deck.
func (db *DB) CreateDeck(ctx context.Context, d domain.Deck) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO decks (id, owner_id, name, parent_id, study_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), d.ID, d.OwnerID, d.Name, d.ParentID, d.StudyMode, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert deck %s: %w", d.Name, err)
	}
	return nil
}

// ListDecks returns every deck owned by ownerID ordered by name.
func (db *DB) ListDecks(ctx context.Context, ownerID string) ([]domain.Deck, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, owner_id, name, parent_id, study_mode, created_at
		FROM decks WHERE owner_id = ? ORDER BY name, id
	`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decks for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var decks []domain.Deck
	for rows.Next() {
		var d domain.Deck
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.ParentID, &d.StudyMode, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		decks = append(decks, d)
	}
	return decks, rows.Err()
}

// InsertCards inserts a batch of cards in a single transaction. Either the
// whole batch is committed or none of it is.
func (db *DB) InsertCards(ctx context.Context, cards []domain.Card) error {
	if len(cards) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin card batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO cards (id, owner_id, deck_id, front, back, tags, content_hash, state, due_at,
			interval_days, ease, reps, lapses, suspended, source_card_id, import_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare card insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range cards {
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.OwnerID, c.DeckID, c.Front, c.Back, c.Tags, c.ContentHash, string(c.State), c.DueAt,
			c.IntervalDays, c.Ease, c.Reps, c.Lapses, c.Suspended, c.SourceCardID, c.ImportID, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert card %d: %w", c.SourceCardID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit card batch: %w", err)
	}
	return nil
}

// GetCardsByImport retrieves every card written by one import.
func (db *DB) GetCardsByImport(ctx context.Context, importID string) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT id, owner_id, deck_id, front, back, tags, content_hash, state, due_at,
			interval_days, ease, reps, lapses, suspended, source_card_id, import_id, created_at
		FROM cards WHERE import_id = ? ORDER BY source_card_id
	`), importID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for import %s: %w", importID, err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var (
			c     domain.Card
			state string
		)
		if err := rows.Scan(
			&c.ID, &c.OwnerID, &c.DeckID, &c.Front, &c.Back, &c.Tags, &c.ContentHash, &state, &c.DueAt,
			&c.IntervalDays, &c.Ease, &c.Reps, &c.Lapses, &c.Suspended, &c.SourceCardID, &c.ImportID, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan card row for import %s: %w", importID, err)
		}
		c.State = domain.CardState(state)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// CreateImport inserts a progress record.
func (db *DB) CreateImport(ctx context.Context, p domain.ImportProgress) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO imports (id, owner_id, status, total_cards, imported_cards, error_message, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.OwnerID, string(p.Status), p.TotalCards, p.ImportedCards, p.ErrorMessage, p.CreatedAt, p.UpdatedAt, nullTime(p.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert import %s: %w", p.ID, err)
	}
	return nil
}

// UpdateImport overwrites the mutable fields of a progress record.
func (db *DB) UpdateImport(ctx context.Context, p domain.ImportProgress) error {
	res, err := db.conn.ExecContext(ctx, db.rebind(`
		UPDATE imports
		SET status = ?, total_cards = ?, imported_cards = ?, error_message = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`), string(p.Status), p.TotalCards, p.ImportedCards, p.ErrorMessage, p.UpdatedAt, nullTime(p.FinishedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update import %s: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update import %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// GetImport retrieves a progress record by id.
func (db *DB) GetImport(ctx context.Context, id string) (*domain.ImportProgress, error) {
	var (
		p        domain.ImportProgress
		status   string
		finished sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT id, owner_id, status, total_cards, imported_cards, error_message, created_at, updated_at, finished_at
		FROM imports WHERE id = ?
	`), id).Scan(&p.ID, &p.OwnerID, &status, &p.TotalCards, &p.ImportedCards, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &finished)
	if err != nil {
		return nil, wrapDBError("get import "+id, err)
	}
	p.Status = domain.ImportStatus(status)
	if finished.Valid {
		t := finished.Time
		p.FinishedAt = &t
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
