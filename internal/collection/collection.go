// Package collection reads the embedded collection database of a package.
package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/conorfennell/ankimport/internal/apkg"
	"github.com/conorfennell/ankimport/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

var (
	// ErrUnsupportedFormat is returned when the extracted file is not a
	// collection database of a recognized layout.
	ErrUnsupportedFormat = errors.New("unsupported collection format")
	// ErrMetadataUnreadable is returned when the collection row is missing
	// or its deck definitions cannot be decoded.
	ErrMetadataUnreadable = errors.New("collection metadata unreadable")
)

// invalidInt marks an integer column that held a non-numeric value. It is
// outside every recognized queue and type so it falls through to the
// unknown-state handling.
const invalidInt = math.MinInt32

// deckPathSeparator joins segments in the split decks table of newer layouts.
const deckPathSeparator = "\x1f"

// Collection is an extracted, read-only collection database. Close must be
// called to remove the temporary file.
type Collection struct {
	conn  *sql.DB
	path  string
	entry string
	meta  domain.CollectionMeta

	droppedNotes int
	droppedCards int
}

// Open extracts the archive's collection database into a uniquely named
// temporary file under tempDir (os.TempDir when empty), opens it read-only,
// and reads the collection metadata. The temporary file is removed on every
// failure path; on success it is removed by Close.
func Open(ctx context.Context, a *apkg.Archive, tempDir string) (col *Collection, err error) {
	tmp, err := os.CreateTemp(tempDir, "ankimport-*.sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := tmp.Name()
	defer func() {
		if err != nil {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("Failed to remove temp collection", "path", path, "error", rmErr)
			}
		}
	}()

	entry, err := a.WriteCollection(tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to flush temp collection: %w", closeErr)
	}
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open collection database: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	c := &Collection{conn: conn, path: path, entry: entry}
	if err := c.checkFormat(ctx); err != nil {
		return nil, err
	}
	if c.meta, err = c.readMeta(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close closes the database and removes the temporary file.
func (c *Collection) Close() error {
	closeErr := c.conn.Close()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove temp collection %s: %w", c.path, err)
	}
	return closeErr
}

// Path returns the temporary file backing the collection.
func (c *Collection) Path() string { return c.path }

// Entry returns the archive entry the collection was extracted from.
func (c *Collection) Entry() string { return c.entry }

// Meta returns the collection metadata read at open time.
func (c *Collection) Meta() domain.CollectionMeta { return c.meta }

func (c *Collection) hasTable(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Collection) checkFormat(ctx context.Context) error {
	for _, table := range []string{"col", "notes", "cards"} {
		ok, err := c.hasTable(ctx, table)
		if err != nil {
			// Not a sqlite file at all.
			return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		if !ok {
			return fmt.Errorf("%w: table %q is missing", ErrUnsupportedFormat, table)
		}
	}
	return nil
}

type deckJSON struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

func (c *Collection) readMeta(ctx context.Context) (domain.CollectionMeta, error) {
	var (
		crt   any
		decks sql.NullString
	)
	err := c.conn.QueryRowContext(ctx, `SELECT crt, decks FROM col LIMIT 1`).Scan(&crt, &decks)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CollectionMeta{}, fmt.Errorf("%w: collection row is missing", ErrMetadataUnreadable)
		}
		return domain.CollectionMeta{}, fmt.Errorf("%w: %v", ErrMetadataUnreadable, err)
	}

	meta := domain.CollectionMeta{
		Created: toFloat(crt),
		Decks:   make(map[int64]domain.SourceDeck),
	}

	raw := strings.TrimSpace(decks.String)
	if raw != "" && raw != "{}" {
		var defs map[string]deckJSON
		if err := json.Unmarshal([]byte(raw), &defs); err != nil {
			return domain.CollectionMeta{}, fmt.Errorf("%w: deck definitions: %v", ErrMetadataUnreadable, err)
		}
		for key, d := range defs {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				if id, err = d.ID.Int64(); err != nil {
					slog.Warn("Skipping deck with unreadable id", "key", key, "name", d.Name)
					continue
				}
			}
			meta.Decks[id] = domain.SourceDeck{ID: id, Name: d.Name}
		}
		return meta, nil
	}

	// Newer layouts keep decks in their own table.
	ok, err := c.hasTable(ctx, "decks")
	if err != nil {
		return domain.CollectionMeta{}, fmt.Errorf("%w: %v", ErrMetadataUnreadable, err)
	}
	if !ok {
		return domain.CollectionMeta{}, fmt.Errorf("%w: no deck definitions", ErrMetadataUnreadable)
	}
	rows, err := c.conn.QueryContext(ctx, `SELECT id, name FROM decks`)
	if err != nil {
		return domain.CollectionMeta{}, fmt.Errorf("%w: %v", ErrMetadataUnreadable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.SourceDeck
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return domain.CollectionMeta{}, fmt.Errorf("%w: %v", ErrMetadataUnreadable, err)
		}
		d.Name = strings.ReplaceAll(d.Name, deckPathSeparator, "::")
		meta.Decks[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return domain.CollectionMeta{}, fmt.Errorf("%w: %v", ErrMetadataUnreadable, err)
	}
	return meta, nil
}

// CountCards returns the number of card rows.
func (c *Collection) CountCards(ctx context.Context) (int, error) {
	var n int
	if err := c.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cards: %w", err)
	}
	return n, nil
}

// DroppedNotes returns how many note rows Notes skipped for a corrupt id.
func (c *Collection) DroppedNotes() int { return c.droppedNotes }

// DroppedCards returns how many card rows Cards skipped for a corrupt id,
// note id or deck id.
func (c *Collection) DroppedCards() int { return c.droppedCards }

// Notes streams every note row to fn. Rows whose id is not an integer are
// skipped and counted. Iteration stops at the first error returned by fn.
func (c *Collection) Notes(ctx context.Context, fn func(domain.SourceNote) error) error {
	rows, err := c.conn.QueryContext(ctx, `SELECT id, mid, flds, tags FROM notes ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			n          domain.SourceNote
			id, mid    any
			flds, tags sql.NullString
		)
		if err := rows.Scan(&id, &mid, &flds, &tags); err != nil {
			return fmt.Errorf("failed to scan note row: %w", err)
		}
		var ok bool
		if n.ID, ok = toID(id); !ok {
			c.droppedNotes++
			slog.Warn("Skipping note with corrupt id", "id", id)
			continue
		}
		n.ModelID, _ = toID(mid)
		n.Fields = flds.String
		n.Tags = tags.String
		if err := fn(n); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Cards streams every card row to fn. Cards sitting in a filtered deck are
// reported against their home deck and original due value. Rows whose id,
// note id or deck id is not an integer are skipped and counted.
func (c *Collection) Cards(ctx context.Context, fn func(domain.SourceCard) error) error {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT id, nid, did, type, queue, due, ivl, factor, reps, lapses, odid, odue
		FROM cards ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to query cards: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sc                                 domain.SourceCard
			id, nid, did                       any
			typ, queue, due, ivl, factor, reps any
			lapses, odid, odue                 any
		)
		if err := rows.Scan(&id, &nid, &did, &typ, &queue, &due, &ivl, &factor, &reps, &lapses, &odid, &odue); err != nil {
			return fmt.Errorf("failed to scan card row: %w", err)
		}
		var idOK, nidOK, didOK bool
		sc.ID, idOK = toID(id)
		sc.NoteID, nidOK = toID(nid)
		sc.DeckID, didOK = toID(did)
		if !idOK || !nidOK || !didOK {
			c.droppedCards++
			slog.Warn("Skipping card with corrupt id columns", "id", id, "note_id", nid, "deck_id", did)
			continue
		}
		sc.Type = toInt(typ)
		sc.Queue = toInt(queue)
		sc.Due = toFloat(due)
		sc.Ivl = toFloat(ivl)
		sc.Factor = toFloat(factor)
		sc.Reps = toFloat(reps)
		sc.Lapses = toFloat(lapses)

		if home := toFloat(odid); home > 0 && !math.IsNaN(home) {
			sc.DeckID = int64(home)
			if orig := toFloat(odue); orig != 0 && !math.IsNaN(orig) {
				sc.Due = orig
			}
		}
		if err := fn(sc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// toFloat coerces a loosely typed sqlite value. Anything that is not a
// number becomes NaN.
func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	case []byte:
		return parseFloat(string(x))
	case string:
		return parseFloat(x)
	default:
		return math.NaN()
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// maxExactID is the largest integer a float64 holds exactly.
const maxExactID = 1 << 53

// toID coerces an id column. ok is false unless the value is an integer.
func toID(v any) (int64, bool) {
	if x, ok := v.(int64); ok {
		return x, true
	}
	f := toFloat(v)
	if math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > maxExactID {
		return 0, false
	}
	return int64(f), true
}

func toInt(v any) int {
	f := toFloat(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return invalidInt
	}
	return int(f)
}
