// Package apkgtest builds deck packages for tests: a real sqlite collection
// database plus media entries, zipped the way the exporter does it.
package apkgtest

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// Deck is a source deck definition.
type Deck struct {
	ID   int64
	Name string
}

// Note is a source note; Fields are joined with the 0x1f separator.
type Note struct {
	ID     int64
	Fields []string
	Tags   string
}

// Card is a source card row. Numeric columns are any so tests can store
// corrupt values such as text or NULL.
type Card struct {
	ID, NoteID, DeckID int64
	Type, Queue        any
	Due, Ivl, Factor   any
	Reps, Lapses       any
	ODid, ODue         int64
	// RawNoteID and RawDeckID replace NoteID and DeckID when non-nil.
	RawNoteID, RawDeckID any
}

// Collection describes the package to build.
type Collection struct {
	Entry   string // collection entry name, default collection.anki2
	Created any    // col.crt
	Decks   []Deck
	// SplitDecks stores decks in a separate decks table with 0x1f joined
	// names, leaving col.decks empty.
	SplitDecks bool
	// NoColTable omits the col table entirely.
	NoColTable bool
	Notes      []Note
	Cards      []Card
	// MediaMap is written as the JSON media entry when non-nil.
	MediaMap map[string]string
	// Files are extra archive entries, usually media blobs.
	Files map[string][]byte
}

const schema = `
CREATE TABLE notes (
    id integer primary key, guid text not null, mid integer not null, mod integer not null,
    usn integer not null, tags text not null, flds text not null, sfld integer not null,
    csum integer not null, flags integer not null, data text not null
);
CREATE TABLE cards (
    id integer primary key, nid integer not null, did integer not null, ord integer not null,
    mod integer not null, usn integer not null, type integer not null, queue integer not null,
    due integer, ivl integer, factor integer, reps integer, lapses integer,
    left integer not null, odue integer not null, odid integer not null,
    flags integer not null, data text not null
);
`

const colSchema = `
CREATE TABLE col (
    id integer primary key, crt integer, mod integer not null, scm integer not null,
    ver integer not null, dty integer not null, usn integer not null, ls integer not null,
    conf text not null, models text not null, decks text not null, dconf text not null,
    tags text not null
);
`

// BuildDB writes the collection database to a file under dir and returns its path.
func BuildDB(t testing.TB, dir string, c Collection) string {
	t.Helper()
	path := filepath.Join(dir, "collection-src.sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()
	// One connection so the pragmas apply to every insert.
	db.SetMaxOpenConns(1)
	mustExec(t, db, "PRAGMA synchronous=OFF")
	mustExec(t, db, "PRAGMA journal_mode=MEMORY")

	mustExec(t, db, schema)
	if !c.NoColTable {
		mustExec(t, db, colSchema)
		decksJSON := ""
		if c.SplitDecks {
			mustExec(t, db, `CREATE TABLE decks (id integer primary key not null, name text not null, mtime_secs integer not null, usn integer not null, common blob not null, kind blob not null)`)
			for _, d := range c.Decks {
				mustExec(t, db, `INSERT INTO decks VALUES (?, ?, 0, 0, x'', x'')`, d.ID, strings.ReplaceAll(d.Name, "::", "\x1f"))
			}
		} else {
			defs := map[string]map[string]any{}
			for _, d := range c.Decks {
				defs[strconv.FormatInt(d.ID, 10)] = map[string]any{"id": d.ID, "name": d.Name}
			}
			b, _ := json.Marshal(defs)
			decksJSON = string(b)
		}
		mustExec(t, db, `INSERT INTO col VALUES (1, ?, 0, 0, 11, 0, 0, 0, '{}', '{}', ?, '{}', '{}')`, c.Created, decksJSON)
	}

	for _, n := range c.Notes {
		mustExec(t, db, `INSERT INTO notes VALUES (?, ?, 1, 0, 0, ?, ?, 0, 0, 0, '')`,
			n.ID, "guid"+strconv.FormatInt(n.ID, 10), n.Tags, strings.Join(n.Fields, "\x1f"))
	}
	for _, cd := range c.Cards {
		var nid, did any = cd.NoteID, cd.DeckID
		if cd.RawNoteID != nil {
			nid = cd.RawNoteID
		}
		if cd.RawDeckID != nil {
			did = cd.RawDeckID
		}
		typ, queue := cd.Type, cd.Queue
		if typ == nil {
			typ = 0
		}
		if queue == nil {
			queue = 0
		}
		mustExec(t, db, `INSERT INTO cards VALUES (?, ?, ?, 0, 0, 0, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0, '')`,
			cd.ID, nid, did, typ, queue, cd.Due, cd.Ivl, cd.Factor, cd.Reps, cd.Lapses, cd.ODue, cd.ODid)
	}
	return path
}

// Build returns the zipped package bytes.
func Build(t testing.TB, c Collection) []byte {
	t.Helper()
	path := BuildDB(t, t.TempDir(), c)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture db: %v", err)
	}

	entry := c.Entry
	if entry == "" {
		entry = "collection.anki2"
	}
	if entry == "collection.anki21b" {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	files := map[string][]byte{entry: data}
	if c.MediaMap != nil {
		b, _ := json.Marshal(c.MediaMap)
		files["media"] = b
	}
	for name, blob := range c.Files {
		files[name] = blob
	}
	return Zip(t, files)
}

// Zip packs files into a zip archive.
func Zip(t testing.TB, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func mustExec(t testing.TB, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec %q: %v", query, err)
	}
}
