// Package apkg opens exported deck packages: zip containers holding an
// embedded collection database and numbered media files.
package apkg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrArchiveInvalid is returned when the bytes are not a readable zip container.
	ErrArchiveInvalid = errors.New("archive is not a valid package")
	// ErrNoCollection is returned when none of the known collection entries exist.
	ErrNoCollection = errors.New("no collection found in archive")
)

// Collection entry names, newest schema first.
const (
	EntryCollection21b = "collection.anki21b"
	EntryCollection21  = "collection.anki21"
	EntryCollection2   = "collection.anki2"
	EntryMediaMap      = "media"
)

// DefaultMaxEntryBytes caps the decompressed size of any single entry.
const DefaultMaxEntryBytes int64 = 1 << 30

var collectionCandidates = []string{EntryCollection21b, EntryCollection21, EntryCollection2}

// zstdMagic prefixes every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Archive is an opened package.
type Archive struct {
	zr      *zip.Reader
	entries map[string]*zip.File
	names   []string
	// maxEntryBytes bounds every decompressed entry.
	maxEntryBytes int64
}

// Open validates data as a zip container and indexes its entries.
// Nothing is extracted yet. Entries are capped at DefaultMaxEntryBytes.
func Open(data []byte) (*Archive, error) {
	return OpenLimited(data, DefaultMaxEntryBytes)
}

// OpenLimited is Open with an explicit cap on the decompressed size of each
// entry. Reads past the cap fail with ErrArchiveInvalid. A non-positive cap
// means DefaultMaxEntryBytes.
func OpenLimited(data []byte, maxEntryBytes int64) (*Archive, error) {
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrArchiveInvalid)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}

	a := &Archive{
		zr:            zr,
		entries:       make(map[string]*zip.File, len(zr.File)),
		maxEntryBytes: maxEntryBytes,
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.entries[f.Name] = f
		a.names = append(a.names, f.Name)
	}
	return a, nil
}

// Names returns every file entry name in archive order.
func (a *Archive) Names() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// MaxEntryBytes returns the decompressed size cap per entry.
func (a *Archive) MaxEntryBytes() int64 { return a.maxEntryBytes }

// Has reports whether the archive contains the named entry.
func (a *Archive) Has(name string) bool {
	_, ok := a.entries[name]
	return ok
}

// NoCollectionError lists the entries that were present when no collection
// database could be located.
type NoCollectionError struct {
	Entries []string
}

func (e *NoCollectionError) Error() string {
	return fmt.Sprintf("%s (entries: %s)", ErrNoCollection, strings.Join(e.Entries, ", "))
}

func (e *NoCollectionError) Unwrap() error { return ErrNoCollection }

// CollectionEntry probes the known collection entry names in order and
// returns the first one present.
func (a *Archive) CollectionEntry() (string, error) {
	for _, name := range collectionCandidates {
		if a.Has(name) {
			return name, nil
		}
	}
	return "", &NoCollectionError{Entries: a.Names()}
}

// ReadEntry returns the raw bytes of the named entry.
func (a *Archive) ReadEntry(name string) ([]byte, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, fmt.Errorf("entry %q not found", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %q: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, a.maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %q: %w", name, err)
	}
	if int64(len(data)) > a.maxEntryBytes {
		return nil, tooLarge(name, a.maxEntryBytes)
	}
	return data, nil
}

// Decompress is MaybeDecompress bounded by the archive's entry cap.
func (a *Archive) Decompress(data []byte) ([]byte, error) {
	return MaybeDecompress(data, a.maxEntryBytes)
}

func tooLarge(name string, limit int64) error {
	return fmt.Errorf("%w: entry %q expands past %d bytes", ErrArchiveInvalid, name, limit)
}

// WriteCollection copies the collection database to w, decompressing the
// newest layout on the fly. It returns the entry name that was used.
func (a *Archive) WriteCollection(w io.Writer) (string, error) {
	name, err := a.CollectionEntry()
	if err != nil {
		return "", err
	}
	rc, err := a.entries[name].Open()
	if err != nil {
		return name, fmt.Errorf("failed to open entry %q: %w", name, err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if name == EntryCollection21b {
		dec, err := zstd.NewReader(rc)
		if err != nil {
			return name, fmt.Errorf("failed to init zstd reader: %w", err)
		}
		defer dec.Close()
		src = dec
	}
	n, err := io.Copy(w, io.LimitReader(src, a.maxEntryBytes+1))
	if err != nil {
		return name, fmt.Errorf("failed to extract %q: %w", name, err)
	}
	if n > a.maxEntryBytes {
		return name, tooLarge(name, a.maxEntryBytes)
	}
	return name, nil
}

// MaybeDecompress returns data unchanged unless it is a zstd frame, in which
// case the decompressed bytes are returned. Output past limit fails with
// ErrArchiveInvalid.
func MaybeDecompress(data []byte, limit int64) ([]byte, error) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to init zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: decompressed data exceeds %d bytes", ErrArchiveInvalid, limit)
	}
	return out, nil
}
