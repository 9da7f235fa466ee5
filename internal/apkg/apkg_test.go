package apkg

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestOpenRejectsNonArchives(t *testing.T) {
	testCases := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "plain text", input: []byte("definitely not a zip")},
		{name: "truncated zip", input: buildZip(t, map[string][]byte{"a": []byte("b")})[:10]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(tc.input)
			if !errors.Is(err, ErrArchiveInvalid) {
				t.Fatalf("Expected ErrArchiveInvalid, got %v", err)
			}
		})
	}
}

func TestCollectionEntryPrefersNewestSchema(t *testing.T) {
	testCases := []struct {
		name     string
		files    []string
		expected string
	}{
		{name: "legacy only", files: []string{EntryCollection2, "media"}, expected: EntryCollection2},
		{name: "anki21 over anki2", files: []string{EntryCollection2, EntryCollection21}, expected: EntryCollection21},
		{name: "all three", files: []string{EntryCollection2, EntryCollection21, EntryCollection21b}, expected: EntryCollection21b},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			files := map[string][]byte{}
			for _, f := range tc.files {
				files[f] = []byte("x")
			}
			a, err := Open(buildZip(t, files))
			if err != nil {
				t.Fatalf("Open() returned an unexpected error: %v", err)
			}
			got, err := a.CollectionEntry()
			if err != nil {
				t.Fatalf("CollectionEntry() returned an unexpected error: %v", err)
			}
			if got != tc.expected {
				t.Errorf("Expected entry '%s', but got '%s'", tc.expected, got)
			}
		})
	}
}

func TestCollectionEntryMissingListsEntries(t *testing.T) {
	a, err := Open(buildZip(t, map[string][]byte{"media": []byte("{}"), "0": []byte("img")}))
	if err != nil {
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	_, err = a.CollectionEntry()
	if !errors.Is(err, ErrNoCollection) {
		t.Fatalf("Expected ErrNoCollection, got %v", err)
	}
	var nc *NoCollectionError
	if !errors.As(err, &nc) {
		t.Fatalf("Expected *NoCollectionError, got %T", err)
	}
	if len(nc.Entries) != 2 {
		t.Errorf("Expected 2 listed entries, got %v", nc.Entries)
	}
	if !strings.Contains(err.Error(), "media") {
		t.Errorf("Expected error to mention entry names, got %q", err.Error())
	}
}

func TestWriteCollectionDecompressesNewestLayout(t *testing.T) {
	raw := []byte("SQLite format 3\x00 pretend database body")
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	a, err := Open(buildZip(t, map[string][]byte{EntryCollection21b: compressed}))
	if err != nil {
		t.Fatalf("Open() returned an unexpected error: %v", err)
	}
	var out bytes.Buffer
	name, err := a.WriteCollection(&out)
	if err != nil {
		t.Fatalf("WriteCollection() returned an unexpected error: %v", err)
	}
	if name != EntryCollection21b {
		t.Errorf("Expected %s, got %s", EntryCollection21b, name)
	}
	if !bytes.Equal(out.Bytes(), raw) {
		t.Errorf("Decompressed collection does not match input")
	}
}

func TestMaybeDecompress(t *testing.T) {
	plain := []byte(`{"0":"a.png"}`)
	got, err := MaybeDecompress(plain, DefaultMaxEntryBytes)
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("Expected plain data to pass through, got %q, %v", got, err)
	}

	enc, _ := zstd.NewWriter(nil)
	compressed := enc.EncodeAll(plain, nil)
	enc.Close()
	got, err = MaybeDecompress(compressed, DefaultMaxEntryBytes)
	if err != nil {
		t.Fatalf("MaybeDecompress() returned an unexpected error: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Expected %q, got %q", plain, got)
	}
}

func TestEntriesPastLimitAreRejected(t *testing.T) {
	const limit = 1024
	big := bytes.Repeat([]byte{0}, 64*limit)
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	compressed := enc.EncodeAll(big, nil)
	enc.Close()

	testCases := []struct {
		name string
		run  func(a *Archive) error
	}{
		{
			name: "zstd collection",
			run: func(a *Archive) error {
				_, err := a.WriteCollection(&bytes.Buffer{})
				return err
			},
		},
		{
			name: "deflated entry",
			run: func(a *Archive) error {
				_, err := a.ReadEntry("0")
				return err
			},
		},
		{
			name: "zstd media map",
			run: func(a *Archive) error {
				_, err := a.Decompress(compressed)
				return err
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := buildZip(t, map[string][]byte{EntryCollection21b: compressed, "0": big})
			if len(data) >= limit*8 {
				t.Fatalf("Expected a small archive, got %d bytes", len(data))
			}
			a, err := OpenLimited(data, limit)
			if err != nil {
				t.Fatalf("OpenLimited() returned an unexpected error: %v", err)
			}
			if err := tc.run(a); !errors.Is(err, ErrArchiveInvalid) {
				t.Errorf("Expected ErrArchiveInvalid but got %v", err)
			}
		})
	}
}

func TestEntriesWithinLimitAreRead(t *testing.T) {
	a, err := OpenLimited(buildZip(t, map[string][]byte{"0": []byte("12345678")}), 8)
	if err != nil {
		t.Fatalf("OpenLimited() returned an unexpected error: %v", err)
	}
	got, err := a.ReadEntry("0")
	if err != nil || string(got) != "12345678" {
		t.Errorf("Expected an entry exactly at the limit to be read, got %q, %v", got, err)
	}
	if a.MaxEntryBytes() != 8 {
		t.Errorf("Expected limit 8 but got %d", a.MaxEntryBytes())
	}
}
