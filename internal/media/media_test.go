package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/ankimport/internal/apkg"
	"github.com/conorfennell/ankimport/internal/testutil/apkgtest"
)

type fakeUploader struct {
	mu       sync.Mutex
	paths    map[string]string // path -> content type
	fail     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeUploader) Upload(_ context.Context, p string, _ []byte, contentType string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)

	if f.fail[p] {
		return "", errors.New("storage unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paths == nil {
		f.paths = map[string]string{}
	}
	f.paths[p] = contentType
	return "https://cdn.example/" + p, nil
}

func openArchive(t *testing.T, files map[string][]byte) *apkg.Archive {
	t.Helper()
	a, err := apkg.Open(apkgtest.Zip(t, files))
	require.NoError(t, err)
	return a
}

func TestParseMap(t *testing.T) {
	m, err := ParseMap([]byte(`{"0":"diagram.png","1":"sound.mp3"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0": "diagram.png", "1": "sound.mp3"}, m)

	m, err = ParseMap(nil)
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = ParseMap([]byte("\x0a\x02not json"))
	assert.Error(t, err)
}

func TestReadMapDecompressesZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(`{"3":"x.gif"}`), nil)
	enc.Close()

	a := openArchive(t, map[string][]byte{"media": compressed, "collection.anki2": []byte("x")})
	m, warning := ReadMap(a)
	assert.Empty(t, warning)
	assert.Equal(t, map[string]string{"3": "x.gif"}, m)
}

func TestReadMapDegradesToEmpty(t *testing.T) {
	a := openArchive(t, map[string][]byte{"media": []byte("{broken"), "collection.anki2": []byte("x")})
	m, warning := ReadMap(a)
	assert.Empty(t, m)
	assert.Contains(t, warning, "media map unreadable")

	a = openArchive(t, map[string][]byte{"collection.anki2": []byte("x")})
	m, warning = ReadMap(a)
	assert.Empty(t, m)
	assert.Empty(t, warning)
}

func TestCandidates(t *testing.T) {
	a := openArchive(t, map[string][]byte{
		"collection.anki2": []byte("db"),
		"media":            []byte("{}"),
		"0":                []byte("png"),
		"1":                []byte("mp3"),
		"1.jpg":            []byte("jpg"),
		"loose.WEBP":       []byte("webp"),
		"notes.txt":        []byte("txt"),
	})
	mediaMap := map[string]string{"0": "diagram.png", "1": "sound.mp3", "1.jpg": "photo.png"}

	assets := Candidates(a, mediaMap)
	require.Len(t, assets, 3)

	byEntry := map[string]string{}
	types := map[string]string{}
	for _, asset := range assets {
		byEntry[asset.EntryName] = asset.OriginalName
		types[asset.EntryName] = asset.ContentType
	}
	assert.Equal(t, "diagram.png", byEntry["0"])
	assert.Equal(t, "photo.png", byEntry["1.jpg"])
	assert.Equal(t, "loose.WEBP", byEntry["loose.WEBP"])
	assert.Equal(t, "image/png", types["0"])
	assert.Equal(t, "image/webp", types["loose.WEBP"])
	assert.NotContains(t, byEntry, "1", "non-image media must not be uploaded")
}

func TestMigrateBuildsURLTable(t *testing.T) {
	a := openArchive(t, map[string][]byte{
		"collection.anki2": []byte("db"),
		"1.jpg":            []byte("jpg"),
		"2":                []byte("gif"),
	})
	up := &fakeUploader{}
	res := NewMigrator(up, 5).Migrate(context.Background(), a, "owner-1", map[string]string{"1.jpg": "diagram.png", "2": "anim.gif"})

	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, "https://cdn.example/owner-1/anki-media/diagram.png", res.URLs["diagram.png"])
	assert.Equal(t, "https://cdn.example/owner-1/anki-media/diagram.png", res.URLs["1.jpg"])
	assert.Equal(t, "https://cdn.example/owner-1/anki-media/anim.gif", res.URLs["anim.gif"])
	assert.Equal(t, "image/png", up.paths["owner-1/anki-media/diagram.png"])
}

func TestMigrateSkipsFailedUploads(t *testing.T) {
	a := openArchive(t, map[string][]byte{"0": []byte("a"), "1": []byte("b")})
	up := &fakeUploader{fail: map[string]bool{"owner-1/anki-media/bad.png": true}}
	res := NewMigrator(up, 2).Migrate(context.Background(), a, "owner-1", map[string]string{"0": "good.png", "1": "bad.png"})

	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, res.URLs, "good.png")
	assert.NotContains(t, res.URLs, "bad.png")
}

func TestMigrateBoundsConcurrency(t *testing.T) {
	files := map[string][]byte{}
	mediaMap := map[string]string{}
	for i := 0; i < 40; i++ {
		name := string(rune('a'+i%26)) + string(rune('0'+i/26))
		files[name] = []byte(name)
		mediaMap[name] = name + ".png"
	}
	up := &fakeUploader{}
	res := NewMigrator(up, 5).Migrate(context.Background(), openArchive(t, files), "o", mediaMap)

	assert.Equal(t, 40, res.Uploaded)
	assert.LessOrEqual(t, int(up.peak.Load()), 5)
	assert.Equal(t, int32(0), up.inFlight.Load(), "all workers must finish before Migrate returns")
}

func TestMigrateNoAssets(t *testing.T) {
	res := NewMigrator(&fakeUploader{}, 0).Migrate(context.Background(), openArchive(t, map[string][]byte{"collection.anki2": []byte("x")}), "o", nil)
	assert.Empty(t, res.URLs)
	assert.Zero(t, res.Uploaded)
}
