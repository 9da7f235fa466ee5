// Package media moves image assets out of a package into the object store.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/ankimport/internal/apkg"
	"github.com/conorfennell/ankimport/internal/domain"
	"github.com/conorfennell/ankimport/internal/objectstore"
)

// DefaultWorkers is the upload concurrency used when none is configured.
const DefaultWorkers = 5

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".avif": "image/avif",
}

// ImageContentType returns the content type for a recognized image filename.
func ImageContentType(name string) (string, bool) {
	ct, ok := imageTypes[strings.ToLower(path.Ext(name))]
	return ct, ok
}

// ParseMap decodes the package's media entry: a JSON object mapping numeric
// archive entry names to original filenames.
func ParseMap(raw []byte) (map[string]string, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode media map: %w", err)
	}
	return m, nil
}

// ReadMap reads and parses the media entry of a, which may be
// zstd-compressed. A missing or unreadable map yields an empty map and a warning; assets with their own image
// extension are still picked up.
func ReadMap(a *apkg.Archive) (map[string]string, string) {
	if !a.Has(apkg.EntryMediaMap) {
		return map[string]string{}, ""
	}
	data, err := a.ReadEntry(apkg.EntryMediaMap)
	if err != nil {
		return map[string]string{}, fmt.Sprintf("media map unreadable: %v", err)
	}
	if data, err = a.Decompress(data); err != nil {
		return map[string]string{}, fmt.Sprintf("media map unreadable: %v", err)
	}
	m, err := ParseMap(data)
	if err != nil {
		return map[string]string{}, fmt.Sprintf("media map unreadable: %v", err)
	}
	return m, ""
}

// Candidates selects the archive entries to upload. An entry qualifies when
// its mapped original name is an image, or when its own name already is.
func Candidates(a *apkg.Archive, mediaMap map[string]string) []domain.MediaAsset {
	var assets []domain.MediaAsset
	for _, entry := range a.Names() {
		if original, ok := mediaMap[entry]; ok {
			if ct, ok := ImageContentType(original); ok {
				assets = append(assets, domain.MediaAsset{EntryName: entry, OriginalName: original, ContentType: ct})
				continue
			}
		}
		if ct, ok := ImageContentType(entry); ok {
			assets = append(assets, domain.MediaAsset{EntryName: entry, OriginalName: path.Base(entry), ContentType: ct})
		}
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].EntryName < assets[j].EntryName })
	return assets
}

// Result is the outcome of a migration.
type Result struct {
	// URLs maps original filenames, and archive entry names when they
	// differ, to public URLs.
	URLs     map[string]string
	Assets   []domain.MediaAsset
	Uploaded int
	Failed   int
}

// Migrator uploads assets through a fixed number of workers.
type Migrator struct {
	uploader objectstore.Uploader
	workers  int
}

// NewMigrator returns a migrator; workers <= 0 means DefaultWorkers.
func NewMigrator(uploader objectstore.Uploader, workers int) *Migrator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Migrator{uploader: uploader, workers: workers}
}

// Migrate uploads every candidate asset of a under the owner's media prefix.
// Individual upload failures are logged and counted, never returned; the
// call returns only after every worker has finished.
func (m *Migrator) Migrate(ctx context.Context, a *apkg.Archive, ownerID string, mediaMap map[string]string) Result {
	assets := Candidates(a, mediaMap)
	res := Result{URLs: make(map[string]string, len(assets))}
	if len(assets) == 0 {
		return res
	}

	queue := make(chan int)
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for w := 0; w < min(m.workers, len(assets)); w++ {
		g.Go(func() error {
			for i := range queue {
				asset := &assets[i]
				u, err := m.upload(ctx, a, ownerID, *asset)
				mu.Lock()
				if err != nil {
					res.Failed++
					slog.Warn("Media upload failed", "entry", asset.EntryName, "file", asset.OriginalName, "error", err)
				} else {
					res.Uploaded++
					asset.PublicURL = u
				}
				mu.Unlock()
			}
			return nil
		})
	}
	for i := range assets {
		queue <- i
	}
	close(queue)
	_ = g.Wait()

	// Original names win over entry-name aliases.
	for _, asset := range assets {
		if asset.PublicURL != "" {
			res.URLs[asset.OriginalName] = asset.PublicURL
		}
	}
	for _, asset := range assets {
		if asset.PublicURL == "" || asset.EntryName == asset.OriginalName {
			continue
		}
		if _, taken := res.URLs[asset.EntryName]; !taken {
			res.URLs[asset.EntryName] = asset.PublicURL
		}
	}
	res.Assets = assets
	return res
}

func (m *Migrator) upload(ctx context.Context, a *apkg.Archive, ownerID string, asset domain.MediaAsset) (string, error) {
	data, err := a.ReadEntry(asset.EntryName)
	if err != nil {
		return "", err
	}
	return m.uploader.Upload(ctx, objectstore.MediaPath(ownerID, asset.OriginalName), data, asset.ContentType)
}
