// Package decks recreates the source deck hierarchy for an owner.
package decks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/ankimport/internal/domain"
)

// PathSeparator delimits deck path segments in source deck names.
const PathSeparator = "::"

// Store is the slice of the destination datastore the resolver needs.
type Store interface {
	// FindDeck returns nil, nil when no deck matches.
	FindDeck(ctx context.Context, ownerID, name, parentID string) (*domain.Deck, error)
	CreateDeck(ctx context.Context, deck domain.Deck) error
}

// SplitPath splits a "::" joined deck name into trimmed, non-empty segments.
func SplitPath(name string) []string {
	var segments []string
	for _, s := range strings.Split(name, PathSeparator) {
		if s = strings.TrimSpace(s); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Resolver maps deck paths to destination deck ids for one import. It is
// not safe for concurrent use.
type Resolver struct {
	store   Store
	ownerID string
	now     func() time.Time
	cache   map[string]string // cumulative path -> destination deck id
	created int
}

// NewResolver returns a resolver with an empty memo.
func NewResolver(store Store, ownerID string) *Resolver {
	return &Resolver{
		store:   store,
		ownerID: ownerID,
		now:     time.Now,
		cache:   make(map[string]string),
	}
}

// Resolve walks segments top-down, reusing or creating one deck per level,
// and returns the id of the deepest deck. Each distinct cumulative path is
// looked up at most once per resolver.
func (r *Resolver) Resolve(ctx context.Context, segments []string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("empty deck path")
	}

	parentID := ""
	path := ""
	for i, name := range segments {
		if i == 0 {
			path = name
		} else {
			path += PathSeparator + name
		}
		if id, ok := r.cache[path]; ok {
			parentID = id
			continue
		}

		existing, err := r.store.FindDeck(ctx, r.ownerID, name, parentID)
		if err != nil {
			return "", fmt.Errorf("failed to look up deck %q: %w", path, err)
		}
		if existing != nil {
			r.cache[path] = existing.ID
			parentID = existing.ID
			continue
		}

		deck := domain.Deck{
			ID:        uuid.NewString(),
			OwnerID:   r.ownerID,
			Name:      name,
			ParentID:  parentID,
			StudyMode: domain.StudyModeClassic,
			CreatedAt: r.now().UTC(),
		}
		if err := r.store.CreateDeck(ctx, deck); err != nil {
			return "", fmt.Errorf("failed to create deck %q: %w", path, err)
		}
		r.created++
		r.cache[path] = deck.ID
		parentID = deck.ID
	}
	return parentID, nil
}

// defaultDeckName is the reserved deck's name when the collection does not
// list it.
const defaultDeckName = "Default"

// ResolveAll resolves every source deck except the reserved default deck and
// returns source deck id -> destination deck id. Children of the default deck
// are re-rooted: the leading default segment is dropped so the reserved deck
// is never recreated as a parent. Decks that cannot be resolved are logged
// and left out, so their cards are dropped later rather than reparented.
func (r *Resolver) ResolveAll(ctx context.Context, source map[int64]domain.SourceDeck) map[int64]string {
	ids := make([]int64, 0, len(source))
	for id := range source {
		ids = append(ids, id)
	}
	// Shallow paths first so parents exist before their children.
	sort.Slice(ids, func(i, j int) bool {
		a, b := source[ids[i]].Name, source[ids[j]].Name
		if da, db := strings.Count(a, PathSeparator), strings.Count(b, PathSeparator); da != db {
			return da < db
		}
		return a < b
	})

	reserved := defaultDeckName
	if d, ok := source[domain.DefaultDeckID]; ok {
		if segments := SplitPath(d.Name); len(segments) > 0 {
			reserved = segments[0]
		}
	}

	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if id == domain.DefaultDeckID {
			continue
		}
		d := source[id]
		segments := SplitPath(d.Name)
		if len(segments) > 1 && segments[0] == reserved {
			segments = segments[1:]
		}
		if len(segments) == 0 {
			slog.Warn("Skipping deck with empty name", "source_deck_id", id)
			continue
		}
		destID, err := r.Resolve(ctx, segments)
		if err != nil {
			slog.Warn("Failed to resolve deck", "source_deck_id", id, "name", d.Name, "error", err)
			continue
		}
		out[id] = destID
	}
	return out
}

// Created returns how many decks this resolver created.
func (r *Resolver) Created() int { return r.created }

// Resolved returns how many distinct deck paths this resolver has mapped.
func (r *Resolver) Resolved() int { return len(r.cache) }
