package decks

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/conorfennell/ankimport/internal/domain"
)

type memStore struct {
	decks   []domain.Deck
	finds   int
	creates int
	failOn  string
}

func (m *memStore) FindDeck(_ context.Context, ownerID, name, parentID string) (*domain.Deck, error) {
	m.finds++
	for i := range m.decks {
		d := m.decks[i]
		if d.OwnerID == ownerID && d.Name == name && d.ParentID == parentID {
			return &d, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateDeck(_ context.Context, d domain.Deck) error {
	if d.Name == m.failOn {
		return errors.New("boom")
	}
	m.creates++
	m.decks = append(m.decks, d)
	return nil
}

func TestSplitPath(t *testing.T) {
	testCases := map[string][]string{
		"A":             {"A"},
		"A::B::C":       {"A", "B", "C"},
		" A :: B ":      {"A", "B"},
		"A::::B":        {"A", "B"},
		"":              nil,
		"Lang::日本語::漢字": {"Lang", "日本語", "漢字"},
	}
	for in, expected := range testCases {
		if got := SplitPath(in); !reflect.DeepEqual(got, expected) {
			t.Errorf("SplitPath(%q): expected %v, got %v", in, expected, got)
		}
	}
}

func TestResolveIsIdempotentWithinImport(t *testing.T) {
	store := &memStore{}
	r := NewResolver(store, "owner-1")
	ctx := context.Background()

	first, err := r.Resolve(ctx, SplitPath("A::B::C"))
	if err != nil {
		t.Fatalf("Resolve() returned an unexpected error: %v", err)
	}
	second, err := r.Resolve(ctx, SplitPath("A::B::C"))
	if err != nil {
		t.Fatalf("Resolve() returned an unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("Expected the same deck id twice, got %s and %s", first, second)
	}
	if store.creates != 3 {
		t.Errorf("Expected exactly 3 decks created, got %d", store.creates)
	}
	if store.finds != 3 {
		t.Errorf("Expected the second resolve to be served from the memo, got %d lookups", store.finds)
	}
	if r.Created() != 3 || r.Resolved() != 3 {
		t.Errorf("Expected 3 created and 3 resolved, got %d and %d", r.Created(), r.Resolved())
	}

	var c domain.Deck
	for _, d := range store.decks {
		if d.Name == "C" {
			c = d
		}
	}
	if c.ID != first {
		t.Errorf("Expected deepest deck to be returned")
	}
	for _, d := range store.decks {
		if d.StudyMode != domain.StudyModeClassic {
			t.Errorf("Expected classic study mode, got %q", d.StudyMode)
		}
	}
}

func TestResolveSharesParents(t *testing.T) {
	store := &memStore{}
	r := NewResolver(store, "owner-1")
	ctx := context.Background()

	b, _ := r.Resolve(ctx, SplitPath("A::B"))
	c, _ := r.Resolve(ctx, SplitPath("A::C"))
	if b == c {
		t.Fatal("Expected sibling decks to differ")
	}
	if store.creates != 3 {
		t.Errorf("Expected A, B and C to be created once each, got %d creates", store.creates)
	}
	parents := map[string]string{}
	for _, d := range store.decks {
		parents[d.Name] = d.ParentID
	}
	if parents["B"] != parents["C"] || parents["B"] == "" {
		t.Errorf("Expected B and C to share parent A, got %v", parents)
	}
}

func TestResolveReusesExistingDecks(t *testing.T) {
	store := &memStore{decks: []domain.Deck{{ID: "existing-a", OwnerID: "owner-1", Name: "A"}}}
	r := NewResolver(store, "owner-1")

	id, err := r.Resolve(context.Background(), SplitPath("A::B"))
	if err != nil {
		t.Fatalf("Resolve() returned an unexpected error: %v", err)
	}
	if store.creates != 1 {
		t.Errorf("Expected only B to be created, got %d creates", store.creates)
	}
	for _, d := range store.decks {
		if d.ID == id && d.ParentID != "existing-a" {
			t.Errorf("Expected B under existing-a, got parent %q", d.ParentID)
		}
	}
}

func TestResolveAllSkipsDefaultDeck(t *testing.T) {
	store := &memStore{failOn: "Broken"}
	r := NewResolver(store, "owner-1")
	source := map[int64]domain.SourceDeck{
		domain.DefaultDeckID: {ID: domain.DefaultDeckID, Name: "Default"},
		20:                   {ID: 20, Name: "Geo::Europe"},
		21:                   {ID: 21, Name: "Geo"},
		22:                   {ID: 22, Name: "Broken"},
		23:                   {ID: 23, Name: " :: "},
	}

	got := r.ResolveAll(context.Background(), source)
	if _, ok := got[domain.DefaultDeckID]; ok {
		t.Error("Expected the default deck to be excluded")
	}
	if _, ok := got[22]; ok {
		t.Error("Expected a failed deck to be left out")
	}
	if _, ok := got[23]; ok {
		t.Error("Expected an empty deck path to be left out")
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 resolved decks, got %v", got)
	}
	for _, d := range store.decks {
		if d.Name == "Default" {
			t.Error("Expected no deck named Default to be created")
		}
	}
	if got[20] == got[21] {
		t.Error("Expected Geo and Geo::Europe to map to different decks")
	}
}

func TestResolveAllReRootsDefaultDeckChildren(t *testing.T) {
	store := &memStore{}
	r := NewResolver(store, "owner-1")
	source := map[int64]domain.SourceDeck{
		domain.DefaultDeckID: {ID: domain.DefaultDeckID, Name: "Default"},
		30:                   {ID: 30, Name: "Default::Verbs"},
		31:                   {ID: 31, Name: "Default::Verbs::Irregular"},
		32:                   {ID: 32, Name: "Nouns::Default"},
	}

	got := r.ResolveAll(context.Background(), source)
	if len(got) != 3 {
		t.Fatalf("Expected 3 resolved decks, got %v", got)
	}

	byID := make(map[string]domain.Deck)
	for _, d := range store.decks {
		byID[d.ID] = d
	}
	verbs := byID[got[30]]
	if verbs.Name != "Verbs" || verbs.ParentID != "" {
		t.Errorf("Expected Default::Verbs to become the root deck Verbs, got %+v", verbs)
	}
	if irregular := byID[got[31]]; irregular.Name != "Irregular" || irregular.ParentID != verbs.ID {
		t.Errorf("Expected Irregular under Verbs, got %+v", irregular)
	}
	// Only a leading default segment is dropped.
	if nested := byID[got[32]]; nested.Name != "Default" || nested.ParentID == "" {
		t.Errorf("Expected Nouns::Default to keep its child, got %+v", nested)
	}
	for _, d := range store.decks {
		if d.Name == "Default" && d.ParentID == "" {
			t.Error("Expected no root deck named Default to be created")
		}
	}
	if r.Created() != 4 {
		t.Errorf("Expected 4 decks created, got %d", r.Created())
	}
}
