package memory

import (
	"context"
	"testing"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

func openTestStore(t *testing.T) *storex.Store {
	t.Helper()
	db, err := storex.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func vec(seed float32) []float32 {
	v := make([]float32, storex.VectorDim)
	for i := range v {
		v[i] = seed
	}
	v[0] = seed + 1 // break pure-degenerate collinearity for a cleaner cosine signal
	return v
}

func TestStoreThenGetRoundTrips(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	m, err := s.Store(ctx, PutInput{
		Content: "the build uses modernc.org/sqlite", Collection: "notes",
		Metadata: map[string]any{"source": "chat"}, Tags: []string{"build", "sqlite"},
	})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if m.DecayFactor != 1.0 {
		t.Fatalf("DecayFactor = %v, want 1.0", m.DecayFactor)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != m.Content || got.Collection != "notes" {
		t.Fatalf("Get returned %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "build" {
		t.Fatalf("Tags = %v", got.Tags)
	}
	if got.Embedding != nil {
		t.Fatalf("Embedding = %v, want nil (none supplied)", got.Embedding)
	}
}

func TestStoreWithEmbeddingRoundTrips(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	embedding := vec(0.1)
	m, err := s.Store(ctx, PutInput{Content: "embedded fact", Collection: "notes", Embedding: embedding})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Embedding) != storex.VectorDim {
		t.Fatalf("Embedding len = %d, want %d", len(got.Embedding), storex.VectorDim)
	}
	if got.Embedding[0] != embedding[0] {
		t.Fatalf("Embedding[0] = %v, want %v", got.Embedding[0], embedding[0])
	}
}

func TestGetNotFound(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	_, err := s.Get(ctx, "no-such-memory")
	if !errs.IsNotFound(err) {
		t.Fatalf("Get err = %v, want NotFound", err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	first, err := s.Store(ctx, PutInput{Content: "first", Collection: "c"})
	if err != nil {
		t.Fatalf("Store first: %v", err)
	}
	second, err := s.Store(ctx, PutInput{Content: "second", Collection: "c"})
	if err != nil {
		t.Fatalf("Store second: %v", err)
	}

	list, err := s.List(ctx, "c", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	ids := map[string]bool{first.ID: true, second.ID: true}
	for _, m := range list {
		if !ids[m.ID] {
			t.Fatalf("unexpected memory id %s in list", m.ID)
		}
	}
}

func TestSetAutoTags(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	m, err := s.Store(ctx, PutInput{Content: "c", Collection: "c"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.SetAutoTags(ctx, m.ID, []string{"derived"}, "derived keywords"); err != nil {
		t.Fatalf("SetAutoTags: %v", err)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.AutoTags) != 1 || got.AutoTags[0] != "derived" {
		t.Fatalf("AutoTags = %v", got.AutoTags)
	}
	if got.Keywords != "derived keywords" {
		t.Fatalf("Keywords = %q", got.Keywords)
	}
}

func TestSearchFTSMatchesContent(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	if _, err := s.Store(ctx, PutInput{Content: "the quick brown fox jumps", Collection: "c"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, PutInput{Content: "an unrelated sentence about rocks", Collection: "c"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, SearchInput{Collection: "c", Query: "fox"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search results = %d, want 1", len(results))
	}
	if results[0].MatchType != types.MatchFTS {
		t.Fatalf("MatchType = %v, want FTS", results[0].MatchType)
	}
}

func TestSearchVectorRanksByCosineSimilarity(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	closeMem, err := s.Store(ctx, PutInput{Content: "close", Collection: "c", Embedding: vec(1.0)})
	if err != nil {
		t.Fatalf("Store close: %v", err)
	}
	far, err := s.Store(ctx, PutInput{Content: "far", Collection: "c", Embedding: vec(-1.0)})
	if err != nil {
		t.Fatalf("Store far: %v", err)
	}

	results, err := s.Search(ctx, SearchInput{Collection: "c", Embedding: vec(1.0), Threshold: -1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search results = %d, want 2", len(results))
	}
	if results[0].Memory.ID != closeMem.ID {
		t.Fatalf("top result = %s, want the close vector %s", results[0].Memory.ID, closeMem.ID)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("close score %v should exceed far score %v", results[0].Score, results[1].Score)
	}
	if results[1].Memory.ID != far.ID {
		t.Fatalf("second result = %s, want %s", results[1].Memory.ID, far.ID)
	}
}

func TestSearchHybridPrefersVectorScoreOnOverlap(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	m, err := s.Store(ctx, PutInput{Content: "matches both legs", Collection: "c", Embedding: vec(1.0)})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, SearchInput{Collection: "c", Query: "matches", Embedding: vec(1.0)})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != m.ID || results[0].MatchType != types.MatchVector {
		t.Fatalf("Search results = %+v, want single merged vector hit for %s", results, m.ID)
	}
}

func TestSearchThresholdFiltersLowScoringResults(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	closeMem, err := s.Store(ctx, PutInput{Content: "close", Collection: "c", Embedding: vec(1.0)})
	if err != nil {
		t.Fatalf("Store close: %v", err)
	}
	if _, err := s.Store(ctx, PutInput{Content: "far", Collection: "c", Embedding: vec(-1.0)}); err != nil {
		t.Fatalf("Store far: %v", err)
	}

	results, err := s.Search(ctx, SearchInput{Collection: "c", Embedding: vec(1.0), Threshold: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Memory.ID != closeMem.ID {
		t.Fatalf("Search results = %+v, want only the close vector above threshold", results)
	}
}

func TestSearchEmptyCollectionSearchesEverything(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	if _, err := s.Store(ctx, PutInput{Content: "the quick brown fox", Collection: "notes"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, PutInput{Content: "a fox in another collection", Collection: "journal"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := s.Search(ctx, SearchInput{Query: "fox"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search results = %d, want 2 across both collections", len(results))
	}
}

func TestLinkAndLinksFor(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	a, _ := s.Store(ctx, PutInput{Content: "a", Collection: "c"})
	b, _ := s.Store(ctx, PutInput{Content: "b", Collection: "c"})

	if _, err := s.Link(ctx, a.ID, b.ID, types.LinkRelated, 0.8); err != nil {
		t.Fatalf("Link: %v", err)
	}

	linksA, err := s.LinksFor(ctx, a.ID)
	if err != nil {
		t.Fatalf("LinksFor a: %v", err)
	}
	if len(linksA) != 1 {
		t.Fatalf("LinksFor a = %d, want 1", len(linksA))
	}

	linksB, err := s.LinksFor(ctx, b.ID)
	if err != nil {
		t.Fatalf("LinksFor b: %v", err)
	}
	if len(linksB) != 1 {
		t.Fatalf("LinksFor b (as target) = %d, want 1", len(linksB))
	}
}

func TestUpsertEntityIsIdempotent(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	first, err := s.UpsertEntity(ctx, "acme-corp", "organization", "Acme Corp")
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	second, err := s.UpsertEntity(ctx, "acme-corp", "organization", "Acme Corp")
	if err != nil {
		t.Fatalf("UpsertEntity (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("UpsertEntity returned different ids: %s vs %s", first.ID, second.ID)
	}
}

func TestAddRelationshipUpsertsOnConflict(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	subj, _ := s.UpsertEntity(ctx, "alice", "person", "Alice")
	obj, _ := s.UpsertEntity(ctx, "acme-corp", "organization", "Acme Corp")

	if _, err := s.AddRelationship(ctx, subj.ID, "works_at", obj.ID, "", 0.4); err != nil {
		t.Fatalf("AddRelationship: %v", err)
	}
	if _, err := s.AddRelationship(ctx, subj.ID, "works_at", obj.ID, "mem-1", 0.9); err != nil {
		t.Fatalf("AddRelationship (repeat, higher confidence): %v", err)
	}

	var confidence float64
	var memoryID string
	if err := db.QueryRow(ctx, `SELECT confidence, memory_id FROM relationships WHERE subject_entity_id = ? AND predicate = ?`,
		subj.ID, "works_at").Scan(&confidence, &memoryID); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if confidence != 0.9 {
		t.Fatalf("confidence = %v, want max(0.4, 0.9) = 0.9", confidence)
	}
	if memoryID != "mem-1" {
		t.Fatalf("memory_id = %q, want mem-1", memoryID)
	}
}

func TestLinkEntityUpsertsRole(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	m, _ := s.Store(ctx, PutInput{Content: "c", Collection: "c"})
	ent, _ := s.UpsertEntity(ctx, "bob", "person", "Bob")

	if err := s.LinkEntity(ctx, m.ID, ent.ID, "mentioned"); err != nil {
		t.Fatalf("LinkEntity: %v", err)
	}
	if err := s.LinkEntity(ctx, m.ID, ent.ID, "author"); err != nil {
		t.Fatalf("LinkEntity (repeat): %v", err)
	}

	var role string
	if err := db.QueryRow(ctx, `SELECT role FROM memory_entities WHERE memory_id = ? AND entity_id = ?`, m.ID, ent.ID).Scan(&role); err != nil {
		t.Fatalf("QueryRow: %v", err)
	}
	if role != "author" {
		t.Fatalf("role = %q, want author (latest write wins)", role)
	}
}

func TestHealthReportsReachability(t *testing.T) {
	db := openTestStore(t)
	s := New(db)
	ctx := context.Background()

	if err := s.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
