package vectors

import (
	"context"
	"testing"

	"github.com/kalambet/pictag/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStore(s.DB())
}

func insertTestRecords(t *testing.T, vs *Store) {
	t.Helper()
	records := []Record{
		{ID: "v-1", MediaID: "m-1", Text: "sunset over the beach", Embedding: []float32{1, 0, 0}},
		{ID: "v-2", MediaID: "m-2", Text: "mountain hiking trail", Embedding: []float32{0.9, 0.1, 0}},
		{ID: "v-3", MediaID: "m-3", Text: "tax return 2025", Embedding: []float32{0, 0, 1}},
	}
	if err := vs.Insert(records); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestSearchOrdersByCosineSimilarity(t *testing.T) {
	vs := openTestStore(t)
	insertTestRecords(t, vs)

	results, err := vs.Search([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	wantOrder := []string{"v-1", "v-2", "v-3"}
	for i, want := range wantOrder {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %s, want %s", i, results[i].ID, want)
		}
	}
	if results[0].Score < results[1].Score || results[1].Score < results[2].Score {
		t.Errorf("scores not descending: %v, %v, %v",
			results[0].Score, results[1].Score, results[2].Score)
	}
	if results[0].MediaID != "m-1" || results[0].Text != "sunset over the beach" {
		t.Errorf("unexpected top record: %+v", results[0].Record)
	}
}

func TestSearchHonorsTopK(t *testing.T) {
	vs := openTestStore(t)
	insertTestRecords(t, vs)

	results, err := vs.Search([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].ID != "v-1" || results[1].ID != "v-2" {
		t.Errorf("order = %s, %s", results[0].ID, results[1].ID)
	}
}

func TestSearchZeroQueryVector(t *testing.T) {
	vs := openTestStore(t)
	insertTestRecords(t, vs)

	results, err := vs.Search([]float32{0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("got %d results for zero vector, want nil", len(results))
	}
}

func TestSearchEmptyStore(t *testing.T) {
	vs := openTestStore(t)

	results, err := vs.Search([]float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Errorf("got %d results from empty store, want nil", len(results))
	}
}

func TestDeleteByMedia(t *testing.T) {
	vs := openTestStore(t)
	insertTestRecords(t, vs)

	if err := vs.DeleteByMedia("m-1"); err != nil {
		t.Fatalf("DeleteByMedia: %v", err)
	}

	n, err := vs.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d after delete, want 2", n)
	}

	// Absent media id is not an error.
	if err := vs.DeleteByMedia("m-1"); err != nil {
		t.Errorf("second DeleteByMedia: %v", err)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vs := openTestStore(t)

	original := []float32{0.25, -1.5, 3.75, 0}
	if err := vs.Insert([]Record{{ID: "v-1", MediaID: "m-1", Text: "t", Embedding: original}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	results, err := vs.Search(original, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	got := results[0].Embedding
	if len(got) != len(original) {
		t.Fatalf("got %d dims, want %d", len(got), len(original))
	}
	for i := range original {
		if got[i] != original[i] {
			t.Errorf("dim %d = %v, want %v", i, got[i], original[i])
		}
	}
	// A vector is its own nearest neighbor with similarity 1.
	if results[0].Score < 0.999 {
		t.Errorf("self-similarity = %v, want ~1", results[0].Score)
	}
}
