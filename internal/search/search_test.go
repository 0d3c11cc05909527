package search

import (
	"testing"

	"moltiki/api/internal/store"
)

func testArticle() store.Article {
	return store.Article{
		Slug:       "quantum-computing",
		Title:      "Quantum Computing",
		Summary:    "Computation using superposition and entanglement.",
		Categories: []string{"science", "technology"},
		Sections: []store.Section{
			{
				ID: "overview", Title: "Overview", Content: "A qubit is the basic unit.",
				Subsections: []store.Section{
					{ID: "hardware", Title: "Hardware", Content: "Trapped ions and photons."},
				},
			},
		},
	}
}

func TestMatchesTitle(t *testing.T) {
	if !Matches(testArticle(), "quantum") {
		t.Fatal("expected title match")
	}
	if !Matches(testArticle(), "QUANTUM") {
		t.Fatal("expected case-insensitive title match")
	}
}

func TestMatchesSummary(t *testing.T) {
	if !Matches(testArticle(), "entangle") {
		t.Fatal("expected summary substring match")
	}
}

func TestMatchesCategorySlug(t *testing.T) {
	if !Matches(testArticle(), "technol") {
		t.Fatal("expected category slug match")
	}
}

func TestMatchesSectionContent(t *testing.T) {
	if !Matches(testArticle(), "qubit") {
		t.Fatal("expected section content match")
	}
}

func TestMatchesSubsectionContent(t *testing.T) {
	if !Matches(testArticle(), "trapped ions") {
		t.Fatal("expected nested subsection match")
	}
	if !Matches(testArticle(), "hardware") {
		t.Fatal("expected subsection title match")
	}
}

func TestNoMatch(t *testing.T) {
	if Matches(testArticle(), "volcano") {
		t.Fatal("unexpected match")
	}
}

func TestFilterPreservesInputOrder(t *testing.T) {
	a := testArticle()
	b := store.Article{Slug: "honey", Title: "Honey", Summary: "Made by bees."}
	c := store.Article{Slug: "quasars", Title: "Quasars", Summary: "Quantum-bright cores."}

	matched := Filter([]store.Article{a, b, c}, "quantum")
	if len(matched) != 2 {
		t.Fatalf("matched %d articles, want 2", len(matched))
	}
	if matched[0].Slug != "quantum-computing" || matched[1].Slug != "quasars" {
		t.Fatalf("order = %s, %s", matched[0].Slug, matched[1].Slug)
	}
}

func TestFilterEmptyInput(t *testing.T) {
	if got := Filter(nil, "anything"); len(got) != 0 {
		t.Fatalf("Filter(nil) returned %d items", len(got))
	}
}
