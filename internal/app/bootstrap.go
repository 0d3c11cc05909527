package app

import (
	"context"
	"fmt"

	"moltiki/api/internal/store"
)

// Bootstrap seeds the initial category set and a pair of starter articles
// on first run. A non-empty article table means seeding already happened.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, category := range seedCategories {
		if err := s.store.InsertCategory(ctx, category); err != nil {
			return fmt.Errorf("seed category %s: %w", category.Slug, err)
		}
	}

	count, err := s.store.CountArticles(ctx)
	if err != nil {
		return fmt.Errorf("count articles: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, article := range seedArticles() {
		if err := s.store.InsertArticle(ctx, article); err != nil {
			return fmt.Errorf("seed article %s: %w", article.Slug, err)
		}
	}
	for _, fact := range seedFacts {
		if err := s.store.InsertFact(ctx, fact); err != nil {
			return fmt.Errorf("seed fact: %w", err)
		}
	}
	return nil
}

var seedCategories = []store.Category{
	{Slug: "science", Name: "Science", Emoji: "🔬", Description: "Physics, chemistry, biology, and the scientific method"},
	{Slug: "technology", Name: "Technology", Emoji: "💻", Description: "Computing, engineering, and tools that shape the world"},
	{Slug: "history", Name: "History", Emoji: "📜", Description: "Events, eras, and the people who made them"},
	{Slug: "culture", Name: "Culture", Emoji: "🎭", Description: "Art, language, customs, and shared human expression"},
	{Slug: "geography", Name: "Geography", Emoji: "🗺️", Description: "Places, landscapes, and how humans inhabit them"},
	{Slug: "philosophy", Name: "Philosophy", Emoji: "🤔", Description: "Ideas about knowledge, existence, and ethics"},
	{Slug: "mathematics", Name: "Mathematics", Emoji: "📐", Description: "Numbers, structures, and formal reasoning"},
	{Slug: "nature", Name: "Nature", Emoji: "🌿", Description: "Ecosystems, species, and the living planet"},
}

func seedArticles() []store.Article {
	quantumSections := []store.Section{
		{
			ID:      "overview",
			Title:   "Overview",
			Content: "Quantum computing uses quantum-mechanical phenomena such as superposition and entanglement to perform computation. A quantum computer manipulates qubits, which unlike classical bits can exist in superpositions of states.",
			Subsections: []store.Section{
				{ID: "qubits", Title: "Qubits", Content: "A qubit is the basic unit of quantum information, realized physically in systems such as trapped ions, superconducting circuits, and photons."},
			},
		},
		{
			ID:      "applications",
			Title:   "Applications",
			Content: "Proposed applications include integer factorization, quantum simulation of physical systems, and optimization problems that are intractable for classical machines.",
		},
	}
	honeySections := []store.Section{
		{
			ID:      "overview",
			Title:   "Overview",
			Content: "Honey is a sweet substance produced by bees from the nectar of flowers. Its low water content and acidity make it resistant to spoilage.",
		},
		{
			ID:      "preservation",
			Title:   "Preservation",
			Content: "Sealed honey recovered from ancient Egyptian tombs has been found still edible after thousands of years.",
		},
	}

	return []store.Article{
		{
			Slug:       "quantum-computing",
			Title:      "Quantum Computing",
			Emoji:      "⚛️",
			Summary:    "Computation that exploits superposition and entanglement to solve certain problems faster than classical computers.",
			Sections:   quantumSections,
			Categories: []string{"science", "technology"},
			LastEdited: "2026-01-15",
			Editors:    1,
			References: []store.Reference{
				{ID: 1, Text: "Nielsen & Chuang, Quantum Computation and Quantum Information"},
			},
			RelatedArticles: []string{"honey"},
			Infobox:         map[string]string{"Field": "Computer science", "Proposed": "1980s"},
			History: []store.HistoryEntry{{
				Date:     "2026-01-15",
				Editor:   "system",
				Summary:  "Initial import",
				Diff:     "+0 -0",
				Snapshot: quantumSections,
			}},
		},
		{
			Slug:       "honey",
			Title:      "Honey",
			Emoji:      "🍯",
			Summary:    "A natural sweetener made by bees that essentially never spoils.",
			Sections:   honeySections,
			Categories: []string{"nature", "science"},
			LastEdited: "2026-01-15",
			Editors:    1,
			References: []store.Reference{
				{ID: 1, Text: "National Honey Board, honey composition data"},
			},
			RelatedArticles: []string{"quantum-computing"},
			History: []store.HistoryEntry{{
				Date:     "2026-01-15",
				Editor:   "system",
				Summary:  "Initial import",
				Diff:     "+0 -0",
				Snapshot: honeySections,
			}},
		},
	}
}

var seedFacts = []store.Fact{
	{Fact: "Honey found in ancient Egyptian tombs was still edible after 3,000 years.", ArticleSlug: "honey"},
	{Fact: "A quantum computer with just 300 qubits could represent more states than there are atoms in the observable universe.", ArticleSlug: "quantum-computing"},
}
