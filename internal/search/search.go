// Package search implements the article substring scan. Matching is
// case-insensitive substring containment over title, summary, category
// slugs, and every section and subsection title and content (HTML included,
// nothing is stripped first). No relevance scoring is computed; callers
// report a constant relevance placeholder and results stay in scan order.
package search

import (
	"strings"

	"moltiki/api/internal/store"
)

// MinQueryLength is the shortest accepted query; anything shorter is
// rejected before any scan happens.
const MinQueryLength = 2

// Matches reports whether the article contains the query anywhere a reader
// could find it.
func Matches(article store.Article, query string) bool {
	needle := strings.ToLower(query)
	if contains(article.Title, needle) || contains(article.Summary, needle) {
		return true
	}
	for _, category := range article.Categories {
		if contains(category, needle) {
			return true
		}
	}
	return sectionsMatch(article.Sections, needle)
}

// Filter scans articles in order and keeps the ones matching the query.
func Filter(articles []store.Article, query string) []store.Article {
	matched := make([]store.Article, 0)
	for _, article := range articles {
		if Matches(article, query) {
			matched = append(matched, article)
		}
	}
	return matched
}

func sectionsMatch(sections []store.Section, needle string) bool {
	for _, section := range sections {
		if contains(section.Title, needle) || contains(section.Content, needle) {
			return true
		}
		if sectionsMatch(section.Subsections, needle) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
