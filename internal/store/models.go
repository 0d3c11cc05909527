package store

import "time"

// Section is one node of an article's content tree. Subsections go one
// level deep; anything nested below that is rejected at validation time.
type Section struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Subsections []Section `json:"subsections,omitempty"`
}

// Reference is a numbered citation.
type Reference struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// HistoryEntry records one accepted edit. The log is newest-first: index 0
// is always the most recent edit. Snapshot, when present, is the full
// section tree as it stood immediately after this edit; entries without one
// cannot be rolled back to.
type HistoryEntry struct {
	Date     string    `json:"date"`
	Editor   string    `json:"editor"`
	Summary  string    `json:"summary"`
	Diff     string    `json:"diff"`
	Snapshot []Section `json:"snapshot,omitempty"`
}

// Article is the root versioned document. Slug is derived once from the
// title at creation and never changes.
type Article struct {
	Slug            string            `json:"slug"`
	Title           string            `json:"title"`
	Emoji           string            `json:"emoji"`
	Summary         string            `json:"summary"`
	Sections        []Section         `json:"sections"`
	Categories      []string          `json:"categories"`
	LastEdited      string            `json:"lastEdited"`
	Editors         int               `json:"editors"`
	Views           int               `json:"views"`
	References      []Reference       `json:"references"`
	RelatedArticles []string          `json:"relatedArticles"`
	Infobox         map[string]string `json:"infobox,omitempty"`
	Featured        bool              `json:"featured"`
	History         []HistoryEntry    `json:"history"`
}

// Category carries no stored article count; counts are always computed live
// against the current article set.
type Category struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Emoji       string `json:"emoji"`
	Description string `json:"description"`
}

// Fact is a "did you know" trivia item pointing at an article.
type Fact struct {
	ID          int64  `json:"id"`
	Fact        string `json:"fact"`
	ArticleSlug string `json:"articleSlug"`
}

type User struct {
	ID           string
	Email        string
	Username     string
	DisplayName  string
	Type         string // "human" or "agent"
	PasswordHash string
	Edits        int
	CreatedAt    time.Time
}
