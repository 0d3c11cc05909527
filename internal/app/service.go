package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"moltiki/api/internal/identity"
	"moltiki/api/internal/search"
	"moltiki/api/internal/store"
)

type dataStore interface {
	ListArticles(context.Context) ([]store.Article, error)
	GetArticle(context.Context, string) (store.Article, error)
	InsertArticle(context.Context, store.Article) error
	ReplaceArticle(context.Context, store.Article) error
	IncrementViews(context.Context, string) error
	CountArticles(context.Context) (int, error)
	ListCategories(context.Context) ([]store.Category, error)
	InsertCategory(context.Context, store.Category) error
	ListFacts(context.Context) ([]store.Fact, error)
	InsertFact(context.Context, store.Fact) error
	IncrementUserEdits(context.Context, string) error
	GetUserByID(context.Context, string) (store.User, error)
	Ping(ctx context.Context) error
}

// DiffFunc computes the change-size string recorded on a history entry,
// given the section trees before and after the edit. The default is a fixed
// placeholder; a real line-diff can be injected without touching the engine.
type DiffFunc func(oldSections, newSections []store.Section) string

func placeholderDiff(_, _ []store.Section) string {
	return "+0 -0"
}

// Service is the article revision engine plus the read-side query layer.
// Writes are last-write-wins: there is no revision token, and two racing
// updates to the same slug will both succeed with the later one keeping its
// field values. The history append itself cannot tear because the whole
// article row is written in one statement.
type Service struct {
	store dataStore
	diff  DiffFunc
}

func New(dataStore *store.PostgresStore) *Service {
	return &Service{store: dataStore, diff: placeholderDiff}
}

// SetDiffFunc swaps the change-size function. Must be called before the
// service starts taking writes.
func (s *Service) SetDiffFunc(diff DiffFunc) {
	if diff != nil {
		s.diff = diff
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Slugify derives the stable URL identifier from a title: lowercase, runs
// of non-alphanumerics collapsed to single hyphens, trimmed.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, ch := range strings.ToLower(title) {
		if (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func copySections(sections []store.Section) []store.Section {
	if sections == nil {
		return nil
	}
	copied := make([]store.Section, len(sections))
	for i, section := range sections {
		copied[i] = section
		copied[i].Subsections = copySections(section.Subsections)
	}
	return copied
}

func synthesizedSummary(verb string, actor identity.Identity) string {
	channel := "web editor"
	if actor.IsAgent() {
		channel = "API"
	}
	return fmt.Sprintf("Article %s by %s via %s", verb, actor.Name, channel)
}

// CreateArticle creates a new article from the full required field set. The
// slug is derived once from the title; a colliding slug is rejected rather
// than disambiguated.
func (s *Service) CreateArticle(ctx context.Context, input CreateArticleInput, actor identity.Identity) (store.Article, error) {
	slug := Slugify(input.Title)
	if slug == "" {
		return store.Article{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			"title must contain at least one letter or digit")
	}

	_, err := s.store.GetArticle(ctx, slug)
	if err == nil {
		return store.Article{}, domainError(http.StatusConflict, "DUPLICATE_SLUG",
			fmt.Sprintf("Article with slug %q already exists", slug))
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, err
	}

	date := today()
	article := store.Article{
		Slug:            slug,
		Title:           input.Title,
		Emoji:           input.Emoji,
		Summary:         input.Summary,
		Sections:        copySections(input.Sections),
		Categories:      input.Categories,
		LastEdited:      date,
		Editors:         1,
		Views:           0,
		References:      input.References,
		RelatedArticles: input.RelatedArticles,
		Infobox:         input.Infobox,
		Featured:        false,
		History: []store.HistoryEntry{{
			Date:     date,
			Editor:   actor.Name,
			Summary:  synthesizedSummary("created", actor),
			Diff:     s.diff(nil, input.Sections),
			Snapshot: copySections(input.Sections),
		}},
	}
	if article.References == nil {
		article.References = []store.Reference{}
	}
	if article.RelatedArticles == nil {
		article.RelatedArticles = []string{}
	}

	if err := s.store.InsertArticle(ctx, article); err != nil {
		return store.Article{}, err
	}
	_ = s.store.IncrementUserEdits(ctx, actor.UserID)
	return article, nil
}

// UpdateArticle applies a partial update. Supplied fields replace the
// article's fields wholesale; absent fields stay. An empty editSummary gets
// a synthesized description naming the editor and channel.
func (s *Service) UpdateArticle(ctx context.Context, slug string, cmd UpdateCommand, actor identity.Identity, editSummary string) (store.Article, error) {
	return s.applyUpdate(ctx, slug, cmd, actor, editSummary)
}

func (s *Service) applyUpdate(ctx context.Context, slug string, cmd UpdateCommand, actor identity.Identity, editSummary string) (store.Article, error) {
	article, err := s.store.GetArticle(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, notFound(slug)
	}
	if err != nil {
		return store.Article{}, err
	}

	previousSections := article.Sections

	if cmd.Title != nil {
		article.Title = *cmd.Title
	}
	if cmd.Emoji != nil {
		article.Emoji = *cmd.Emoji
	}
	if cmd.Summary != nil {
		article.Summary = *cmd.Summary
	}
	if cmd.Sections != nil {
		article.Sections = copySections(*cmd.Sections)
	}
	if cmd.Categories != nil {
		article.Categories = *cmd.Categories
	}
	if cmd.References != nil {
		article.References = *cmd.References
	}
	if cmd.Infobox != nil {
		article.Infobox = *cmd.Infobox
	}
	if cmd.RelatedArticles != nil {
		article.RelatedArticles = *cmd.RelatedArticles
	}

	date := today()
	article.LastEdited = date
	article.Editors++

	summary := strings.TrimSpace(editSummary)
	if summary == "" {
		summary = synthesizedSummary("updated", actor)
	}

	entry := store.HistoryEntry{
		Date:     date,
		Editor:   actor.Name,
		Summary:  summary,
		Diff:     s.diff(previousSections, article.Sections),
		Snapshot: copySections(article.Sections),
	}
	article.History = append([]store.HistoryEntry{entry}, article.History...)

	if err := s.store.ReplaceArticle(ctx, article); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Article{}, notFound(slug)
		}
		return store.Article{}, err
	}
	_ = s.store.IncrementUserEdits(ctx, actor.UserID)
	return article, nil
}

// Rollback restores the section tree captured by an earlier revision's
// snapshot. The restore runs through the normal update path, so it lands as
// a brand-new entry at the head of the log; history is never truncated.
func (s *Service) Rollback(ctx context.Context, slug string, revisionIndex int, actor identity.Identity) (store.Article, error) {
	if revisionIndex == 0 {
		return store.Article{}, domainError(http.StatusBadRequest, "INVALID_TARGET",
			"cannot roll back to the current revision")
	}
	if revisionIndex < 0 {
		return store.Article{}, domainError(http.StatusBadRequest, "INVALID_TARGET", "revision index must be positive")
	}

	article, err := s.store.GetArticle(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, notFound(slug)
	}
	if err != nil {
		return store.Article{}, err
	}
	if revisionIndex >= len(article.History) {
		return store.Article{}, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found")
	}

	revision := article.History[revisionIndex]
	if len(revision.Snapshot) == 0 {
		return store.Article{}, domainError(http.StatusBadRequest, "NO_SNAPSHOT",
			"This revision has no snapshot and cannot be rolled back to. Only revisions recorded with snapshot support can be restored.")
	}

	snapshot := copySections(revision.Snapshot)
	return s.applyUpdate(ctx, slug, UpdateCommand{Sections: &snapshot}, actor,
		fmt.Sprintf("Rolled back to revision from %s by %s", revision.Date, revision.Editor))
}

// GetArticle returns the full article. The view counter is bumped
// best-effort on the way out; it belongs to the read path, not the
// revision engine.
func (s *Service) GetArticle(ctx context.Context, slug string) (store.Article, error) {
	article, err := s.store.GetArticle(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, notFound(slug)
	}
	if err != nil {
		return store.Article{}, err
	}
	_ = s.store.IncrementViews(ctx, slug)
	return article, nil
}

// ArticleHistory returns the revision log plus both edit counters: the
// stored total-edit counter and the distinct-contributor count derived from
// the log. They are deliberately separate numbers.
func (s *Service) ArticleHistory(ctx context.Context, slug string) (map[string]any, error) {
	article, err := s.store.GetArticle(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(slug)
	}
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(article.History))
	for index, entry := range article.History {
		entries = append(entries, map[string]any{
			"index":        index,
			"date":         entry.Date,
			"editor":       entry.Editor,
			"summary":      entry.Summary,
			"diff":         entry.Diff,
			"rollbackable": index > 0 && len(entry.Snapshot) > 0,
		})
	}

	return map[string]any{
		"slug":         article.Slug,
		"title":        article.Title,
		"emoji":        article.Emoji,
		"entries":      entries,
		"editors":      article.Editors,
		"contributors": distinctEditors(article.History),
	}, nil
}

func distinctEditors(history []store.HistoryEntry) int {
	seen := make(map[string]struct{}, len(history))
	for _, entry := range history {
		seen[entry.Editor] = struct{}{}
	}
	return len(seen)
}

// ListArticles returns a page of articles, optionally filtered by category
// membership and projected down to the requested fields.
func (s *Service) ListArticles(ctx context.Context, category string, limit, offset int, fields []string) ([]map[string]any, int, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, 0, err
	}

	if category != "" {
		filtered := make([]store.Article, 0, len(articles))
		for _, article := range articles {
			if containsString(article.Categories, category) {
				filtered = append(filtered, article)
			}
		}
		articles = filtered
	}

	total := len(articles)
	articles = page(articles, limit, offset)

	items := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		if len(fields) > 0 {
			items = append(items, projectArticle(article, fields))
			continue
		}
		items = append(items, map[string]any{
			"slug":       article.Slug,
			"title":      article.Title,
			"emoji":      article.Emoji,
			"summary":    article.Summary,
			"categories": article.Categories,
			"lastEdited": article.LastEdited,
			"editors":    article.Editors,
			"views":      article.Views,
		})
	}
	return items, total, nil
}

// projectArticle keeps only the requested fields; unknown names are
// silently dropped.
func projectArticle(article store.Article, fields []string) map[string]any {
	item := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, ok := articleField(article, strings.TrimSpace(field)); ok {
			item[field] = value
		}
	}
	return item
}

func articleField(article store.Article, name string) (any, bool) {
	switch name {
	case "slug":
		return article.Slug, true
	case "title":
		return article.Title, true
	case "emoji":
		return article.Emoji, true
	case "summary":
		return article.Summary, true
	case "sections":
		return article.Sections, true
	case "categories":
		return article.Categories, true
	case "lastEdited":
		return article.LastEdited, true
	case "editors":
		return article.Editors, true
	case "views":
		return article.Views, true
	case "references":
		return article.References, true
	case "relatedArticles":
		return article.RelatedArticles, true
	case "infobox":
		return article.Infobox, true
	case "featured":
		return article.Featured, true
	case "history":
		return article.History, true
	default:
		return nil, false
	}
}

// Search runs the substring scan. Queries under two characters are
// rejected before any scan. Relevance is a constant placeholder; result
// order is scan order.
func (s *Service) Search(ctx context.Context, query string, limit, offset int) ([]map[string]any, int, error) {
	trimmed := strings.TrimSpace(query)
	if utf8.RuneCountInString(trimmed) < search.MinQueryLength {
		return nil, 0, domainError(http.StatusBadRequest, "INVALID_QUERY",
			"Query parameter 'q' is required and must be at least 2 characters")
	}

	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := search.Filter(articles, trimmed)
	total := len(matched)
	matched = page(matched, limit, offset)

	items := make([]map[string]any, 0, len(matched))
	for _, article := range matched {
		items = append(items, map[string]any{
			"slug":       article.Slug,
			"title":      article.Title,
			"emoji":      article.Emoji,
			"summary":    article.Summary,
			"categories": article.Categories,
			"views":      article.Views,
			"relevance":  1,
		})
	}
	return items, total, nil
}

// Categories returns every category with its article count computed live
// against the current article set. Counts are never cached or stored.
func (s *Service) Categories(ctx context.Context) ([]map[string]any, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		count := 0
		for _, article := range articles {
			if containsString(article.Categories, category.Slug) {
				count++
			}
		}
		items = append(items, map[string]any{
			"slug":         category.Slug,
			"name":         category.Name,
			"emoji":        category.Emoji,
			"description":  category.Description,
			"articleCount": count,
		})
	}
	return items, nil
}

// Changelog flattens every article's history into one feed, newest first.
// Entries on the same date keep their per-article order, which is already
// newest-first.
func (s *Service) Changelog(ctx context.Context) ([]map[string]any, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0)
	for _, article := range articles {
		for _, entry := range article.History {
			entries = append(entries, map[string]any{
				"articleSlug":  article.Slug,
				"articleTitle": article.Title,
				"articleEmoji": article.Emoji,
				"date":         entry.Date,
				"editor":       entry.Editor,
				"summary":      entry.Summary,
				"diff":         entry.Diff,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i]["date"].(string) > entries[j]["date"].(string)
	})
	return entries, nil
}

// RecentArticles returns the ten most recently edited articles.
func (s *Service) RecentArticles(ctx context.Context) ([]map[string]any, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].LastEdited > articles[j].LastEdited
	})
	if len(articles) > 10 {
		articles = articles[:10]
	}

	items := make([]map[string]any, 0, len(articles))
	for _, article := range articles {
		items = append(items, map[string]any{
			"slug":       article.Slug,
			"title":      article.Title,
			"emoji":      article.Emoji,
			"lastEdited": article.LastEdited,
		})
	}
	return items, nil
}

// RandomArticle picks one article uniformly.
func (s *Service) RandomArticle(ctx context.Context) (store.Article, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return store.Article{}, err
	}
	if len(articles) == 0 {
		return store.Article{}, domainError(http.StatusNotFound, "NOT_FOUND", "No articles exist yet")
	}
	return articles[rand.Intn(len(articles))], nil
}

// Stats aggregates knowledge-base totals. totalEdits counts every history
// entry; totalEditors counts distinct contributor names across all
// histories. The two are intentionally different numbers.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	articles, err := s.store.ListArticles(ctx)
	if err != nil {
		return nil, err
	}
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}

	editors := make(map[string]struct{})
	totalEdits := 0
	totalViews := 0
	for _, article := range articles {
		totalViews += article.Views
		for _, entry := range article.History {
			editors[entry.Editor] = struct{}{}
			totalEdits++
		}
	}

	byViews := make([]store.Article, len(articles))
	copy(byViews, articles)
	sort.SliceStable(byViews, func(i, j int) bool {
		return byViews[i].Views > byViews[j].Views
	})
	if len(byViews) > 5 {
		byViews = byViews[:5]
	}
	topArticles := make([]map[string]any, 0, len(byViews))
	for _, article := range byViews {
		topArticles = append(topArticles, map[string]any{
			"slug":  article.Slug,
			"title": article.Title,
			"emoji": article.Emoji,
			"views": article.Views,
		})
	}

	topCategories := make([]map[string]any, 0, len(categories))
	for _, category := range categories {
		count := 0
		for _, article := range articles {
			if containsString(article.Categories, category.Slug) {
				count++
			}
		}
		topCategories = append(topCategories, map[string]any{
			"slug":         category.Slug,
			"name":         category.Name,
			"articleCount": count,
		})
	}

	return map[string]any{
		"articles":      len(articles),
		"categories":    len(categories),
		"totalEdits":    totalEdits,
		"totalEditors":  len(editors),
		"totalViews":    totalViews,
		"topArticles":   topArticles,
		"topCategories": topCategories,
		"lastUpdated":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Facts returns the did-you-know trivia collection.
func (s *Service) Facts(ctx context.Context) ([]store.Fact, error) {
	return s.store.ListFacts(ctx)
}

// UserProfile fetches the stored account for a registered editor.
func (s *Service) UserProfile(ctx context.Context, userID string) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found")
	}
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}

func notFound(slug string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("Article with slug %q not found", slug))
}

func containsString(values []string, needle string) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
