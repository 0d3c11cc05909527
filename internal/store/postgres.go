package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists each article as one row keyed by slug. The nested
// trees (sections, references, infobox, history) live in JSONB columns so an
// accepted write is a single-row statement: readers never observe a partially
// applied update.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const articleColumns = `slug, title, emoji, summary, sections, categories, last_edited, editors, views, refs, related, infobox, featured, history`

func scanArticle(row interface{ Scan(...any) error }) (Article, error) {
	var (
		item       Article
		sections   []byte
		categories []byte
		refs       []byte
		related    []byte
		infobox    []byte
		history    []byte
	)
	err := row.Scan(
		&item.Slug,
		&item.Title,
		&item.Emoji,
		&item.Summary,
		&sections,
		&categories,
		&item.LastEdited,
		&item.Editors,
		&item.Views,
		&refs,
		&related,
		&infobox,
		&item.Featured,
		&history,
	)
	if err != nil {
		return Article{}, err
	}
	if err := decodeJSON(sections, &item.Sections); err != nil {
		return Article{}, fmt.Errorf("decode sections: %w", err)
	}
	if err := decodeJSON(categories, &item.Categories); err != nil {
		return Article{}, fmt.Errorf("decode categories: %w", err)
	}
	if err := decodeJSON(refs, &item.References); err != nil {
		return Article{}, fmt.Errorf("decode references: %w", err)
	}
	if err := decodeJSON(related, &item.RelatedArticles); err != nil {
		return Article{}, fmt.Errorf("decode related articles: %w", err)
	}
	if err := decodeJSON(infobox, &item.Infobox); err != nil {
		return Article{}, fmt.Errorf("decode infobox: %w", err)
	}
	if err := decodeJSON(history, &item.History); err != nil {
		return Article{}, fmt.Errorf("decode history: %w", err)
	}
	return item, nil
}

func decodeJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func articleArgs(item Article) ([]any, error) {
	sections, err := json.Marshal(item.Sections)
	if err != nil {
		return nil, fmt.Errorf("encode sections: %w", err)
	}
	categories, err := json.Marshal(item.Categories)
	if err != nil {
		return nil, fmt.Errorf("encode categories: %w", err)
	}
	refs, err := json.Marshal(item.References)
	if err != nil {
		return nil, fmt.Errorf("encode references: %w", err)
	}
	related, err := json.Marshal(item.RelatedArticles)
	if err != nil {
		return nil, fmt.Errorf("encode related articles: %w", err)
	}
	var infobox []byte
	if item.Infobox != nil {
		infobox, err = json.Marshal(item.Infobox)
		if err != nil {
			return nil, fmt.Errorf("encode infobox: %w", err)
		}
	}
	history, err := json.Marshal(item.History)
	if err != nil {
		return nil, fmt.Errorf("encode history: %w", err)
	}
	return []any{
		item.Slug,
		item.Title,
		item.Emoji,
		item.Summary,
		sections,
		categories,
		item.LastEdited,
		item.Editors,
		item.Views,
		refs,
		related,
		infobox,
		item.Featured,
		history,
	}, nil
}

func (s *PostgresStore) ListArticles(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+articleColumns+` FROM articles ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, slug string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE slug=$1`, slug)
	item, err := scanArticle(row)
	if err != nil {
		return Article{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertArticle(ctx context.Context, item Article) error {
	args, err := articleArgs(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO articles (`+articleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, args...)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	return nil
}

// ReplaceArticle writes the full article row in one statement. Views are
// deliberately excluded: the counter belongs to the read path and a
// concurrent view bump must not be clobbered by an edit.
func (s *PostgresStore) ReplaceArticle(ctx context.Context, item Article) error {
	args, err := articleArgs(item)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE articles
		SET title=$2, emoji=$3, summary=$4, sections=$5, categories=$6,
			last_edited=$7, editors=$8, refs=$10, related=$11, infobox=$12,
			featured=$13, history=$14
		WHERE slug=$1
	`, args...)
	if err != nil {
		return fmt.Errorf("replace article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace article rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) IncrementViews(ctx context.Context, slug string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE articles SET views = views + 1 WHERE slug=$1`, slug)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountArticles(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count articles: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slug, name, emoji, description FROM categories ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	items := make([]Category, 0)
	for rows.Next() {
		var item Category
		if err := rows.Scan(&item.Slug, &item.Name, &item.Emoji, &item.Description); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertCategory(ctx context.Context, item Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (slug, name, emoji, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO NOTHING
	`, item.Slug, item.Name, item.Emoji, item.Description)
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFacts(ctx context.Context) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fact, article_slug FROM facts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	items := make([]Fact, 0)
	for rows.Next() {
		var item Fact
		if err := rows.Scan(&item.ID, &item.Fact, &item.ArticleSlug); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertFact(ctx context.Context, item Fact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO facts (fact, article_slug) VALUES ($1, $2)`, item.Fact, item.ArticleSlug)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, display_name, type, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.Username, user.DisplayName, user.Type, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `email=$1`, email)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, `id=$1`, id)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var (
		user      User
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, username, display_name, type, password_hash, edits, created_at
		FROM users WHERE `+where, arg).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.DisplayName,
		&user.Type,
		&user.PasswordHash,
		&user.Edits,
		&createdAt,
	)
	if err != nil {
		return User{}, err
	}
	user.CreatedAt = createdAt
	return user, nil
}

func (s *PostgresStore) InsertAPIKey(ctx context.Context, keyHash, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, user_id)
		VALUES ($1, $2)
		ON CONFLICT (key_hash) DO NOTHING
	`, keyHash, userID)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByAPIKeyHash(ctx context.Context, keyHash string) (User, error) {
	var (
		user      User
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.username, u.display_name, u.type, u.password_hash, u.edits, u.created_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL
	`, keyHash).Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.DisplayName,
		&user.Type,
		&user.PasswordHash,
		&user.Edits,
		&createdAt,
	)
	if err != nil {
		return User{}, err
	}
	user.CreatedAt = createdAt
	return user, nil
}

func (s *PostgresStore) IncrementUserEdits(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET edits = edits + 1 WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("increment user edits: %w", err)
	}
	return nil
}
