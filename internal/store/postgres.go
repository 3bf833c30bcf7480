package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for configuration persistence. Only configuration ever
// lands here (prompt templates, provider settings); in-flight job state stays
// in memory inside the engine.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// PromptTemplate is a reusable prompt body with {placeholder} markers.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderSetting holds connection settings for one provider. APIKeyRef names
// a secret in the credential store; the key itself is never persisted here.
type ProviderSetting struct {
	Provider  string    `json:"provider"`
	BaseURL   string    `json:"base_url"`
	Model     string    `json:"model"`
	APIKeyRef string    `json:"api_key_ref,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTemplate inserts a prompt template and returns the stored row.
func (s *Store) CreateTemplate(ctx context.Context, name, kind, body string) (PromptTemplate, error) {
	if name == "" {
		return PromptTemplate{}, errors.New("template name is required")
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prompt_templates (id, name, kind, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, name, kind, body, now)
	if err != nil {
		return PromptTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	return PromptTemplate{ID: id, Name: name, Kind: kind, Body: body, CreatedAt: now, UpdatedAt: now}, nil
}

// GetTemplate fetches a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (PromptTemplate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, kind, body, created_at, updated_at
		FROM prompt_templates WHERE id = $1
	`, id)
	var t PromptTemplate
	if err := row.Scan(&t.ID, &t.Name, &t.Kind, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PromptTemplate{}, ErrNotFound
		}
		return PromptTemplate{}, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

// ListTemplates returns templates, optionally filtered by kind.
func (s *Store) ListTemplates(ctx context.Context, kind string) ([]PromptTemplate, error) {
	query := `
		SELECT id, name, kind, body, created_at, updated_at
		FROM prompt_templates ORDER BY created_at
	`
	args := []any{}
	if kind != "" {
		query = `
			SELECT id, name, kind, body, created_at, updated_at
			FROM prompt_templates WHERE kind = $1 ORDER BY created_at
		`
		args = append(args, kind)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	out := []PromptTemplate{}
	for rows.Next() {
		var t PromptTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Kind, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTemplate rewrites a template's name, kind, and body.
func (s *Store) UpdateTemplate(ctx context.Context, id, name, kind, body string) (PromptTemplate, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prompt_templates
		SET name = $2, kind = $3, body = $4, updated_at = NOW()
		WHERE id = $1
	`, id, name, kind, body)
	if err != nil {
		return PromptTemplate{}, fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return PromptTemplate{}, ErrNotFound
	}
	return s.GetTemplate(ctx, id)
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prompt_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProviderSetting writes connection settings for one provider.
func (s *Store) UpsertProviderSetting(ctx context.Context, p ProviderSetting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_settings (provider, base_url, model, api_key_ref, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider) DO UPDATE
		SET base_url = EXCLUDED.base_url, model = EXCLUDED.model, api_key_ref = EXCLUDED.api_key_ref, updated_at = NOW()
	`, p.Provider, p.BaseURL, p.Model, emptyToNil(p.APIKeyRef))
	if err != nil {
		return fmt.Errorf("upsert provider setting: %w", err)
	}
	return nil
}

// GetProviderSetting fetches settings for one provider.
func (s *Store) GetProviderSetting(ctx context.Context, provider string) (ProviderSetting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT provider, base_url, model, api_key_ref, updated_at
		FROM provider_settings WHERE provider = $1
	`, provider)
	var p ProviderSetting
	var ref pgtype.Text
	if err := row.Scan(&p.Provider, &p.BaseURL, &p.Model, &ref, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProviderSetting{}, ErrNotFound
		}
		return ProviderSetting{}, fmt.Errorf("scan provider setting: %w", err)
	}
	if ref.Valid {
		p.APIKeyRef = ref.String
	}
	return p, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
