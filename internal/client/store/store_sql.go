package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quickapi/internal/client/models"
)

// SQLStore reads and writes the api_clients table. The queries run unchanged
// on PostgreSQL (pgx) and SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore constructs a SQL-backed client store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectClients = `
	SELECT id, secret, exposed_secret, revoked, apis
	FROM api_clients
`

// FindByID returns the client, or ErrNotFound.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*models.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, selectClients+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find client: %w", err)
	}
	return c, nil
}

// List returns every client ordered by ID.
func (s *SQLStore) List(ctx context.Context) ([]*models.Client, error) {
	rows, err := s.db.QueryContext(ctx, selectClients+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("list clients: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return out, nil
}

// Save inserts or replaces c.
func (s *SQLStore) Save(ctx context.Context, c *models.Client) error {
	if err := validate(c); err != nil {
		return err
	}
	apis := c.APIs
	if apis == nil {
		apis = map[string]models.APIConfig{}
	}
	raw, err := json.Marshal(apis)
	if err != nil {
		return fmt.Errorf("encode client apis: %w", err)
	}
	query := `
		INSERT INTO api_clients (id, secret, exposed_secret, revoked, apis, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			secret = EXCLUDED.secret,
			exposed_secret = EXCLUDED.exposed_secret,
			revoked = EXCLUDED.revoked,
			apis = EXCLUDED.apis,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.Secret, c.ExposedSecret, c.Revoked, string(raw)); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// Delete removes the client. Missing clients are ignored.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM api_clients WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*models.Client, error) {
	var (
		c    models.Client
		apis []byte
	)
	if err := row.Scan(&c.ID, &c.Secret, &c.ExposedSecret, &c.Revoked, &apis); err != nil {
		return nil, err
	}
	if len(apis) > 0 {
		if err := json.Unmarshal(apis, &c.APIs); err != nil {
			return nil, fmt.Errorf("decode apis for client %s: %w", c.ID, err)
		}
	}
	if c.APIs == nil {
		c.APIs = map[string]models.APIConfig{}
	}
	return &c, nil
}
