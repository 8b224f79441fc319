package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"quickapi/internal/client/models"
)

// Saver persists clients.
type Saver interface {
	Save(ctx context.Context, c *models.Client) error
}

// ReadSeed decodes a JSON array of clients.
func ReadSeed(r io.Reader) ([]*models.Client, error) {
	var clients []*models.Client
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&clients); err != nil {
		return nil, fmt.Errorf("decode clients seed: %w", err)
	}
	for i, c := range clients {
		if err := validate(c); err != nil {
			return nil, fmt.Errorf("clients seed entry %d: %w", i, err)
		}
	}
	return clients, nil
}

// SeedFile loads clients from path into s and returns how many were saved.
func SeedFile(ctx context.Context, s Saver, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open clients seed: %w", err)
	}
	defer f.Close()

	clients, err := ReadSeed(f)
	if err != nil {
		return 0, err
	}
	for _, c := range clients {
		if err := s.Save(ctx, c); err != nil {
			return 0, fmt.Errorf("seed client %s: %w", c.ID, err)
		}
	}
	return len(clients), nil
}
