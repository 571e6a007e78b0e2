package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/RLAsoftware/category-of-one/internal/interview"
)

// Seeder writes directory rows. Clients are matched by email, so seeding is idempotent.
type Seeder interface {
	UpsertClient(ctx context.Context, c interview.Client) (interview.Client, error)
	PutUserRole(ctx context.Context, userID, role string) error
}

func (s *InMemoryStore) UpsertClient(_ context.Context, c interview.Client) (interview.Client, error) {
	if strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.Name) == "" {
		return interview.Client{}, fmt.Errorf("client needs a name and an email")
	}
	s.mu.Lock()
	for id, existing := range s.clients {
		if strings.EqualFold(existing.Email, c.Email) {
			c.ID = id
			break
		}
	}
	s.mu.Unlock()
	return s.PutClient(c), nil
}

func (s *InMemoryStore) PutUserRole(_ context.Context, userID, role string) error {
	s.SetUserRole(userID, role)
	return nil
}

func (s *PostgresStore) UpsertClient(ctx context.Context, c interview.Client) (interview.Client, error) {
	if strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.Name) == "" {
		return interview.Client{}, fmt.Errorf("client needs a name and an email")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	var userID *string
	if v := strings.TrimSpace(c.UserID); v != "" {
		userID = &v
	}
	return s.scanClient(s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, user_id, name, email, company)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ((lower(email))) DO UPDATE
		SET name = EXCLUDED.name, company = EXCLUDED.company, user_id = COALESCE(EXCLUDED.user_id, clients.user_id)
		RETURNING id, user_id, name, email, company`,
		c.ID, userID, strings.TrimSpace(c.Name), strings.TrimSpace(c.Email), strings.TrimSpace(c.Company)))
}

func (s *PostgresStore) PutUserRole(ctx context.Context, userID, role string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role`,
		strings.TrimSpace(userID), strings.ToLower(strings.TrimSpace(role)))
	if err != nil {
		return fmt.Errorf("put user role: %w", err)
	}
	return nil
}
