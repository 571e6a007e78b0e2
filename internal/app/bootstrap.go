package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/RLAsoftware/category-of-one/internal/interview"
	"github.com/RLAsoftware/category-of-one/internal/store"
)

// bootstrapFile seeds the client directory, mainly for local development
// where the hosted admin panel is not available.
//
//	[[clients]]
//	name = "Jo Rivera"
//	email = "jo@example.com"
//
//	[[roles]]
//	user_id = "dev:boss@example.com"
//	role = "admin"
type bootstrapFile struct {
	Clients []bootstrapClient `toml:"clients"`
	Roles   []bootstrapRole   `toml:"roles"`
}

type bootstrapClient struct {
	Name    string `toml:"name"`
	Email   string `toml:"email"`
	Company string `toml:"company"`
	UserID  string `toml:"user_id"`
}

type bootstrapRole struct {
	UserID string `toml:"user_id"`
	Role   string `toml:"role"`
}

type bootstrapResult struct {
	Clients int
	Roles   int
}

func loadBootstrap(path string) (bootstrapFile, error) {
	var f bootstrapFile
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return bootstrapFile{}, fmt.Errorf("read bootstrap file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return bootstrapFile{}, fmt.Errorf("bootstrap file %s: unknown keys %v", path, undecoded)
	}
	return f, nil
}

func applyBootstrap(ctx context.Context, seeder store.Seeder, f bootstrapFile) (bootstrapResult, error) {
	var res bootstrapResult
	for i, c := range f.Clients {
		_, err := seeder.UpsertClient(ctx, interview.Client{
			Name:    strings.TrimSpace(c.Name),
			Email:   strings.TrimSpace(c.Email),
			Company: strings.TrimSpace(c.Company),
			UserID:  strings.TrimSpace(c.UserID),
		})
		if err != nil {
			return res, fmt.Errorf("bootstrap client %d: %w", i, err)
		}
		res.Clients++
	}
	for i, r := range f.Roles {
		if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.Role) == "" {
			return res, fmt.Errorf("bootstrap role %d: user_id and role are required", i)
		}
		if err := seeder.PutUserRole(ctx, r.UserID, r.Role); err != nil {
			return res, fmt.Errorf("bootstrap role %d: %w", i, err)
		}
		res.Roles++
	}
	return res, nil
}
