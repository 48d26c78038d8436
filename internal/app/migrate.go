package app

import (
	"context"
	"errors"

	"txguard/internal/storage"
)

// Migrate runs a goose command against the configured database.
func (a *App) Migrate(ctx context.Context, command string, args ...string) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured")
	}
	a.Logger.Info().Str("command", command).Msg("running migrations")
	return storage.Migrate(ctx, a.Config.Database.DSN, command, args...)
}
