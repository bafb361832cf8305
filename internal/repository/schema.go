package repository

import (
	"context"
	_ "embed"

	"github.com/pesio-ai/be-travel-approvals/internal/database"
	"github.com/pesio-ai/be-travel-approvals/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the approval tables if they do not exist.
func ApplySchema(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply approval schema")
	}
	return nil
}
