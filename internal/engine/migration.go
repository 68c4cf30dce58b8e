package engine

import (
	"context"
	"fmt"
)

// Migrate copies every record from src into dst and returns how many were
// copied. This works for:
// - Embedded -> SQL/badger/remote (the "upgrade")
// - Any backend -> Embedded (backup/offline)
// Destinations implementing Importer keep the original timestamps; others
// get fresh ones from Save.
func Migrate(ctx context.Context, src Source, dst Destination) (int, error) {
	owners, err := src.ListOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list owners: %w", err)
	}

	importer, canImport := dst.(Importer)
	copied := 0
	for _, owner := range owners {
		records, err := src.ListByOwner(ctx, owner)
		if err != nil {
			return copied, fmt.Errorf("failed to list charts for owner %s: %w", owner, err)
		}

		for _, rec := range records {
			if canImport {
				err = importer.Import(ctx, rec)
			} else {
				_, err = dst.Save(ctx, rec.Owner, rec.Kind, rec.Payload)
			}
			if err != nil {
				return copied, fmt.Errorf("failed to copy %s chart of %s: %w", rec.Kind, owner, err)
			}
			copied++
		}
	}

	return copied, nil
}
