package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/certstore/pkg/codec"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/google/uuid"
)

// LegacyExportFile is the flat JSON export written by earlier releases
const LegacyExportFile = "manageditems.json"

// migratedSuffix is appended to a legacy export once it has been imported
const migratedSuffix = ".bak"

// pendingSuffix names the marker that exists while an import is incomplete
const pendingSuffix = ".importing"

// legacyNamespace seeds the ids given to legacy documents that have none, so
// a resumed import assigns the same ids as the attempt it continues
var legacyNamespace = uuid.MustParse("5b0c7f4e-2d1a-4c8e-9a47-6f3e2b1d8c90")

// importPending reports whether an earlier import of the export at path
// stopped before completing. A marker left behind by an import that did
// complete is removed.
func importPending(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(path + pendingSuffix); err != nil {
		return false
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(path + pendingSuffix)
		return false
	}
	return true
}

// migrateLegacy imports a legacy export and renames it so it is never read
// again. A missing export is not an error. An unreadable export is logged and
// left in place for the operator.
//
// A marker file sits beside the export until the rename, so an import that
// fails partway is resumed on the next Init even though the store now exists.
// On resume, documents already written are skipped.
func (s *Store) migrateLegacy(ctx context.Context, path string, resume bool) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to read legacy export, skipping import")
		return nil
	}

	docs, err := codec.DecodeList(data)
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to decode legacy export, skipping import")
		return nil
	}

	renamed := dedupeIDs(docs)
	for i, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewSHA1(legacyNamespace, []byte(strconv.Itoa(i)+"\x00"+doc.Name)).String()
		}
		doc.IsChanged = true
	}

	if err := os.WriteFile(path+pendingSuffix, nil, 0600); err != nil {
		return fmt.Errorf("failed to mark legacy import in progress: %w", err)
	}

	skipped := 0
	if resume {
		remaining, err := s.notYetImported(ctx, docs)
		if err != nil {
			return fmt.Errorf("failed to resume legacy import: %w", err)
		}
		skipped = len(docs) - len(remaining)
		docs = remaining
	}

	if err := s.storeAll(ctx, docs); err != nil {
		return fmt.Errorf("failed to import legacy export: %w", err)
	}

	if err := os.Rename(path, path+migratedSuffix); err != nil {
		return fmt.Errorf("failed to rename imported legacy export: %w", err)
	}
	if err := os.Remove(path + pendingSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", path+pendingSuffix).Msg("Failed to remove legacy import marker")
	}

	s.logger.Info().
		Str("path", path).
		Int("documents", len(docs)).
		Int("already_imported", skipped).
		Int("renamed_ids", renamed).
		Bool("resumed", resume).
		Msg("Imported legacy export")
	return nil
}

// notYetImported drops documents whose id is already stored
func (s *Store) notYetImported(ctx context.Context, docs []*types.ManagedCertificate) ([]*types.ManagedCertificate, error) {
	remaining := make([]*types.ManagedCertificate, 0, len(docs))
	for _, doc := range docs {
		var row *Row
		err := s.retry.do(ctx, "get", func(ctx context.Context) error {
			var err error
			row, err = s.engine.Get(ctx, doc.ID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if row == nil {
			remaining = append(remaining, doc)
		}
	}
	return remaining, nil
}

// dedupeIDs gives every document a distinct id. Later duplicates get a
// numeric suffix that collides with no id in the batch. Documents without an
// id are left alone. Returns the number of ids changed.
func dedupeIDs(docs []*types.ManagedCertificate) int {
	taken := make(map[string]bool, len(docs))
	for _, doc := range docs {
		if doc.ID != "" {
			taken[doc.ID] = true
		}
	}

	seen := make(map[string]bool, len(docs))
	renamed := 0
	for _, doc := range docs {
		if doc.ID == "" {
			continue
		}
		if !seen[doc.ID] {
			seen[doc.ID] = true
			continue
		}

		base := doc.ID
		for n := 1; ; n++ {
			candidate := base + "_" + strconv.Itoa(n)
			if !taken[candidate] {
				doc.ID = candidate
				break
			}
		}
		taken[doc.ID] = true
		seen[doc.ID] = true
		renamed++
	}
	return renamed
}
