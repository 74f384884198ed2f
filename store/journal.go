package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orian/tagbug/models"
)

// RecordMutation stores a committed mutation in the mutation_journal table.
func (s *SQLStorage) RecordMutation(ctx context.Context, entry *models.MutationEntry) error {
	if entry.ID == "" {
		entry.ID = generateID()
	}
	idsJSON, err := json.Marshal(entry.RecordIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal record ids: %w", err)
	}

	_, err = s.conn().ExecContext(ctx, `
		INSERT INTO mutation_journal (id, op, tag, record_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.Op, nullString(entry.Tag), string(idsJSON), entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// RecentMutations returns up to limit journal entries, newest first.
func (s *SQLStorage) RecentMutations(ctx context.Context, limit int) ([]*models.MutationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn().QueryContext(ctx, `
		SELECT id, op, COALESCE(tag, ''), record_ids, created_at
		FROM mutation_journal
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*models.MutationEntry
	for rows.Next() {
		var e models.MutationEntry
		var idsJSON string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Op, &e.Tag, &idsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)

		e.RecordIDs = []string{}
		if err := json.Unmarshal([]byte(idsJSON), &e.RecordIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record ids for entry %s: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func generateID() string {
	return uuid.New().String()
}

var _ models.Journal = (*SQLStorage)(nil)
