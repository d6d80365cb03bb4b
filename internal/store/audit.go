package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DefaultAuditLimit is how many entries an audit query returns by default.
const DefaultAuditLimit = 10

// AddAudit appends an entry. The table rejects updates and deletes.
func (s *PostgresStore) AddAudit(ctx context.Context, entry AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	var owner any
	if entry.OwnerID != "" {
		owner = entry.OwnerID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sheet_audit (community_id, sheet_id, owner_id, kind, details, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.CommunityID, entry.SheetID, owner, entry.Kind, encoded, s.now())
	if err != nil {
		return fmt.Errorf("add audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries for a sheet, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, communityID, sheetID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, community_id, sheet_id, owner_id, kind, details, at
		FROM sheet_audit
		WHERE community_id=$1 AND sheet_id=$2
		ORDER BY at DESC, id DESC
		LIMIT $3
	`, communityID, sheetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			item       AuditEntry
			owner      sql.NullString
			detailsRaw []byte
		)
		if err := rows.Scan(&item.ID, &item.CommunityID, &item.SheetID, &owner, &item.Kind, &detailsRaw, &item.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		item.OwnerID = owner.String
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &item.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return items, nil
}
