package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const incidentColumns = `
	id, community_id, sheet_id, owner_id, status,
	changed_keys, changed_sections, diffs, from_hashes, to_hashes,
	alert_channel_id, alert_message_id, opened_at, updated_at,
	resolved_at, resolved_by, resolution_note
`

func scanIncident(row rowScanner) (Incident, error) {
	var (
		item                                   Incident
		keysRaw, labelsRaw, diffsRaw           []byte
		fromRaw, toRaw                         []byte
		alertChannel, alertMessage, resolvedBy sql.NullString
		note                                   sql.NullString
		resolvedAt                             sql.NullTime
	)
	if err := row.Scan(
		&item.ID, &item.CommunityID, &item.SheetID, &item.OwnerID, &item.Status,
		&keysRaw, &labelsRaw, &diffsRaw, &fromRaw, &toRaw,
		&alertChannel, &alertMessage, &item.OpenedAt, &item.UpdatedAt,
		&resolvedAt, &resolvedBy, &note,
	); err != nil {
		return Incident{}, err
	}

	decoders := []struct {
		raw    []byte
		target any
	}{
		{keysRaw, &item.ChangedKeys},
		{labelsRaw, &item.ChangedSections},
		{diffsRaw, &item.Diffs},
		{fromRaw, &item.FromHashes},
		{toRaw, &item.ToHashes},
	}
	for _, d := range decoders {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.target); err != nil {
			return Incident{}, fmt.Errorf("decode incident %s: %w", item.ID, err)
		}
	}
	if item.Diffs == nil {
		item.Diffs = map[string]string{}
	}

	if alertChannel.Valid && alertMessage.Valid {
		item.Alert = &AlertRef{ChannelID: alertChannel.String, MessageID: alertMessage.String}
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time
		item.ResolvedAt = &at
	}
	item.ResolvedBy = resolvedBy.String
	item.ResolutionNote = note.String
	return item, nil
}

type encodedContent struct {
	keys, labels, diffs, from, to []byte
}

func encodeContent(c IncidentContent) (encodedContent, error) {
	var (
		out encodedContent
		err error
	)
	if out.keys, err = json.Marshal(nonNilSlice(c.ChangedKeys)); err != nil {
		return out, err
	}
	if out.labels, err = json.Marshal(nonNilSlice(c.ChangedSections)); err != nil {
		return out, err
	}
	if out.diffs, err = json.Marshal(nonNilMap(c.Diffs)); err != nil {
		return out, err
	}
	if out.from, err = json.Marshal(nonNilMap(c.FromHashes)); err != nil {
		return out, err
	}
	if out.to, err = json.Marshal(nonNilMap(c.ToHashes)); err != nil {
		return out, err
	}
	return out, nil
}

func nonNilSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

// CreateIncident stores a new open incident and returns its id. A second open
// incident for the same sheet is refused with ErrOpenIncidentExists.
func (s *PostgresStore) CreateIncident(ctx context.Context, item Incident) (string, error) {
	if item.ID == "" {
		item.ID = newIncidentID()
	}
	if item.Status == "" {
		item.Status = IncidentOpen
	}
	enc, err := encodeContent(item.IncidentContent)
	if err != nil {
		return "", fmt.Errorf("encode incident: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sheet_incidents (
			id, community_id, sheet_id, owner_id, status,
			changed_keys, changed_sections, diffs, from_hashes, to_hashes, opened_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.CommunityID, item.SheetID, item.OwnerID, item.Status,
		enc.keys, enc.labels, enc.diffs, enc.from, enc.to, s.now())
	if isUniqueViolation(err) {
		return "", fmt.Errorf("create incident for %s: %w", item.SheetID, ErrOpenIncidentExists)
	}
	if err != nil {
		return "", fmt.Errorf("create incident: %w", err)
	}
	return item.ID, nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	item, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM sheet_incidents WHERE id=$1`, incidentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, fmt.Errorf("incident %s: %w", incidentID, ErrNotFound)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("get incident: %w", err)
	}
	return item, nil
}

// FindOpenIncident returns the newest open incident of a sheet, or ErrNotFound.
func (s *PostgresStore) FindOpenIncident(ctx context.Context, communityID, sheetID string) (Incident, error) {
	item, err := scanIncident(s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM sheet_incidents
		WHERE community_id=$1 AND sheet_id=$2 AND status='open'
		ORDER BY opened_at DESC
		LIMIT 1
	`, communityID, sheetID))
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, fmt.Errorf("open incident for %s: %w", sheetID, ErrNotFound)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("find open incident: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateIncidentContent(ctx context.Context, incidentID string, content IncidentContent) error {
	enc, err := encodeContent(content)
	if err != nil {
		return fmt.Errorf("encode incident content: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheet_incidents SET
			changed_keys=$2, changed_sections=$3, diffs=$4, from_hashes=$5, to_hashes=$6, updated_at=NOW()
		WHERE id=$1
	`, incidentID, enc.keys, enc.labels, enc.diffs, enc.from, enc.to)
	if err != nil {
		return fmt.Errorf("update incident content: %w", err)
	}
	return requireAffected(res, "update incident content")
}

func (s *PostgresStore) AttachAlertMessage(ctx context.Context, incidentID string, ref AlertRef) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheet_incidents SET alert_channel_id=$2, alert_message_id=$3, updated_at=NOW() WHERE id=$1
	`, incidentID, ref.ChannelID, ref.MessageID)
	if err != nil {
		return fmt.Errorf("attach alert message: %w", err)
	}
	return requireAffected(res, "attach alert message")
}

func (s *PostgresStore) ResolveIncident(ctx context.Context, incidentID, status, resolver, note string) error {
	var noteArg any
	if note != "" {
		noteArg = note
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheet_incidents SET
			status=$2, resolved_at=$3, resolved_by=$4, resolution_note=$5, updated_at=NOW()
		WHERE id=$1
	`, incidentID, status, s.now(), resolver, noteArg)
	if err != nil {
		return fmt.Errorf("resolve incident: %w", err)
	}
	return requireAffected(res, "resolve incident")
}
