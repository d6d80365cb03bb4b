package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nattyright/grail-kun/internal/util"
)

var (
	// ErrNotFound is returned when a sheet or incident does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOpenIncidentExists is returned when a sheet already has an open incident.
	ErrOpenIncidentExists = errors.New("sheet already has an open incident")
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sheetColumns = `
	id, community_id, owner_id, url, source_channel_id, source_message_id,
	approved, latest, status,
	quarantine_incident_id, quarantine_since, quarantine_last_seen_hash, quarantine_last_checked_at, quarantine_repeats,
	last_error_message, last_error_at, is_used, created_at, updated_at
`

func scanSheet(row rowScanner) (Sheet, error) {
	var (
		item                     Sheet
		approvedRaw, latestRaw   []byte
		qIncident, qHash, errMsg sql.NullString
		qSince, qChecked, errAt  sql.NullTime
		qRepeats                 int
	)
	if err := row.Scan(
		&item.ID, &item.CommunityID, &item.OwnerID, &item.URL, &item.Source.ChannelID, &item.Source.MessageID,
		&approvedRaw, &latestRaw, &item.Status,
		&qIncident, &qSince, &qHash, &qChecked, &qRepeats,
		&errMsg, &errAt, &item.IsUsed, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return Sheet{}, err
	}

	var err error
	if item.Approved, err = decodeSnapshot(approvedRaw); err != nil {
		return Sheet{}, fmt.Errorf("decode approved snapshot %s: %w", item.ID, err)
	}
	if item.Latest, err = decodeSnapshot(latestRaw); err != nil {
		return Sheet{}, fmt.Errorf("decode latest snapshot %s: %w", item.ID, err)
	}
	if qIncident.Valid {
		item.Quarantine = &Quarantine{
			IncidentID:         qIncident.String,
			Since:              qSince.Time,
			LastSeenGlobalHash: qHash.String,
			LastCheckedAt:      qChecked.Time,
			Repeats:            qRepeats,
		}
	}
	if errMsg.Valid {
		item.LastError = &SheetError{Message: errMsg.String, At: errAt.Time}
	}
	return item, nil
}

func decodeSnapshot(raw []byte) (*Snapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	if snap.Sections == nil {
		snap.Sections = map[string]SnapshotSection{}
	}
	return &snap, nil
}

func (s *PostgresStore) querySheets(ctx context.Context, what, query string, args ...any) ([]Sheet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer rows.Close()

	items := make([]Sheet, 0)
	for rows.Next() {
		item, err := scanSheet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// UpsertSheet records a discovered sheet and reports whether it is new.
// Ownership and source are refreshed on every sighting; is_used starts false.
func (s *PostgresStore) UpsertSheet(ctx context.Context, item Sheet) (bool, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sheets (id, community_id, owner_id, url, source_channel_id, source_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			community_id=EXCLUDED.community_id,
			owner_id=EXCLUDED.owner_id,
			url=EXCLUDED.url,
			source_channel_id=EXCLUDED.source_channel_id,
			source_message_id=EXCLUDED.source_message_id,
			updated_at=NOW()
		RETURNING (xmax = 0)
	`, item.ID, item.CommunityID, item.OwnerID, item.URL, item.Source.ChannelID, item.Source.MessageID).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert sheet: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetSheet(ctx context.Context, sheetID string) (Sheet, error) {
	item, err := scanSheet(s.db.QueryRowContext(ctx, `SELECT `+sheetColumns+` FROM sheets WHERE id=$1`, sheetID))
	if errors.Is(err, sql.ErrNoRows) {
		return Sheet{}, fmt.Errorf("sheet %s: %w", sheetID, ErrNotFound)
	}
	if err != nil {
		return Sheet{}, fmt.Errorf("get sheet: %w", err)
	}
	return item, nil
}

// ListApprovedSheets returns every sheet of a community that has a baseline.
// The result is fully read before returning.
func (s *PostgresStore) ListApprovedSheets(ctx context.Context, communityID string) ([]Sheet, error) {
	return s.querySheets(ctx, "approved sheets", `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE community_id=$1 AND approved IS NOT NULL
		ORDER BY id
	`, communityID)
}

// ListPendingSheets returns sheets still waiting for a first baseline.
func (s *PostgresStore) ListPendingSheets(ctx context.Context) ([]Sheet, error) {
	return s.querySheets(ctx, "pending sheets", `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE approved IS NULL
		ORDER BY created_at
	`)
}

func (s *PostgresStore) ListSheetsForOwner(ctx context.Context, communityID, ownerID string, used bool) ([]Sheet, error) {
	return s.querySheets(ctx, "owner sheets", `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE community_id=$1 AND owner_id=$2 AND is_used=$3
		ORDER BY created_at
	`, communityID, ownerID, used)
}

func (s *PostgresStore) CountUnusedSheets(ctx context.Context, communityID, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sheets WHERE community_id=$1 AND owner_id=$2 AND is_used=FALSE
	`, communityID, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unused sheets: %w", err)
	}
	return count, nil
}

// SearchSheets is the database fallback for sheet search.
func (s *PostgresStore) SearchSheets(ctx context.Context, communityID, query string, limit int) ([]Sheet, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	return s.querySheets(ctx, "sheet search", `
		SELECT `+sheetColumns+`
		FROM sheets
		WHERE community_id=$1 AND (id ILIKE $2 OR owner_id ILIKE $2 OR url ILIKE $2)
		ORDER BY updated_at DESC
		LIMIT $3
	`, communityID, pattern, limit)
}

func escapeLike(v string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(v)
}

// ListCommunities returns every community that has settings or sheets.
func (s *PostgresStore) ListCommunities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT community_id FROM community_settings
		UNION
		SELECT community_id FROM sheets
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan community: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate communities: %w", err)
	}
	return ids, nil
}

// ApproveBaseline overwrites the approved snapshot, clears quarantine and
// errors, and marks the sheet ok.
func (s *PostgresStore) ApproveBaseline(ctx context.Context, communityID, sheetID, approver string, snap Snapshot) error {
	snap.At = s.now()
	snap.By = approver
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			community_id=$2,
			approved=$3,
			status='ok',
			quarantine_incident_id=NULL,
			quarantine_since=NULL,
			quarantine_last_seen_hash=NULL,
			quarantine_last_checked_at=NULL,
			quarantine_repeats=0,
			last_error_message=NULL,
			last_error_at=NULL,
			updated_at=NOW()
		WHERE id=$1
	`, sheetID, communityID, encoded)
	if err != nil {
		return fmt.Errorf("approve baseline: %w", err)
	}
	return requireAffected(res, "approve baseline")
}

// SetLatest stores the most recent observation and clears the last error.
// A sheet left in the error state by a failed check returns to ok.
func (s *PostgresStore) SetLatest(ctx context.Context, sheetID string, snap Snapshot) error {
	snap.At = s.now()
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode latest: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			latest=$2,
			last_error_message=NULL,
			last_error_at=NULL,
			status=CASE WHEN status='error' THEN 'ok' ELSE status END,
			updated_at=NOW()
		WHERE id=$1
	`, sheetID, encoded)
	if err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return requireAffected(res, "set latest")
}

// SetError records a failure. A quarantined sheet keeps its status so the
// quarantine stays attached to its incident.
func (s *PostgresStore) SetError(ctx context.Context, sheetID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			status=CASE WHEN status='quarantined' THEN status ELSE 'error' END,
			last_error_message=$2,
			last_error_at=$3,
			updated_at=NOW()
		WHERE id=$1
	`, sheetID, message, s.now())
	if err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	return requireAffected(res, "set error")
}

func (s *PostgresStore) SetQuarantine(ctx context.Context, sheetID, incidentID, observedHash string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			status='quarantined',
			quarantine_incident_id=$2,
			quarantine_since=$3,
			quarantine_last_seen_hash=$4,
			quarantine_last_checked_at=$3,
			quarantine_repeats=0,
			updated_at=NOW()
		WHERE id=$1
	`, sheetID, incidentID, now, observedHash)
	if err != nil {
		return fmt.Errorf("set quarantine: %w", err)
	}
	return requireAffected(res, "set quarantine")
}

// UpdateQuarantineRepeat bumps the repeat counter only when the observed hash
// differs from the last one seen. Sheets without quarantine are left alone.
func (s *PostgresStore) UpdateQuarantineRepeat(ctx context.Context, sheetID, observedHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			quarantine_repeats=quarantine_repeats + CASE
				WHEN quarantine_last_seen_hash IS DISTINCT FROM $2 THEN 1 ELSE 0 END,
			quarantine_last_seen_hash=$2,
			quarantine_last_checked_at=$3,
			updated_at=NOW()
		WHERE id=$1 AND quarantine_incident_id IS NOT NULL
	`, sheetID, observedHash, s.now())
	if err != nil {
		return fmt.Errorf("update quarantine repeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearQuarantine(ctx context.Context, sheetID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sheets SET
			status='ok',
			quarantine_incident_id=NULL,
			quarantine_since=NULL,
			quarantine_last_seen_hash=NULL,
			quarantine_last_checked_at=NULL,
			quarantine_repeats=0,
			updated_at=NOW()
		WHERE id=$1
	`, sheetID)
	if err != nil {
		return fmt.Errorf("clear quarantine: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSheetUsed(ctx context.Context, sheetID string, used bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sheets SET is_used=$2, updated_at=NOW() WHERE id=$1`, sheetID, used)
	if err != nil {
		return fmt.Errorf("set sheet used: %w", err)
	}
	return requireAffected(res, "set sheet used")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func newIncidentID() string {
	return util.NewID("inc")
}
