package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Community setting keys.
const (
	KeyTrackedChannelIDs    = "tracked_channel_ids"
	KeyModAlertChannelID    = "mod_alert_channel_id"
	KeyModRoleIDs           = "mod_role_ids"
	KeyCheckIntervalMinutes = "check_interval_minutes"
	KeyHistoryScanLimit     = "history_scan_limit"
	KeyMaxDiffChars         = "max_diff_chars"
	KeyMaxChangedWords      = "max_changed_words"
	KeyMaxSectionsToPost    = "max_sections_to_post"
	KeyMaxConcurrentChecks  = "max_concurrent_checks"
	KeyPerSheetDelaySeconds = "per_sheet_delay_seconds"
	KeyLastScanAt           = "last_scan_at"
)

// Settings is the typed view of a community's key/value settings.
type Settings struct {
	CommunityID          string
	TrackedChannelIDs    []string
	ModAlertChannelID    string
	ModRoleIDs           []string
	CheckIntervalMinutes int
	HistoryScanLimit     int
	MaxDiffChars         int
	MaxChangedWords      int
	MaxSectionsToPost    int
	MaxConcurrentChecks  int
	PerSheetDelaySeconds float64
	LastScanAt           *time.Time
}

// CheckInterval is the reconciliation period.
func (s Settings) CheckInterval() time.Duration {
	return time.Duration(s.CheckIntervalMinutes) * time.Minute
}

// PerSheetDelay is the pause after each processed sheet.
func (s Settings) PerSheetDelay() time.Duration {
	return time.Duration(s.PerSheetDelaySeconds * float64(time.Second))
}

// IsTracked reports whether channelID is a tracked announcement channel.
func (s Settings) IsTracked(channelID string) bool {
	for _, id := range s.TrackedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// DueAt returns when the next reconciliation pass should run. A community
// that was never scanned is due immediately.
func (s Settings) DueAt() time.Time {
	if s.LastScanAt == nil {
		return time.Time{}
	}
	return s.LastScanAt.Add(s.CheckInterval())
}

type settingDefault struct {
	key   string
	value any
}

// settingDefaults is ordered so backfill writes are deterministic.
var settingDefaults = []settingDefault{
	{KeyTrackedChannelIDs, []string{}},
	{KeyModAlertChannelID, ""},
	{KeyModRoleIDs, []string{}},
	{KeyCheckIntervalMinutes, 720},
	{KeyHistoryScanLimit, 200},
	{KeyMaxDiffChars, 3500},
	{KeyMaxChangedWords, 120},
	{KeyMaxSectionsToPost, 6},
	{KeyMaxConcurrentChecks, 4},
	{KeyPerSheetDelaySeconds, 1.0},
	{KeyLastScanAt, ""},
}

// DefaultSettings returns the defaults without touching storage.
func DefaultSettings(communityID string) Settings {
	values := make(map[string]json.RawMessage, len(settingDefaults))
	for _, d := range settingDefaults {
		raw, _ := json.Marshal(d.value)
		values[d.key] = raw
	}
	out, _ := decodeSettings(communityID, values)
	return out
}

// GetSettings loads a community's settings. Missing keys are written with
// their default before the typed value is built.
func (s *PostgresStore) GetSettings(ctx context.Context, communityID string) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM community_settings WHERE community_id=$1`, communityID)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	values := map[string]json.RawMessage{}
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			rows.Close()
			return Settings{}, fmt.Errorf("scan setting: %w", err)
		}
		values[key] = raw
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Settings{}, fmt.Errorf("iterate settings: %w", err)
	}
	rows.Close()

	for _, d := range settingDefaults {
		if _, ok := values[d.key]; ok {
			continue
		}
		raw, err := json.Marshal(d.value)
		if err != nil {
			return Settings{}, fmt.Errorf("encode default %s: %w", d.key, err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO community_settings (community_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (community_id, key) DO NOTHING
		`, communityID, d.key, raw); err != nil {
			return Settings{}, fmt.Errorf("backfill setting %s: %w", d.key, err)
		}
		values[d.key] = raw
	}

	return decodeSettings(communityID, values)
}

// PutSettings upserts the given keys.
func (s *PostgresStore) PutSettings(ctx context.Context, communityID string, values map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	for _, d := range settingDefaults {
		value, ok := values[d.key]
		if !ok {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode setting %s: %w", d.key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO community_settings (community_id, key, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (community_id, key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()
		`, communityID, d.key, raw); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put setting %s: %w", d.key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// SetLastScan records when a community's reconciliation pass started.
func (s *PostgresStore) SetLastScan(ctx context.Context, communityID string, at time.Time) error {
	return s.PutSettings(ctx, communityID, map[string]any{KeyLastScanAt: at.UTC().Format(time.RFC3339)})
}

func decodeSettings(communityID string, values map[string]json.RawMessage) (Settings, error) {
	out := Settings{CommunityID: communityID}
	var lastScan string
	targets := map[string]any{
		KeyTrackedChannelIDs:    &out.TrackedChannelIDs,
		KeyModAlertChannelID:    &out.ModAlertChannelID,
		KeyModRoleIDs:           &out.ModRoleIDs,
		KeyCheckIntervalMinutes: &out.CheckIntervalMinutes,
		KeyHistoryScanLimit:     &out.HistoryScanLimit,
		KeyMaxDiffChars:         &out.MaxDiffChars,
		KeyMaxChangedWords:      &out.MaxChangedWords,
		KeyMaxSectionsToPost:    &out.MaxSectionsToPost,
		KeyMaxConcurrentChecks:  &out.MaxConcurrentChecks,
		KeyPerSheetDelaySeconds: &out.PerSheetDelaySeconds,
		KeyLastScanAt:           &lastScan,
	}
	for key, target := range targets {
		raw, ok := values[key]
		if !ok || len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return Settings{}, fmt.Errorf("decode setting %s: %w", key, err)
		}
	}
	if lastScan != "" {
		at, err := time.Parse(time.RFC3339, lastScan)
		if err != nil {
			return Settings{}, fmt.Errorf("decode setting %s: %w", KeyLastScanAt, err)
		}
		out.LastScanAt = &at
	}
	if out.TrackedChannelIDs == nil {
		out.TrackedChannelIDs = []string{}
	}
	if out.ModRoleIDs == nil {
		out.ModRoleIDs = []string{}
	}
	return out, nil
}
