package store

import "time"

// Sheet statuses.
const (
	SheetStatusOK          = "ok"
	SheetStatusQuarantined = "quarantined"
	SheetStatusError       = "error"
)

// Incident statuses. Open and rejected incidents still accept moderation.
const (
	IncidentOpen      = "open"
	IncidentApproved  = "approved"
	IncidentRejected  = "rejected"
	IncidentDismissed = "dismissed"
	IncidentReverted  = "reverted"
)

// Audit kinds.
const (
	AuditBaselineApproved     = "approved"
	AuditBaselineAutoApproved = "baseline_auto_approved"
	AuditApprovedUpdate       = "approved_update"
	AuditIncidentOpened       = "incident_opened"
	AuditIncidentRejected     = "incident_rejected"
	AuditIncidentDismissed    = "incident_dismissed"
	AuditIncidentReverted     = "incident_reverted"
	AuditError                = "error"
)

// SystemActor is recorded as approver or resolver when no human acted.
const SystemActor = "0"

type SnapshotSection struct {
	Title string `json:"title"`
	Hash  string `json:"hash"`
	Text  string `json:"text"`
}

// Snapshot is a point-in-time capture of a document. At and By are set when
// the snapshot is stored as an approved baseline or as the latest check.
type Snapshot struct {
	At         time.Time                  `json:"at"`
	By         string                     `json:"by,omitempty"`
	Format     string                     `json:"format"`
	Sections   map[string]SnapshotSection `json:"sections"`
	GlobalHash string                     `json:"global_hash"`
}

// SectionHashes returns key -> content hash.
func (s Snapshot) SectionHashes() map[string]string {
	out := make(map[string]string, len(s.Sections))
	for key, section := range s.Sections {
		out[key] = section.Hash
	}
	return out
}

type Quarantine struct {
	IncidentID         string
	Since              time.Time
	LastSeenGlobalHash string
	LastCheckedAt      time.Time
	Repeats            int
}

type SheetError struct {
	Message string
	At      time.Time
}

// SourceRef points at the chat message a sheet was discovered in.
type SourceRef struct {
	ChannelID string
	MessageID string
}

type Sheet struct {
	ID          string
	CommunityID string
	OwnerID     string
	URL         string
	Source      SourceRef
	Approved    *Snapshot
	Latest      *Snapshot
	Status      string
	Quarantine  *Quarantine
	LastError   *SheetError
	IsUsed      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s Sheet) IsQuarantined() bool {
	return s.Status == SheetStatusQuarantined
}

// AlertRef locates the moderation alert posted for an incident.
type AlertRef struct {
	ChannelID string
	MessageID string
}

// IncidentContent is the refreshable part of an incident.
type IncidentContent struct {
	ChangedKeys     []string
	ChangedSections []string
	Diffs           map[string]string
	FromHashes      map[string]string
	ToHashes        map[string]string
}

type Incident struct {
	ID          string
	CommunityID string
	SheetID     string
	OwnerID     string
	Status      string
	IncidentContent
	Alert          *AlertRef
	OpenedAt       time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
	ResolutionNote string
}

// Actionable reports whether moderators may still act on the incident.
func (i Incident) Actionable() bool {
	return i.Status == IncidentOpen || i.Status == IncidentRejected
}

type AuditEntry struct {
	ID          int64
	CommunityID string
	SheetID     string
	OwnerID     string
	Kind        string
	Details     map[string]any
	At          time.Time
}

// IncidentID returns the incident referenced by the entry details, if any.
func (a AuditEntry) IncidentID() string {
	if v, ok := a.Details["incident_id"].(string); ok {
		return v
	}
	return ""
}
