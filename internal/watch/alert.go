package watch

import (
	"fmt"
	"strings"

	"github.com/nattyright/grail-kun/internal/store"
)

// Moderation actions offered on an alert.
const (
	ActionApprove   = "approve"
	ActionReject    = "reject"
	ActionDismiss   = "dismiss"
	ActionRecheck   = "recheck"
	ActionPostDiffs = "post_diffs"
)

const alertTitle = "Approved character sheet changed"

// Alert is the platform-neutral content of a moderation alert.
type Alert struct {
	IncidentID  string
	Title       string
	Description string
	Fields      []AlertField
	Controls    []Control
}

type AlertField struct {
	Name   string
	Value  string
	Inline bool
}

// Control is an interactive button bound to an incident.
type Control struct {
	Action   string
	Label    string
	Style    string
	Disabled bool
}

func mention(userID string) string {
	if userID == "" {
		return "(unknown user)"
	}
	return "<@" + userID + ">"
}

// RenderAlert builds the alert for an incident in its current state.
// Controls are attached only while the incident is actionable.
func RenderAlert(inc store.Incident, sheet store.Sheet) Alert {
	url := sheet.URL
	if url == "" {
		url = "(unknown)"
	}
	alert := Alert{
		IncidentID: inc.ID,
		Title:      alertTitle,
		Description: fmt.Sprintf("Owner: %s\nDoc: %s\nStatus: **%s**",
			mention(inc.OwnerID), url, strings.ToUpper(inc.Status)),
	}
	if len(inc.ChangedSections) > 0 {
		alert.Fields = append(alert.Fields, AlertField{
			Name:  "Changed sections",
			Value: strings.Join(inc.ChangedSections, ", "),
		})
	}
	if sheet.Quarantine != nil && sheet.Quarantine.IncidentID == inc.ID {
		alert.Fields = append(alert.Fields, AlertField{
			Name:   "Quarantine",
			Value:  fmt.Sprintf("Active: true\nRepeats: %d", sheet.Quarantine.Repeats),
			Inline: true,
		})
	}
	if inc.ResolvedAt != nil {
		alert.Fields = append(alert.Fields, AlertField{
			Name:   "Resolved at",
			Value:  fmt.Sprintf("<t:%d:f>", inc.ResolvedAt.Unix()),
			Inline: true,
		})
	}
	if inc.ResolvedBy != "" {
		by := mention(inc.ResolvedBy)
		if inc.ResolvedBy == store.SystemActor {
			by = "automatic"
		}
		alert.Fields = append(alert.Fields, AlertField{Name: "Resolved by", Value: by, Inline: true})
	}
	if inc.ResolutionNote != "" {
		alert.Fields = append(alert.Fields, AlertField{Name: "Note", Value: inc.ResolutionNote})
	}
	if inc.Actionable() {
		alert.Controls = []Control{
			{Action: ActionApprove, Label: "Approve", Style: "success"},
			{Action: ActionReject, Label: "Reject", Style: "danger", Disabled: inc.Status == store.IncidentRejected},
			{Action: ActionDismiss, Label: "Dismiss", Style: "secondary"},
			{Action: ActionRecheck, Label: "Recheck", Style: "primary"},
			{Action: ActionPostDiffs, Label: "Post diffs", Style: "secondary"},
		}
	}
	return alert
}
