// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/nattyright/grail-kun/internal/store"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Notify lists the moderators mailed when an incident opens.
	Notify []string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) from() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return nil
	}

	boundary := "boundary-sheetwatch"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.from())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type incidentData struct {
	IncidentID      string
	SheetID         string
	SheetURL        string
	OwnerID         string
	ChangedSections []string
}

// IncidentOpened mails the configured moderators about a new incident.
// Without recipients it does nothing.
func (s *Service) IncidentOpened(_ context.Context, sheet store.Sheet, inc store.Incident) error {
	if len(s.config.Notify) == 0 || !s.IsConfigured() {
		return nil
	}
	data := incidentData{
		IncidentID:      inc.ID,
		SheetID:         sheet.ID,
		SheetURL:        sheet.URL,
		OwnerID:         inc.OwnerID,
		ChangedSections: inc.ChangedSections,
	}
	var html bytes.Buffer
	if err := incidentTmpl.Execute(&html, data); err != nil {
		return fmt.Errorf("render incident template: %w", err)
	}
	text := fmt.Sprintf("Approved sheet %s changed.\nChanged sections: %s\nIncident: %s\n%s",
		sheet.ID, strings.Join(inc.ChangedSections, ", "), inc.ID, sheet.URL)
	subject := fmt.Sprintf("Approved sheet changed: %s", sheet.ID)
	return s.SendHTMLEmail(s.config.Notify, subject, text, html.String())
}

var incidentTmpl = template.Must(template.New("incident").Parse(incidentEmailTemplate))

const incidentEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Approved sheet changed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }
        .link { word-break: break-all; color: #0066cc; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Approved sheet changed</h1>
    </div>

    <p>The approved document <strong>{{.SheetID}}</strong> no longer matches its baseline and has been quarantined.</p>

    {{if .ChangedSections}}
    <p>Changed sections:</p>
    <ul>
        {{range .ChangedSections}}<li>{{.}}</li>{{end}}
    </ul>
    {{end}}

    <p class="link"><a href="{{.SheetURL}}">{{.SheetURL}}</a></p>

    <div class="footer">
        <p>Incident {{.IncidentID}}. Review it from the moderation channel.</p>
    </div>
</body>
</html>`
