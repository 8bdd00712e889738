// Package notify emails volunteers when an assignment is proposed to them.
package notify

import (
	"bytes"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"text/template"

	"reliefhub/api/internal/stats"
	"reliefhub/api/internal/store"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL prefixes links in messages, e.g. https://relief.example.org
	BaseURL string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends plain-text SMTP notifications.
type Mailer struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
}

func NewMailer(config Config) *Mailer {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Mailer{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport.
func (m *Mailer) WithSender(send SendFunc) *Mailer {
	m.send = send
	return m
}

// IsConfigured returns true if email is configured
func (m *Mailer) IsConfigured() bool {
	return m.config.Host != "" && m.config.Port != "" && m.config.From != ""
}

// Send sends a plain text email
func (m *Mailer) Send(to []string, subject, body string) error {
	if !m.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := m.config.From
	if m.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.config.FromName, m.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		strings.ReplaceAll(body, "\n", "\r\n"),
	))

	return m.send(m.server, m.auth, m.config.From, to, msg)
}

// Observe sends the proposal email for committed proposals. Delivery runs on
// its own goroutine and failures are only logged.
func (m *Mailer) Observe(delta stats.Delta) {
	if delta.Kind != stats.KindAssignmentProposed || !m.IsConfigured() {
		return
	}
	if delta.Request == nil || delta.Request.After == nil || len(delta.Volunteers) == 0 || delta.Volunteers[0].After == nil || delta.Assignment == nil || delta.Assignment.After == nil {
		return
	}
	volunteer := *delta.Volunteers[0].After
	if volunteer.Email == "" {
		return
	}
	request := *delta.Request.After
	assignment := *delta.Assignment.After

	go func() {
		if err := m.SendProposal(volunteer, request, assignment); err != nil {
			log.Printf("notify: proposal %s to %s: %v", assignment.ID, volunteer.ID, err)
		}
	}()
}

type proposalData struct {
	Volunteer  store.Volunteer
	Request    store.Request
	Assignment store.Assignment
	BaseURL    string
}

// SendProposal tells the volunteer about a request proposed to them.
func (m *Mailer) SendProposal(volunteer store.Volunteer, request store.Request, assignment store.Assignment) error {
	body, err := renderTemplate(proposalTemplate, proposalData{
		Volunteer:  volunteer,
		Request:    request,
		Assignment: assignment,
		BaseURL:    strings.TrimRight(m.config.BaseURL, "/"),
	})
	if err != nil {
		return fmt.Errorf("render proposal template: %w", err)
	}
	subject := fmt.Sprintf("[%s] %s request near %s", strings.ToUpper(request.Urgency.String()), request.Category, request.LocationText)
	return m.Send([]string{volunteer.Email}, subject, body)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const proposalTemplate = `Hi {{.Volunteer.Name}},

You have been proposed for a {{.Request.Urgency}} {{.Request.Category}} request.

Location: {{.Request.LocationText}}{{if .Request.Region}} ({{.Request.Region}}){{end}}
People affected: {{.Request.PeopleAffected}}
{{- if .Request.Description}}
Details: {{.Request.Description}}
{{- end}}
{{- if .Request.Phone}}
Contact: {{.Request.RequesterName}} {{.Request.Phone}}
{{- end}}

Please accept or decline so the request is not left waiting.
{{- if .BaseURL}}
Accept:  {{.BaseURL}}/api/assignments/{{.Assignment.ID}}/accept
Decline: {{.BaseURL}}/api/assignments/{{.Assignment.ID}}/decline
{{- else}}
Assignment: {{.Assignment.ID}}
{{- end}}
`
