package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends notifications as HTML mail over SMTP.
type Email struct {
	cfg    config.EmailConfig
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewEmail(cfg config.EmailConfig) *Email {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &Email{
		cfg:    cfg,
		server: cfg.Host + ":" + cfg.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if a server, a sender and at least one recipient are set.
func (e *Email) IsConfigured() bool {
	return e.cfg.Host != "" && e.cfg.Port != "" && e.cfg.From != "" && len(e.cfg.To) > 0
}

func (e *Email) Notify(ctx context.Context, n Notification) error {
	if !e.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	subject, body, err := renderEmail(n)
	if err != nil {
		return err
	}
	msg := e.message(subject, body)
	done := make(chan error, 1)
	go func() { done <- e.send(e.server, e.auth, e.cfg.From, e.cfg.To, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Email) message(subject, htmlBody string) []byte {
	from := e.cfg.From
	if e.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.cfg.FromName, e.cfg.From)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	return msg.Bytes()
}

func renderEmail(n Notification) (string, string, error) {
	var subject string
	switch n.Kind {
	case KindApprovalRequested:
		subject = fmt.Sprintf("Approval requested: %s", n.StageName)
	case KindApprovalResolved:
		subject = fmt.Sprintf("%s: %s", decisionPhrase(n.Decision), n.StageName)
	case KindStageCompleted:
		subject = fmt.Sprintf("Stage completed: %s", n.StageName)
	default:
		return "", "", fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("render email: %w", err)
	}
	return subject, buf.String(), nil
}

// decisionPhrase turns a decision code into the wording shown to people.
func decisionPhrase(decision string) string {
	switch decision {
	case domain.DecisionApprove:
		return "Approved"
	case domain.DecisionReject:
		return "Rejected"
	case domain.DecisionRequestChanges:
		return "Changes requested"
	default:
		return "Answered (" + decision + ")"
	}
}

var emailTemplate = template.Must(template.New("email").Funcs(template.FuncMap{
	"decisionPhrase": decisionPhrase,
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: sans-serif; line-height: 1.6; color: #333; max-width: 600px;">
{{if eq .Kind "approvalRequested"}}
  <h2>Your approval is needed for "{{.StageName}}"</h2>
  {{if .Notes}}<p>{{.Notes}}</p>{{end}}
  <p><a href="{{.URL}}">Review and approve</a></p>
  <p style="word-break: break-all;">{{.URL}}</p>
{{else if eq .Kind "approvalResolved"}}
  <h2>"{{.StageName}}": {{decisionPhrase .Decision}}</h2>
  <p>By {{.ApproverName}}</p>
  {{if .Comment}}<blockquote>{{.Comment}}</blockquote>{{end}}
{{else}}
  <h2>"{{.StageName}}" is complete</h2>
  <p>Every checklist item of this stage is done.</p>
{{end}}
</body>
</html>`))
