// Package notification emails operators about failed feed runs.
package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net/smtp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"feedcatalog/internal/ingest"
	"feedcatalog/pkg/config"
)

type EmailService struct {
	cfg  config.Alert
	send func(to, htmlContent, subject string) error
}

func NewEmailService(cfg config.Alert) *EmailService {
	es := &EmailService{cfg: cfg}
	es.send = es.SendMail
	return es
}

var runFailedTemplate = template.Must(template.New("runFailedEmail").Parse(`
	<html>
	<body style="font-family: Arial, sans-serif; color: #333; line-height: 1.6;">
		<div style="max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #eee; border-radius: 10px;">
			<h2 style="color: #e91e63; margin-bottom: 20px;">Feed run failed: {{.Shop}}</h2>
			<p>The feed run <b>{{.RunID}}</b> for shop <b>{{.Shop}}</b> ended in failure after {{.Elapsed}}.</p>
			<div style="background-color: #f9f9f9; padding: 15px; border-radius: 5px; margin: 20px 0;">
				<p><b>Error:</b> {{.Error}}</p>
				<p><b>Started:</b> {{.StartedAt}}</p>
				<p><b>Items seen:</b> {{.Stats.ItemsSeen}}, <b>skipped:</b> {{.Stats.ItemsSkipped}}</p>
				<p><b>Products created:</b> {{.Stats.ProductsCreated}}, <b>updated:</b> {{.Stats.ProductsUpdated}}</p>
				{{- if .Reasons}}
				<ul>{{range .Reasons}}<li>{{.Reason}}: {{.Count}}</li>{{end}}</ul>
				{{- end}}
			</div>
			<p style="margin-top: 30px; font-size: 0.9em; color: #777;">
				Listings already stored for this shop were left as they were.
			</p>
		</div>
	</body>
	</html>`))

type skipCount struct {
	Reason string
	Count  int
}

// renderRunFailed builds the subject and HTML body for a failed run.
func renderRunFailed(ev ingest.RunEvent) (string, string, error) {
	reasons := make([]skipCount, 0, len(ev.Stats.SkipReasons))
	for r, n := range ev.Stats.SkipReasons {
		reasons = append(reasons, skipCount{Reason: r, Count: n})
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i].Reason < reasons[j].Reason })

	data := struct {
		ingest.RunEvent
		Elapsed string
		Reasons []skipCount
	}{
		RunEvent: ev,
		Elapsed:  (time.Duration(ev.ElapsedMs) * time.Millisecond).String(),
		Reasons:  reasons,
	}

	var buf bytes.Buffer
	if err := runFailedTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to execute email template: %w", err)
	}
	return fmt.Sprintf("Feed run failed for %s", ev.Shop), buf.String(), nil
}

// RunFailed mails the alert recipient. Without a recipient it does nothing.
func (es *EmailService) RunFailed(_ context.Context, ev ingest.RunEvent) error {
	if es.cfg.To == "" {
		logrus.WithField("run_id", ev.RunID).Debug("No alert recipient configured")
		return nil
	}

	subject, htmlContent, err := renderRunFailed(ev)
	if err != nil {
		logrus.WithError(err).Error("Failed to render run alert")
		return err
	}
	return es.send(es.cfg.To, htmlContent, subject)
}

func (es *EmailService) SendMail(toEmail string, htmlContent, subject string) error {
	logrus.WithFields(logrus.Fields{
		"to":      toEmail,
		"subject": subject,
	}).Info("Attempting to send email")

	senderMail := es.cfg.Sender
	smtpHost := es.cfg.SMTPHost

	headers := [][2]string{
		{"From", senderMail},
		{"To", toEmail},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=\"utf-8\""},
	}

	tlsConfig := &tls.Config{ServerName: smtpHost}
	auth := smtp.PlainAuth("", senderMail, es.cfg.Password, smtpHost)

	client, err := smtp.Dial(smtpHost + ":" + es.cfg.SMTPPort)
	if err != nil {
		logrus.WithError(err).Error("Error dialing SMTP server")
		return err
	}
	defer client.Close()

	if err = client.StartTLS(tlsConfig); err != nil {
		logrus.WithError(err).Error("Error starting TLS")
		return err
	}
	if err = client.Auth(auth); err != nil {
		logrus.WithError(err).Error("Error authenticating")
		return err
	}
	if err = client.Mail(senderMail); err != nil {
		logrus.WithError(err).Error("Error setting sender")
		return err
	}
	if err = client.Rcpt(toEmail); err != nil {
		logrus.WithError(err).Error("Error setting recipient")
		return err
	}

	w, err := client.Data()
	if err != nil {
		logrus.WithError(err).Error("Error creating data writer")
		return err
	}

	var msg bytes.Buffer
	for _, h := range headers {
		msg.WriteString(fmt.Sprintf("%s: %s\r\n", h[0], h[1]))
	}
	msg.WriteString("\r\n")
	msg.WriteString(htmlContent)

	if _, err = w.Write(msg.Bytes()); err != nil {
		logrus.WithError(err).Error("Error writing email content")
		return err
	}
	if err = w.Close(); err != nil {
		logrus.WithError(err).Error("Error closing data writer")
		return err
	}

	logrus.WithField("to", toEmail).Info("Email sent successfully")
	return client.Quit()
}
