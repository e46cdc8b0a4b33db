// backend/src/services/email_service.go
package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/username/kontoflow/backend/src/config"
	"github.com/username/kontoflow/backend/src/logger"
	"github.com/username/kontoflow/backend/src/models"
)

type EmailService interface {
	SendSyncFailureAlert(connection *models.BankConnection, reason string) error
}

func NewEmailService() EmailService {
	if config.Cfg == nil {
		slog.Error("Configuration (config.Cfg) is nil. Email service will default to mock.")
		return &MockEmailService{}
	}

	if config.Cfg.AlertRecipientEmail == "" {
		logger.L.Info("ALERT_EMAIL not configured, sync failure alerts are disabled.")
		return &MockEmailService{}
	}

	provider := strings.ToLower(config.Cfg.EmailServiceProvider)
	logger.L.Info("Initializing email service", "provider", provider)

	switch provider {
	case "mailgun":
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" || config.Cfg.SenderEmail == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, or SenderEmail missing). Falling back to MockEmailService.")
			return &MockEmailService{AlertRecipient: config.Cfg.AlertRecipientEmail}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunEmailService{
			mg:             mg,
			senderEmail:    config.Cfg.SenderEmail,
			senderName:     config.Cfg.SenderName,
			alertRecipient: config.Cfg.AlertRecipientEmail,
		}
	case "smtp":
		if config.Cfg.SMTPServer == "" || config.Cfg.SMTPUser == "" || config.Cfg.SMTPPassword == "" || config.Cfg.SenderEmail == "" {
			logger.L.Warn("SMTP configuration incomplete. Falling back to MockEmailService.")
			return &MockEmailService{AlertRecipient: config.Cfg.AlertRecipientEmail}
		}
		return &SMTPEmailService{
			SMTPServer:     config.Cfg.SMTPServer,
			SMTPPort:       config.Cfg.SMTPPort,
			SMTPUser:       config.Cfg.SMTPUser,
			SMTPPassword:   config.Cfg.SMTPPassword,
			SenderEmail:    config.Cfg.SenderEmail,
			AlertRecipient: config.Cfg.AlertRecipientEmail,
		}
	default:
		logger.L.Info("Defaulting to MockEmailService.")
		return &MockEmailService{AlertRecipient: config.Cfg.AlertRecipientEmail}
	}
}

func syncFailureSubject(connection *models.BankConnection) string {
	return fmt.Sprintf("Bank sync failed for connection %d (%s)", connection.ID, connection.ExternalAccountName)
}

func syncFailureBody(connection *models.BankConnection, reason string) string {
	body := fmt.Sprintf(`A bank synchronization run has failed and the connection is now in ERROR state.

Connection ID: %d
User ID:       %d
Provider:      %s
Bank:          %s
Account:       %s (%s)

Reason:
%s

The connection will be retried on the next scheduled run, or a user can trigger a manual sync. The failed window is re-fetched in full; duplicates are absorbed.`,
		connection.ID, connection.UserID, connection.Provider, connection.ASPSP,
		connection.ExternalAccountName, connection.ExternalAccountIBAN, reason)
	if link := connectionSettingsLink(connection); link != "" {
		body += "\n\nReview the connection: " + link
	}
	return body
}

func connectionSettingsLink(connection *models.BankConnection) string {
	if config.Cfg == nil || config.Cfg.FrontendBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/settings/bank-connections/%d", config.Cfg.FrontendBaseURL, connection.ID)
}

type SMTPEmailService struct {
	SMTPServer     string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string
	SenderEmail    string
	AlertRecipient string
}

func (s *SMTPEmailService) SendSyncFailureAlert(connection *models.BankConnection, reason string) error {
	from := s.SenderEmail
	to := []string{s.AlertRecipient}
	subject := syncFailureSubject(connection)
	body := syncFailureBody(connection, reason)

	header := make(map[string]string)
	header["From"] = from
	header["To"] = s.AlertRecipient
	header["Subject"] = subject
	header["MIME-version"] = "1.0"
	header["Content-Type"] = "text/plain; charset=\"UTF-8\""
	message := ""
	for k, v := range header {
		message += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	message += "\r\n" + body
	auth := smtp.PlainAuth("", s.SMTPUser, s.SMTPPassword, s.SMTPServer)
	addr := fmt.Sprintf("%s:%d", s.SMTPServer, s.SMTPPort)
	err := smtp.SendMail(addr, auth, from, to, []byte(message))
	if err != nil {
		logger.L.Error("Failed to send sync failure alert via SMTP", "error", err, "connectionID", connection.ID)
		return fmt.Errorf("failed to send sync failure alert via SMTP: %w", err)
	}
	logger.L.Info("Sync failure alert sent via SMTP", "to", s.AlertRecipient, "connectionID", connection.ID)
	return nil
}

type MailgunEmailService struct {
	mg             mailgun.Mailgun
	senderEmail    string
	senderName     string
	alertRecipient string
}

func (s *MailgunEmailService) SendSyncFailureAlert(connection *models.BankConnection, reason string) error {
	from := fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	subject := syncFailureSubject(connection)
	plainTextBody := syncFailureBody(connection, reason)

	reviewLink := ""
	if link := connectionSettingsLink(connection); link != "" {
		reviewLink = fmt.Sprintf(`<p><a href="%s">Review the connection</a></p>`, link)
	}
	htmlBody := fmt.Sprintf(`
	<html>
		<body style="font-family: Arial, sans-serif; line-height: 1.6;">
			<p>A bank synchronization run has failed and the connection is now in <strong>ERROR</strong> state.</p>
			<table cellpadding="4">
				<tr><td>Connection ID</td><td>%d</td></tr>
				<tr><td>User ID</td><td>%d</td></tr>
				<tr><td>Provider</td><td>%s</td></tr>
				<tr><td>Bank</td><td>%s</td></tr>
				<tr><td>Account</td><td>%s (%s)</td></tr>
			</table>
			<p><strong>Reason:</strong></p>
			<pre style="background-color: #f6f8fa; padding: 10px; border-radius: 4px;">%s</pre>
			<p>The connection will be retried on the next scheduled run, or a user can trigger a manual sync.</p>
			%s
		</body>
	</html>`, connection.ID, connection.UserID, connection.Provider, connection.ASPSP,
		connection.ExternalAccountName, connection.ExternalAccountIBAN, reason, reviewLink)

	message := s.mg.NewMessage(from, subject, plainTextBody, s.alertRecipient)
	message.SetHtml(htmlBody)
	message.AddTag("sync-failure")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	resp, id, err := s.mg.Send(ctx, message)
	if err != nil {
		logger.L.Error("Failed to send sync failure alert via Mailgun", "error", err, "connectionID", connection.ID, "mailgunResp", resp, "mailgunId", id)
		return fmt.Errorf("mailgun send failed for sync failure alert: %w. Response: %s", err, resp)
	}

	logger.L.Info("Sync failure alert sent via Mailgun", "to", s.alertRecipient, "connectionID", connection.ID, "id", id)
	return nil
}

type MockEmailService struct {
	AlertRecipient string
}

func (m *MockEmailService) SendSyncFailureAlert(connection *models.BankConnection, reason string) error {
	logger.L.Info("MockEmailService: Would send sync failure alert.",
		"to", m.AlertRecipient, "connectionID", connection.ID, "reason", reason)
	return nil
}
