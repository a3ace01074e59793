// Package smtp emails normalized reports as JSON attachments.
package smtp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmarcwatch/internal/config"
	"dmarcwatch/internal/report"
)

// Client implements report.Sink by mailing each report to the configured
// recipients.
type Client struct {
	config config.SMTPConfig
	logger *zap.Logger
}

// New creates an SMTP client.
func New(cfg config.SMTPConfig, logger *zap.Logger) *Client {
	return &Client{config: cfg, logger: logger}
}

// StoreAggregateReport mails one aggregate report.
func (c *Client) StoreAggregateReport(agg *report.AggregateReport) error {
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	subject := c.config.Subject
	if subject == "" {
		subject = fmt.Sprintf("DMARC Aggregate Report - %s", agg.PolicyPublished.Domain)
	}
	body := fmt.Sprintf("DMARC aggregate report for domain %s\n\nReport ID: %s\nOrganization: %s\nDate range: %s to %s\n\nReport data attached as JSON.",
		agg.PolicyPublished.Domain,
		agg.ReportMetadata.ReportID,
		agg.ReportMetadata.OrgName,
		agg.ReportMetadata.BeginDate.Format("2006-01-02"),
		agg.ReportMetadata.EndDate.Format("2006-01-02"),
	)

	return c.sendEmail(subject, body, data, "dmarc-aggregate.json")
}

// StoreForensicReport mails one forensic report.
func (c *Client) StoreForensicReport(fr *report.ForensicReport) error {
	data, err := json.MarshalIndent(fr, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	subject := c.config.Subject
	if subject == "" {
		subject = fmt.Sprintf("DMARC Forensic Report - %s", fr.ReportedDomain)
	}
	body := fmt.Sprintf("DMARC forensic report for domain %s\n\nSource IP: %s\nDelivery result: %s\nAuth failure: %s\n\nReport data attached as JSON.",
		fr.ReportedDomain,
		fr.Source.IPAddress,
		fr.DeliveryResult,
		strings.Join(fr.AuthFailure, ", "),
	)

	return c.sendEmail(subject, body, data, "dmarc-forensic.json")
}

// Close is a no-op; connections are per message.
func (c *Client) Close() error { return nil }

func (c *Client) sendEmail(subject, body string, attachment []byte, filename string) error {
	if len(c.config.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	msg := buildMessage(c.config.From, c.config.To, subject, body, attachment, filename, time.Now())

	var auth smtp.Auth
	if c.config.Username != "" && c.config.Password != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)

	c.logger.Debug("Sending email via SMTP",
		zap.String("host", c.config.Host),
		zap.Strings("to", c.config.To),
		zap.String("subject", subject),
	)
	return smtp.SendMail(addr, auth, c.config.From, c.config.To, msg)
}

// buildMessage assembles a multipart/mixed message with a text body and one
// base64 JSON attachment.
func buildMessage(from string, to []string, subject, body string, attachment []byte, filename string, now time.Time) []byte {
	var msg bytes.Buffer
	boundary := fmt.Sprintf("boundary-%d", now.Unix())

	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(to, ", ")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%s\r\n", boundary))
	msg.WriteString("\r\n")

	msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n\r\n")

	if len(attachment) > 0 && filename != "" {
		msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		msg.WriteString("Content-Type: application/json\r\n")
		msg.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=%s\r\n", filename))
		msg.WriteString("Content-Transfer-Encoding: base64\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(wrapBase64(attachment))
	}

	msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return msg.Bytes()
}

// wrapBase64 encodes data with RFC 2045 line folding.
func wrapBase64(data []byte) string {
	const lineLength = 76
	encoded := base64.StdEncoding.EncodeToString(data)

	var b strings.Builder
	for len(encoded) > lineLength {
		b.WriteString(encoded[:lineLength])
		b.WriteString("\r\n")
		encoded = encoded[lineLength:]
	}
	if len(encoded) > 0 {
		b.WriteString(encoded)
		b.WriteString("\r\n")
	}
	return b.String()
}
