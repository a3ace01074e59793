package parser

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"dmarcwatch/internal/report"
	"dmarcwatch/internal/utils"
)

// ParseForensic parses one forensic (ruf) report email into the canonical
// form. The input is a complete ARF message; nonconforming reports that carry
// the feedback fields in a plain text body are accepted too. A missing
// Arrival-Date stays at the zero time rather than being invented.
func (p *Parser) ParseForensic(data []byte) (*report.ForensicReport, error) {
	fr := &report.ForensicReport{
		ExtraFields: make(map[string]string),
		Sample:      report.Sample{Headers: make(map[string]string)},
	}

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		// Not a parseable message; accept a bare feedback-report body.
		if !bytes.Contains(data, []byte("Feedback-Type:")) {
			return nil, fmt.Errorf("parsing forensic email: %w", err)
		}
		p.parseFeedbackFields(fr, data)
		return p.finalizeForensic(fr)
	}

	fr.Subject = msg.Header.Get("Subject")
	fr.MessageID = msg.Header.Get("Message-Id")

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		// Nonconforming reporters put the feedback fields straight into
		// the message body.
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("reading forensic body: %w", readErr)
		}
		if !bytes.Contains(body, []byte("Feedback-Type:")) {
			return nil, errors.New("no feedback report in message")
		}
		p.parseFeedbackFields(fr, body)
		return p.finalizeForensic(fr)
	}

	sawFeedback := false
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading forensic part: %w", err)
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		partData, err := decodePartBody(part)
		if err != nil {
			continue
		}

		switch partType {
		case "message/feedback-report":
			p.parseFeedbackFields(fr, partData)
			sawFeedback = true
		case "message/rfc822":
			p.parseSample(fr, partData, false)
		case "text/rfc822-headers":
			p.parseSample(fr, partData, true)
		}
	}

	if !sawFeedback {
		return nil, errors.New("no feedback report in message")
	}
	return p.finalizeForensic(fr)
}

// decodePartBody reads a MIME part and undoes its transfer encoding.
func decodePartBody(part *multipart.Part) ([]byte, error) {
	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(part.Header.Get("Content-Transfer-Encoding")) {
	case "base64":
		decoded, err := utils.DecodeBase64(string(raw))
		if err != nil {
			return raw, nil
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw, nil
		}
		return decoded, nil
	default:
		return raw, nil
	}
}

// parseFeedbackFields scans the message/feedback-report fields, handling
// folded continuation lines.
func (p *Parser) parseFeedbackFields(fr *report.ForensicReport, data []byte) {
	var key, value string

	apply := func() {
		if key == "" {
			return
		}
		p.applyFeedbackField(fr, key, strings.TrimSpace(value))
		key, value = "", ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		apply()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(parts[0]))
		value = parts[1]
	}
	apply()
}

func (p *Parser) applyFeedbackField(fr *report.ForensicReport, field, value string) {
	switch field {
	case "feedback-type":
		fr.FeedbackType = strings.ToLower(value)
	case "user-agent":
		fr.UserAgent = value
	case "version":
		fr.Version = value
	case "original-envelope-id":
		fr.OriginalEnvelopeID = value
	case "original-mail-from":
		fr.OriginalMailFrom = strings.ToLower(value)
	case "original-rcpt-to":
		fr.OriginalRcptTo = strings.ToLower(value)
	case "arrival-date", "received-date":
		if fr.ArrivalDate.IsZero() {
			fr.ArrivalDate = parseArrivalDate(value)
		}
	case "source-ip":
		fields := strings.Fields(value)
		if len(fields) > 0 {
			fr.Source = p.cache.SourceFor(fields[0])
		}
	case "authentication-results":
		fr.AuthenticationResults = value
	case "dkim-domain":
		fr.DKIMDomain = strings.ToLower(value)
	case "reported-domain":
		fr.ReportedDomain = strings.ToLower(value)
	case "delivery-result":
		fr.DeliveryResult = value
	case "auth-failure":
		for _, failure := range strings.Split(value, ",") {
			if failure = strings.TrimSpace(failure); failure != "" {
				fr.AuthFailure = append(fr.AuthFailure, strings.ToLower(failure))
			}
		}
	case "identity-alignment":
		if strings.ToLower(value) == "none" {
			return
		}
		for _, mech := range strings.Split(value, ",") {
			if mech = strings.TrimSpace(mech); mech != "" {
				fr.AuthenticationMechanisms = append(fr.AuthenticationMechanisms, strings.ToLower(mech))
			}
		}
	default:
		fr.ExtraFields[field] = value
	}
}

func parseArrivalDate(value string) time.Time {
	if t, err := mail.ParseDate(value); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// parseSample decomposes the embedded original message. headersOnly marks a
// text/rfc822-headers part, which by definition carries no body.
func (p *Parser) parseSample(fr *report.ForensicReport, data []byte, headersOnly bool) {
	sample := &fr.Sample
	sample.HeadersOnly = headersOnly

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		// Header-only parts often lack the blank separator line that
		// net/mail requires; append one and retry.
		msg, err = mail.ReadMessage(bytes.NewReader(append(bytes.TrimRight(data, "\r\n"), []byte("\r\n\r\n")...)))
		if err != nil {
			return
		}
		sample.HeadersOnly = true
	}

	for key, values := range msg.Header {
		sample.Headers[key] = strings.Join(values, ", ")
	}
	sample.Subject = msg.Header.Get("Subject")
	sample.Date = msg.Header.Get("Date")

	if from := msg.Header.Get("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			sample.From = addr.Address
		} else {
			sample.From = from
		}
	}
	if to := msg.Header.Get("To"); to != "" {
		if addrs, err := mail.ParseAddressList(to); err == nil {
			for _, addr := range addrs {
				sample.To = append(sample.To, addr.Address)
			}
		} else {
			sample.To = append(sample.To, to)
		}
	}

	if sample.HeadersOnly {
		return
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		sample.Body = string(body)
		return
	}
	p.walkSampleParts(sample, body, params["boundary"])
}

// walkSampleParts splits a multipart sample into its text body and attachment
// summaries. Attachment content is hashed, never stored.
func (p *Parser) walkSampleParts(sample *report.Sample, body []byte, boundary string) {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) || err != nil {
			break
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		filename := part.FileName()

		if filename == "" && strings.HasPrefix(partType, "text/") {
			content, err := decodePartBody(part)
			if err == nil && sample.Body == "" {
				sample.Body = string(content)
			}
			continue
		}

		raw, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		content := raw
		if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
			// Hash the raw bytes when decoding fails so the digest is
			// still stable.
			if decoded, err := utils.DecodeBase64(string(raw)); err == nil {
				content = decoded
			}
		}

		digest := sha256.Sum256(content)
		sample.Attachments = append(sample.Attachments, report.Attachment{
			Filename:    filename,
			ContentType: utils.DefaultString(partType, "application/octet-stream"),
			SHA256:      hex.EncodeToString(digest[:]),
			Size:        len(content),
		})
	}
}

// finalizeForensic applies field defaults and enforces the minimum a usable
// forensic report must carry.
func (p *Parser) finalizeForensic(fr *report.ForensicReport) (*report.ForensicReport, error) {
	fr.FeedbackType = utils.DefaultString(fr.FeedbackType, "auth-failure")
	fr.DeliveryResult = normalizeDeliveryResult(fr.DeliveryResult)
	if len(fr.AuthFailure) == 0 {
		fr.AuthFailure = []string{"dmarc"}
	}
	if fr.ReportedDomain == "" && fr.Sample.From != "" {
		if idx := strings.LastIndex(fr.Sample.From, "@"); idx != -1 {
			fr.ReportedDomain = strings.ToLower(fr.Sample.From[idx+1:])
		}
	}

	if fr.Source.IPAddress == "" {
		return nil, errors.New("feedback report missing Source-IP")
	}
	if fr.ArrivalDate.IsZero() && fr.ReportedDomain == "" {
		return nil, errors.New("feedback report missing both Arrival-Date and Reported-Domain")
	}
	return fr, nil
}

// normalizeDeliveryResult maps a reporter's delivery result onto the fixed
// vocabulary. Unknown values become "other".
func normalizeDeliveryResult(result string) string {
	lowered := strings.ToLower(result)
	for _, known := range []string{"delivered", "spam", "policy", "reject", "other"} {
		if strings.Contains(lowered, known) {
			return known
		}
	}
	return "other"
}
