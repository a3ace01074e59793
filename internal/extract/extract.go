// Package extract turns raw email messages into candidate report payloads.
// Recognition is done by content sniffing, never by file extension, because
// real-world reporters routinely mislabel their attachments.
package extract

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

// Kind classifies a candidate payload for the parser router.
type Kind int

const (
	// KindAggregateXML is a (decompressed) aggregate report XML document.
	KindAggregateXML Kind = iota
	// KindForensicEmail is a complete feedback-report email, headers included.
	KindForensicEmail
)

// Payload is one candidate report found inside a message.
type Payload struct {
	Kind     Kind
	Filename string
	Data     []byte
}

// Extractor finds report payloads in raw messages and standalone files.
type Extractor struct {
	logger *zap.Logger

	// msgConvert is the external legacy-container converter. Empty disables
	// compound-document support; such attachments are then skipped, not fatal.
	msgConvert string
}

// New creates an extractor. msgConvertPath may be empty.
func New(logger *zap.Logger, msgConvertPath string) *Extractor {
	return &Extractor{
		logger:     logger,
		msgConvert: msgConvertPath,
	}
}

// ExtractMessage yields every report payload found in one raw RFC 5322
// message. A message with no recognized payloads returns an empty slice and
// no error; only unreadable input is an error.
func (e *Extractor) ExtractMessage(raw []byte) ([]Payload, error) {
	// A feedback report may be the message itself rather than an attachment.
	if isFeedbackReportMessage(raw) {
		return []Payload{{Kind: KindForensicEmail, Data: raw}}, nil
	}

	payloads, err := e.walkParts(raw)
	if err != nil {
		// Not MIME at all: treat the whole body as a single candidate.
		return e.ExtractData(raw, ""), nil
	}
	return payloads, nil
}

// ExtractData sniffs a standalone byte sequence (an attachment body, an
// uploaded file, a file on disk) and yields the payloads it contains.
// Unrecognized data yields nothing.
func (e *Extractor) ExtractData(data []byte, filename string) []Payload {
	switch {
	case isGzip(data):
		inner, err := gunzip(data)
		if err != nil {
			e.logger.Debug("Failed to decompress gzip attachment",
				zap.String("filename", filename),
				zap.Error(err),
			)
			return nil
		}
		return e.ExtractData(inner, filename)

	case isZip(data):
		return e.extractZip(data, filename)

	case looksLikeXML(data):
		return []Payload{{Kind: KindAggregateXML, Filename: filename, Data: data}}

	case isCompoundDocument(data):
		return e.convertCompoundDocument(data, filename)

	case isFeedbackReportMessage(data):
		return []Payload{{Kind: KindForensicEmail, Filename: filename, Data: data}}
	}

	return nil
}

// walkParts iterates the MIME structure of a message and sniffs each part.
func (e *Extractor) walkParts(raw []byte) ([]Payload, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open message: %w", err)
	}

	var payloads []Payload
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		// Unknown charsets and encodings still yield a readable part.
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return payloads, fmt.Errorf("failed to read message part: %w", err)
		}
		if part == nil {
			break
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			e.logger.Debug("Failed to read message part body", zap.Error(err))
			continue
		}

		var filename string
		switch h := part.Header.(type) {
		case *gomail.AttachmentHeader:
			filename, _ = h.Filename()
		case *gomail.InlineHeader:
			// An inline message/rfc822 part can itself be a feedback report.
			if ct, _, err := h.ContentType(); err == nil && ct == "message/rfc822" {
				if isFeedbackReportMessage(body) {
					payloads = append(payloads, Payload{Kind: KindForensicEmail, Data: body})
					continue
				}
			}
		}

		payloads = append(payloads, e.ExtractData(body, filename)...)
	}

	return payloads, nil
}

// extractZip yields every XML document found inside a zip archive.
func (e *Extractor) extractZip(data []byte, filename string) []Payload {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.logger.Debug("Failed to open zip attachment",
			zap.String("filename", filename),
			zap.Error(err),
		)
		return nil
	}

	var payloads []Payload
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			e.logger.Debug("Failed to open zip entry",
				zap.String("entry", f.Name),
				zap.Error(err),
			)
			continue
		}
		entry, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		if looksLikeXML(entry) {
			payloads = append(payloads, Payload{
				Kind:     KindAggregateXML,
				Filename: f.Name,
				Data:     entry,
			})
		}
	}
	return payloads
}

func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func isZip(data []byte) bool {
	return len(data) >= 4 && string(data[:4]) == "PK\x03\x04"
}

// isCompoundDocument detects the OLE compound-file magic used by legacy
// Outlook .msg containers.
func isCompoundDocument(data []byte) bool {
	magic := []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}
	return len(data) >= 8 && bytes.Equal(data[:8], magic)
}

// looksLikeXML reports whether the data starts with an XML declaration or an
// aggregate report root element, after skipping whitespace and a UTF-8 BOM.
// Requiring a report-shaped prefix keeps ordinary markup bodies, HTML above
// all, from becoming aggregate candidates.
func looksLikeXML(data []byte) bool {
	data = bytes.TrimPrefix(data, []byte{0xef, 0xbb, 0xbf})
	data = bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(data, []byte("<?xml")) || bytes.HasPrefix(data, []byte("<feedback"))
}

// isFeedbackReportMessage reports whether raw bytes are an email whose body
// is a feedback report, recognized from headers rather than attachments.
func isFeedbackReportMessage(raw []byte) bool {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return false
	}

	ct := msg.Header.Get("Content-Type")
	if ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		if err == nil && mediaType == "multipart/report" &&
			strings.EqualFold(params["report-type"], "feedback-report") {
			return true
		}
	}

	// Some reporters send the feedback block as a bare text body.
	body, err := io.ReadAll(io.LimitReader(msg.Body, 64*1024))
	if err != nil {
		return false
	}
	return bytes.Contains(body, []byte("Feedback-Type:"))
}
