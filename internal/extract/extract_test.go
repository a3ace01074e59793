package extract

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const sampleAggregateXML = `<?xml version="1.0" encoding="UTF-8"?>
<feedback>
  <report_metadata>
    <org_name>example.org</org_name>
    <report_id>42</report_id>
  </report_metadata>
</feedback>`

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// messageWithAttachment builds a multipart/mixed message carrying one
// base64-encoded attachment with a deliberately generic content type.
func messageWithAttachment(filename string, attachment []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(attachment)
	return []byte(strings.Join([]string{
		"From: noreply@example.org",
		"To: dmarc@example.com",
		"Subject: Report Domain: example.com Submitter: example.org",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"This is an aggregate report.",
		"--b1",
		"Content-Type: application/octet-stream",
		fmt.Sprintf(`Content-Disposition: attachment; filename="%s"`, filename),
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
		"--b1--",
		"",
	}, "\r\n"))
}

func TestExtractMessagePlainXMLAttachment(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	raw := messageWithAttachment("report.bin", []byte(sampleAggregateXML))
	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}

	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(payloads))
	}
	if payloads[0].Kind != KindAggregateXML {
		t.Errorf("payload kind = %v, want KindAggregateXML", payloads[0].Kind)
	}
	if !strings.Contains(string(payloads[0].Data), "<feedback>") {
		t.Errorf("payload data does not contain report XML")
	}
}

func TestExtractMessageGzipAttachment(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	// Mislabeled filename on purpose: sniffing must not care.
	raw := messageWithAttachment("report.xml", gzipBytes(t, []byte(sampleAggregateXML)))
	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}

	if len(payloads) != 1 || payloads[0].Kind != KindAggregateXML {
		t.Fatalf("payloads = %+v, want one aggregate payload", payloads)
	}
	if !strings.Contains(string(payloads[0].Data), "example.org") {
		t.Errorf("gzip payload not decompressed")
	}
}

func TestExtractMessageZipAttachment(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	archive := zipBytes(t, map[string][]byte{
		"example.org!example.com!1!2.xml": []byte(sampleAggregateXML),
		"readme.txt":                      []byte("not a report"),
	})
	raw := messageWithAttachment("report.zip", archive)

	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}
	if len(payloads) != 1 || payloads[0].Kind != KindAggregateXML {
		t.Fatalf("payloads = %+v, want one aggregate payload", payloads)
	}
}

func TestExtractMessageForensicBody(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	raw := []byte(strings.Join([]string{
		"From: postmaster@example.org",
		"To: ruf@example.com",
		"Subject: DMARC failure report",
		"MIME-Version: 1.0",
		`Content-Type: multipart/report; report-type=feedback-report; boundary="fr"`,
		"",
		"--fr",
		"Content-Type: message/feedback-report",
		"",
		"Feedback-Type: auth-failure",
		"Source-IP: 203.0.113.5",
		"",
		"--fr--",
		"",
	}, "\r\n"))

	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}
	if len(payloads) != 1 || payloads[0].Kind != KindForensicEmail {
		t.Fatalf("payloads = %+v, want one forensic payload", payloads)
	}
	if !bytes.Equal(payloads[0].Data, raw) {
		t.Errorf("forensic payload should be the whole message")
	}
}

func TestExtractMessageHTMLBodyIgnored(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	encoded := base64.StdEncoding.EncodeToString(gzipBytes(t, []byte(sampleAggregateXML)))
	raw := []byte(strings.Join([]string{
		"From: noreply@example.org",
		"To: dmarc@example.com",
		"Subject: Report Domain: example.com Submitter: example.org",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Your aggregate report is attached.</p></body></html>",
		"--b1",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="report.xml.gz"`,
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
		"--b1--",
		"",
	}, "\r\n"))

	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}
	// The HTML body must not become an aggregate candidate; only the real
	// attachment may.
	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(payloads))
	}
	if payloads[0].Kind != KindAggregateXML {
		t.Errorf("payload kind = %v, want KindAggregateXML", payloads[0].Kind)
	}
	if !strings.Contains(string(payloads[0].Data), "<feedback>") {
		t.Errorf("payload is not the decompressed report")
	}
}

func TestLooksLikeXML(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"xml declaration", `<?xml version="1.0"?><feedback/>`, true},
		{"bare feedback root", "<feedback><record/></feedback>", true},
		{"leading whitespace", "\r\n  <?xml version=\"1.0\"?>", true},
		{"html document", "<html><body>hi</body></html>", false},
		{"html doctype", "<!DOCTYPE html><html></html>", false},
		{"other xml root", "<note><to>you</to></note>", false},
		{"plain text", "no markup at all", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeXML([]byte(tt.data)); got != tt.want {
				t.Errorf("looksLikeXML(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestExtractMessageNoPayloads(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	raw := []byte(strings.Join([]string{
		"From: someone@example.org",
		"To: dmarc@example.com",
		"Subject: lunch?",
		"",
		"No reports here.",
		"",
	}, "\r\n"))

	payloads, err := e.ExtractMessage(raw)
	if err != nil {
		t.Fatalf("ExtractMessage error = %v", err)
	}
	if len(payloads) != 0 {
		t.Errorf("got %d payloads from plain message, want 0", len(payloads))
	}
}

func TestExtractDataStandaloneFiles(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	tests := []struct {
		name string
		data []byte
		want int
		kind Kind
	}{
		{"plain xml", []byte(sampleAggregateXML), 1, KindAggregateXML},
		{"gzip xml", gzipBytes(t, []byte(sampleAggregateXML)), 1, KindAggregateXML},
		{"bom prefixed xml", append([]byte{0xef, 0xbb, 0xbf}, sampleAggregateXML...), 1, KindAggregateXML},
		{"garbage", []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, 0, 0},
		{"truncated gzip", []byte{0x1f, 0x8b, 0x00}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloads := e.ExtractData(tt.data, "file")
			if len(payloads) != tt.want {
				t.Fatalf("got %d payloads, want %d", len(payloads), tt.want)
			}
			if tt.want > 0 && payloads[0].Kind != tt.kind {
				t.Errorf("kind = %v, want %v", payloads[0].Kind, tt.kind)
			}
		})
	}
}

func TestExtractDataCompoundDocumentWithoutConverter(t *testing.T) {
	e := New(zaptest.NewLogger(t), "")

	oleHeader := []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1, 0x00, 0x00}
	if payloads := e.ExtractData(oleHeader, "report.msg"); len(payloads) != 0 {
		t.Errorf("compound document without converter should be skipped, got %d payloads", len(payloads))
	}
}
