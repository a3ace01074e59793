package parser

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"dmarcwatch/internal/enrich"
	"dmarcwatch/internal/extract"
)

type fakeResolver struct {
	answers map[string]string
}

func (r *fakeResolver) ReverseLookup(ip string) (string, error) {
	if host, ok := r.answers[ip]; ok {
		return host, nil
	}
	return "", errors.New("no PTR records found")
}

type fakeGeo struct {
	countries map[string]string
}

func (g *fakeGeo) Country(ip string) (string, error) {
	if c, ok := g.countries[ip]; ok {
		return c, nil
	}
	return "", errors.New("not in database")
}

func testParser(t *testing.T) *Parser {
	t.Helper()
	logger := zaptest.NewLogger(t)
	resolver := &fakeResolver{answers: map[string]string{
		"192.0.2.1": "mail.solarmora.com.",
	}}
	geo := &fakeGeo{countries: map[string]string{
		"192.0.2.1": "United States",
	}}
	cache := enrich.NewCache(resolver, geo, logger)
	return New(cache, extract.New(logger, ""), logger)
}

func TestParseMessageCollectsFailures(t *testing.T) {
	p := testParser(t)

	raw := []byte("From: a@example.com\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"nothing to see here\r\n")

	outcome := p.ParseMessage("msg-1", raw, "imap")
	if !outcome.Empty() {
		t.Fatalf("plain message outcome = %+v, want empty", outcome)
	}
}

// TestParseMessageHTMLBodyDoesNotPoisonOutcome parses a common real-world
// message shape: an HTML cover body next to a valid compressed report
// attachment. The body must not surface as a failure on the outcome.
func TestParseMessageHTMLBodyDoesNotPoisonOutcome(t *testing.T) {
	p := testParser(t)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(aggregateReportXML)); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	raw := []byte(strings.Join([]string{
		"From: noreply-dmarc@solarmora.com",
		"To: dmarc@example.com",
		"Subject: Report Domain: example.com",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="mix"`,
		"",
		"--mix",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>The report is attached.</p></body></html>",
		"--mix",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="report.xml.gz"`,
		"Content-Transfer-Encoding: base64",
		"",
		encoded,
		"--mix--",
		"",
	}, "\r\n"))

	outcome := p.ParseMessage("msg-7", raw, "imap")
	if outcome.Failure != nil {
		t.Fatalf("outcome failure = %+v, want none", outcome.Failure)
	}
	if len(outcome.Aggregates) != 1 {
		t.Fatalf("got %d aggregate reports, want 1", len(outcome.Aggregates))
	}
	if !outcome.Parsed() {
		t.Error("outcome should count as parsed")
	}
}

func TestParseDataRejectsGarbage(t *testing.T) {
	p := testParser(t)

	if _, err := p.ParseData([]byte("not a report at all"), "junk.bin", "file"); err == nil {
		t.Fatal("ParseData accepted unrecognizable data")
	}
}

func TestParseDataAcceptsRawXML(t *testing.T) {
	p := testParser(t)

	outcome, err := p.ParseData([]byte(aggregateReportXML), "report.xml", "file")
	if err != nil {
		t.Fatalf("ParseData: %v", err)
	}
	if len(outcome.Aggregates) != 1 {
		t.Fatalf("got %d aggregate reports, want 1", len(outcome.Aggregates))
	}
}
