// Package parser normalizes raw DMARC report payloads into the canonical
// record model. Parsing is stateless per message; each Parser owns a private
// enrichment cache and may therefore be used from only one goroutine.
package parser

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmarcwatch/internal/enrich"
	"dmarcwatch/internal/extract"
	"dmarcwatch/internal/metrics"
	"dmarcwatch/internal/report"
)

// Parser drives payload extraction and normalization for one worker.
type Parser struct {
	cache     *enrich.Cache
	extractor *extract.Extractor
	logger    *zap.Logger
	metrics   *metrics.ParserMetrics
}

// New creates a parser over a private enrichment cache.
func New(cache *enrich.Cache, extractor *extract.Extractor, logger *zap.Logger) *Parser {
	return &Parser{
		cache:     cache,
		extractor: extractor,
		logger:    logger,
		metrics:   metrics.NewParserMetrics(),
	}
}

// ParseMessage extracts and normalizes every report payload in one raw
// message, producing the message's terminal outcome. Malformed payloads are
// captured as a ParseFailure inside the outcome; ParseMessage itself never
// fails, so one poisoned message cannot block a batch.
func (p *Parser) ParseMessage(messageID string, raw []byte, source string) *report.Outcome {
	payloads, err := p.extractor.ExtractMessage(raw)
	if err != nil {
		return &report.Outcome{
			MessageID: messageID,
			Failure: &report.ParseFailure{
				MessageID: messageID,
				Reason:    fmt.Sprintf("extraction failed: %v", err),
			},
		}
	}
	return p.parsePayloads(messageID, payloads, source)
}

// ParseData normalizes a standalone payload (an uploaded or on-disk file
// rather than a mailbox message). Unlike ParseMessage it returns an error
// when nothing in the data could be parsed, so callers can answer uploads.
func (p *Parser) ParseData(data []byte, name, source string) (*report.Outcome, error) {
	payloads := p.extractor.ExtractData(data, name)

	var outcome *report.Outcome
	if len(payloads) > 0 {
		outcome = p.parsePayloads(name, payloads, source)
	} else {
		// The file may be a whole report-bearing email saved to disk.
		outcome = p.ParseMessage(name, data, source)
	}

	if outcome.Empty() {
		return nil, fmt.Errorf("no recognized report in %q", name)
	}
	if outcome.Failure != nil && !outcome.Parsed() {
		return nil, fmt.Errorf("unable to parse %q: %s", name, outcome.Failure.Reason)
	}
	return outcome, nil
}

func (p *Parser) parsePayloads(messageID string, payloads []extract.Payload, source string) *report.Outcome {
	outcome := &report.Outcome{MessageID: messageID}
	var reasons []string

	for _, payload := range payloads {
		start := time.Now()
		size := len(payload.Data)

		switch payload.Kind {
		case extract.KindAggregateXML:
			agg, err := p.ParseAggregate(payload.Data)
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("aggregate: %v", err))
				p.metrics.RecordParseFailure("aggregate", source, "parse_failed", time.Since(start).Seconds(), size)
				continue
			}
			outcome.Aggregates = append(outcome.Aggregates, agg)
			p.metrics.RecordParseSuccess("aggregate", source, time.Since(start).Seconds(), size)
			p.logger.Info("Parsed aggregate report",
				zap.String("org", agg.ReportMetadata.OrgName),
				zap.String("report_id", agg.ReportMetadata.ReportID),
				zap.Int("records", len(agg.Records)),
				zap.String("source", source),
			)

		case extract.KindForensicEmail:
			fr, err := p.ParseForensic(payload.Data)
			if err != nil {
				reasons = append(reasons, fmt.Sprintf("forensic: %v", err))
				p.metrics.RecordParseFailure("forensic", source, "parse_failed", time.Since(start).Seconds(), size)
				continue
			}
			outcome.Forensics = append(outcome.Forensics, fr)
			p.metrics.RecordParseSuccess("forensic", source, time.Since(start).Seconds(), size)
			p.logger.Info("Parsed forensic report",
				zap.String("source_ip", fr.Source.IPAddress),
				zap.String("reported_domain", fr.ReportedDomain),
				zap.String("source", source),
			)
		}
	}

	if len(reasons) > 0 {
		outcome.Failure = &report.ParseFailure{
			MessageID: messageID,
			Reason:    strings.Join(reasons, "; "),
		}
	}
	return outcome
}
