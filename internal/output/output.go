// Package output writes normalized reports to flat files or stdout and fans
// outcomes out to the configured sinks.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmarcwatch/internal/report"
)

// Format is the flat-file output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// NewWriter creates a file-backed sink. An empty path writes to stdout.
func NewWriter(format Format, path string, logger *zap.Logger) (report.Sink, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer

	if path != "" {
		file, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
		}
		w = file
		closer = file
	}

	switch format {
	case FormatJSON:
		return &JSONWriter{writer: w, closer: closer, logger: logger}, nil
	case FormatCSV:
		return &CSVWriter{
			closer:         closer,
			csvWriter:      csv.NewWriter(w),
			headersWritten: make(map[string]bool),
			logger:         logger,
		}, nil
	default:
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// JSONWriter writes one indented JSON document per report.
type JSONWriter struct {
	writer io.Writer
	closer io.Closer
	logger *zap.Logger
}

func (j *JSONWriter) StoreAggregateReport(agg *report.AggregateReport) error {
	return j.writeJSON(agg)
}

func (j *JSONWriter) StoreForensicReport(fr *report.ForensicReport) error {
	return j.writeJSON(fr)
}

func (j *JSONWriter) writeJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	if _, err := j.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}
	return nil
}

func (j *JSONWriter) Close() error {
	if j.closer != nil {
		return j.closer.Close()
	}
	return nil
}

// CSVWriter flattens reports into CSV rows, one row per aggregate record or
// forensic report. Headers are written once per report type.
type CSVWriter struct {
	closer         io.Closer
	csvWriter      *csv.Writer
	headersWritten map[string]bool
	logger         *zap.Logger
}

func (c *CSVWriter) StoreAggregateReport(agg *report.AggregateReport) error {
	if !c.headersWritten["aggregate"] {
		headers := []string{
			"report_id", "org_name", "org_email", "begin_date", "end_date",
			"domain", "policy_adkim", "policy_aspf", "policy_p", "policy_sp", "policy_pct",
			"source_ip", "source_country", "source_reverse_dns", "source_base_domain", "count",
			"disposition", "dkim_result", "spf_result", "dkim_aligned", "spf_aligned", "dmarc_aligned",
			"header_from", "envelope_from",
		}
		if err := c.csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
		c.headersWritten["aggregate"] = true
	}

	for _, record := range agg.Records {
		row := []string{
			agg.ReportMetadata.ReportID,
			agg.ReportMetadata.OrgName,
			agg.ReportMetadata.OrgEmail,
			agg.ReportMetadata.BeginDate.Format(time.RFC3339),
			agg.ReportMetadata.EndDate.Format(time.RFC3339),
			agg.PolicyPublished.Domain,
			agg.PolicyPublished.ADKIM,
			agg.PolicyPublished.ASPF,
			agg.PolicyPublished.P,
			agg.PolicyPublished.SP,
			agg.PolicyPublished.PCT,
			record.Source.IPAddress,
			stringPtrValue(record.Source.Country),
			stringPtrValue(record.Source.ReverseDNS),
			record.Source.BaseDomain,
			strconv.Itoa(record.Count),
			record.PolicyEvaluated.Disposition,
			record.PolicyEvaluated.DKIM,
			record.PolicyEvaluated.SPF,
			strconv.FormatBool(record.Alignment.DKIM),
			strconv.FormatBool(record.Alignment.SPF),
			strconv.FormatBool(record.Alignment.DMARC),
			record.Identifiers.HeaderFrom,
			stringPtrValue(record.Identifiers.EnvelopeFrom),
		}
		if err := c.csvWriter.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	c.csvWriter.Flush()
	return c.csvWriter.Error()
}

func (c *CSVWriter) StoreForensicReport(fr *report.ForensicReport) error {
	if !c.headersWritten["forensic"] {
		headers := []string{
			"feedback_type", "user_agent", "version", "original_envelope_id",
			"original_mail_from", "original_rcpt_to", "arrival_date", "subject",
			"message_id", "authentication_results", "dkim_domain", "source_ip",
			"source_country", "source_reverse_dns", "delivery_result", "auth_failure",
			"reported_domain", "sample_subject", "sample_from",
		}
		if err := c.csvWriter.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
		c.headersWritten["forensic"] = true
	}

	arrival := ""
	if !fr.ArrivalDate.IsZero() {
		arrival = fr.ArrivalDate.Format(time.RFC3339)
	}

	row := []string{
		fr.FeedbackType,
		fr.UserAgent,
		fr.Version,
		fr.OriginalEnvelopeID,
		fr.OriginalMailFrom,
		fr.OriginalRcptTo,
		arrival,
		fr.Subject,
		fr.MessageID,
		fr.AuthenticationResults,
		fr.DKIMDomain,
		fr.Source.IPAddress,
		stringPtrValue(fr.Source.Country),
		stringPtrValue(fr.Source.ReverseDNS),
		fr.DeliveryResult,
		strings.Join(fr.AuthFailure, ";"),
		fr.ReportedDomain,
		fr.Sample.Subject,
		fr.Sample.From,
	}
	if err := c.csvWriter.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %w", err)
	}

	c.csvWriter.Flush()
	return c.csvWriter.Error()
}

func (c *CSVWriter) Close() error {
	c.csvWriter.Flush()
	if err := c.csvWriter.Error(); err != nil {
		return err
	}
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

func stringPtrValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Fanout delivers every report to all member sinks. Sinks are pure
// consumers; a failing sink is logged and the rest still receive the report.
type Fanout struct {
	sinks  []report.Sink
	logger *zap.Logger
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(logger *zap.Logger, sinks ...report.Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Consume feeds every report of one outcome to the sinks. Failed outcomes
// carry no reports and are skipped.
func (f *Fanout) Consume(outcome *report.Outcome) {
	for _, agg := range outcome.Aggregates {
		for _, sink := range f.sinks {
			if err := sink.StoreAggregateReport(agg); err != nil {
				f.logger.Error("Sink rejected aggregate report",
					zap.String("report_id", agg.ReportMetadata.ReportID),
					zap.Error(err),
				)
			}
		}
	}
	for _, fr := range outcome.Forensics {
		for _, sink := range f.sinks {
			if err := sink.StoreForensicReport(fr); err != nil {
				f.logger.Error("Sink rejected forensic report",
					zap.String("reported_domain", fr.ReportedDomain),
					zap.Error(err),
				)
			}
		}
	}
}

// Close closes every sink, returning the first error.
func (f *Fanout) Close() error {
	var first error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
