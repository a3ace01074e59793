// Package clickhouse stores normalized reports in ClickHouse. One row per
// aggregate report plus one per record; forensic reports keep their sample
// decomposed into scalar columns and attachment arrays.
package clickhouse

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"dmarcwatch/internal/config"
	"dmarcwatch/internal/report"
)

// Storage implements report.Sink over a ClickHouse connection.
type Storage struct {
	conn   driver.Conn
	logger *zap.Logger
}

// New connects, pings and creates the schema.
func New(cfg config.ClickHouseConfig, logger *zap.Logger) (*Storage, error) {
	options := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	}
	if cfg.TLS {
		options.TLS = &tls.Config{InsecureSkipVerify: cfg.SkipVerify}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	storage := &Storage{conn: conn, logger: logger}
	if err := storage.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return storage, nil
}

// Close closes the ClickHouse connection.
func (s *Storage) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Storage) createTables() error {
	ctx := context.Background()

	aggregateTableSQL := `
	CREATE TABLE IF NOT EXISTS dmarc_aggregate_reports (
		id UUID DEFAULT generateUUIDv4(),
		xml_schema String,
		org_name String,
		org_email String,
		org_extra_contact_info Nullable(String),
		report_id String,
		begin_date DateTime,
		end_date DateTime,
		errors Array(String),
		domain String,
		adkim String,
		aspf String,
		p String,
		sp String,
		pct String,
		fo String,
		created_at DateTime DEFAULT now()
	) ENGINE = MergeTree()
	ORDER BY (org_name, report_id, begin_date)
	PARTITION BY toYYYYMM(begin_date)`

	if err := s.conn.Exec(ctx, aggregateTableSQL); err != nil {
		return fmt.Errorf("failed to create aggregate reports table: %w", err)
	}

	recordsTableSQL := `
	CREATE TABLE IF NOT EXISTS dmarc_aggregate_records (
		id UUID DEFAULT generateUUIDv4(),
		report_id String,
		org_name String,
		source_ip_address String,
		source_country Nullable(String),
		source_reverse_dns Nullable(String),
		source_base_domain String,
		count UInt32,
		spf_aligned UInt8,
		dkim_aligned UInt8,
		dmarc_aligned UInt8,
		disposition String,
		policy_override_reasons Array(String),
		policy_override_comments Array(String),
		envelope_from Nullable(String),
		header_from String,
		envelope_to Nullable(String),
		dkim_domains Array(String),
		dkim_selectors Array(String),
		dkim_results Array(String),
		spf_domains Array(String),
		spf_scopes Array(String),
		spf_results Array(String),
		begin_date DateTime,
		created_at DateTime DEFAULT now()
	) ENGINE = MergeTree()
	ORDER BY (org_name, report_id, source_ip_address, begin_date)
	PARTITION BY toYYYYMM(begin_date)`

	if err := s.conn.Exec(ctx, recordsTableSQL); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}

	forensicTableSQL := `
	CREATE TABLE IF NOT EXISTS dmarc_forensic_reports (
		id UUID DEFAULT generateUUIDv4(),
		feedback_type String,
		user_agent String,
		version String,
		original_envelope_id String,
		original_mail_from String,
		original_rcpt_to String,
		arrival_date Nullable(DateTime),
		subject String,
		message_id String,
		authentication_results String,
		dkim_domain String,
		source_ip_address String,
		source_country Nullable(String),
		source_reverse_dns Nullable(String),
		source_base_domain String,
		delivery_result String,
		auth_failure Array(String),
		reported_domain String,
		authentication_mechanisms Array(String),
		extra_fields String,
		sample_headers_only UInt8,
		sample_subject String,
		sample_from String,
		sample_to Array(String),
		sample_body String,
		attachment_filenames Array(String),
		attachment_content_types Array(String),
		attachment_hashes Array(String),
		created_at DateTime DEFAULT now()
	) ENGINE = MergeTree()
	ORDER BY (reported_domain, source_ip_address, created_at)
	PARTITION BY toYYYYMM(created_at)`

	if err := s.conn.Exec(ctx, forensicTableSQL); err != nil {
		return fmt.Errorf("failed to create forensic reports table: %w", err)
	}

	s.logger.Info("ClickHouse tables created")
	return nil
}

// StoreAggregateReport stores one aggregate report and its records.
func (s *Storage) StoreAggregateReport(agg *report.AggregateReport) error {
	ctx := context.Background()

	reportSQL := `
	INSERT INTO dmarc_aggregate_reports (
		xml_schema, org_name, org_email, org_extra_contact_info, report_id,
		begin_date, end_date, errors, domain, adkim, aspf, p, sp, pct, fo
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	err := s.conn.Exec(ctx, reportSQL,
		agg.XMLSchema,
		agg.ReportMetadata.OrgName,
		agg.ReportMetadata.OrgEmail,
		agg.ReportMetadata.OrgExtraContactInfo,
		agg.ReportMetadata.ReportID,
		agg.ReportMetadata.BeginDate,
		agg.ReportMetadata.EndDate,
		agg.ReportMetadata.Errors,
		agg.PolicyPublished.Domain,
		agg.PolicyPublished.ADKIM,
		agg.PolicyPublished.ASPF,
		agg.PolicyPublished.P,
		agg.PolicyPublished.SP,
		agg.PolicyPublished.PCT,
		agg.PolicyPublished.FO,
	)
	if err != nil {
		return fmt.Errorf("failed to insert aggregate report: %w", err)
	}

	if len(agg.Records) > 0 {
		batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO dmarc_aggregate_records (
			report_id, org_name, source_ip_address, source_country, source_reverse_dns,
			source_base_domain, count, spf_aligned, dkim_aligned, dmarc_aligned,
			disposition, policy_override_reasons, policy_override_comments,
			envelope_from, header_from, envelope_to, dkim_domains, dkim_selectors,
			dkim_results, spf_domains, spf_scopes, spf_results, begin_date
		)`)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for _, record := range agg.Records {
			reasons, comments := overrideColumns(record.PolicyEvaluated.PolicyOverrideReasons)
			dkimDomains, dkimSelectors, dkimResults := dkimColumns(record.AuthResults.DKIM)
			spfDomains, spfScopes, spfResults := spfColumns(record.AuthResults.SPF)

			err := batch.Append(
				agg.ReportMetadata.ReportID,
				agg.ReportMetadata.OrgName,
				record.Source.IPAddress,
				record.Source.Country,
				record.Source.ReverseDNS,
				record.Source.BaseDomain,
				uint32(record.Count),
				boolToUint8(record.Alignment.SPF),
				boolToUint8(record.Alignment.DKIM),
				boolToUint8(record.Alignment.DMARC),
				record.PolicyEvaluated.Disposition,
				reasons,
				comments,
				record.Identifiers.EnvelopeFrom,
				record.Identifiers.HeaderFrom,
				record.Identifiers.EnvelopeTo,
				dkimDomains,
				dkimSelectors,
				dkimResults,
				spfDomains,
				spfScopes,
				spfResults,
				agg.ReportMetadata.BeginDate,
			)
			if err != nil {
				return fmt.Errorf("failed to append record to batch: %w", err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
	}

	s.logger.Info("Stored aggregate report in ClickHouse",
		zap.String("org", agg.ReportMetadata.OrgName),
		zap.String("report_id", agg.ReportMetadata.ReportID),
		zap.Int("records", len(agg.Records)),
	)
	return nil
}

// StoreForensicReport stores one forensic report.
func (s *Storage) StoreForensicReport(fr *report.ForensicReport) error {
	ctx := context.Background()

	reportSQL := `
	INSERT INTO dmarc_forensic_reports (
		feedback_type, user_agent, version, original_envelope_id, original_mail_from,
		original_rcpt_to, arrival_date, subject, message_id, authentication_results,
		dkim_domain, source_ip_address, source_country, source_reverse_dns,
		source_base_domain, delivery_result, auth_failure, reported_domain,
		authentication_mechanisms, extra_fields, sample_headers_only, sample_subject,
		sample_from, sample_to, sample_body, attachment_filenames,
		attachment_content_types, attachment_hashes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	filenames, contentTypes, hashes := attachmentColumns(fr.Sample.Attachments)

	err := s.conn.Exec(ctx, reportSQL,
		fr.FeedbackType,
		fr.UserAgent,
		fr.Version,
		fr.OriginalEnvelopeID,
		fr.OriginalMailFrom,
		fr.OriginalRcptTo,
		arrivalColumn(fr.ArrivalDate),
		fr.Subject,
		fr.MessageID,
		fr.AuthenticationResults,
		fr.DKIMDomain,
		fr.Source.IPAddress,
		fr.Source.Country,
		fr.Source.ReverseDNS,
		fr.Source.BaseDomain,
		fr.DeliveryResult,
		fr.AuthFailure,
		fr.ReportedDomain,
		fr.AuthenticationMechanisms,
		extraFieldsColumn(fr.ExtraFields),
		boolToUint8(fr.Sample.HeadersOnly),
		fr.Sample.Subject,
		fr.Sample.From,
		fr.Sample.To,
		fr.Sample.Body,
		filenames,
		contentTypes,
		hashes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert forensic report: %w", err)
	}

	s.logger.Info("Stored forensic report in ClickHouse",
		zap.String("reported_domain", fr.ReportedDomain),
		zap.String("source_ip", fr.Source.IPAddress),
	)
	return nil
}

func overrideColumns(reasons []report.PolicyOverrideReason) (types, comments []string) {
	for _, reason := range reasons {
		if reason.Type != nil {
			types = append(types, *reason.Type)
		} else {
			types = append(types, "none")
		}
		if reason.Comment != nil {
			comments = append(comments, *reason.Comment)
		} else {
			comments = append(comments, "none")
		}
	}
	return types, comments
}

func dkimColumns(results []report.DKIMResult) (domains, selectors, outcomes []string) {
	for _, r := range results {
		domains = append(domains, r.Domain)
		selectors = append(selectors, r.Selector)
		outcomes = append(outcomes, r.Result)
	}
	return domains, selectors, outcomes
}

func spfColumns(results []report.SPFResult) (domains, scopes, outcomes []string) {
	for _, r := range results {
		domains = append(domains, r.Domain)
		scopes = append(scopes, r.Scope)
		outcomes = append(outcomes, r.Result)
	}
	return domains, scopes, outcomes
}

func attachmentColumns(attachments []report.Attachment) (filenames, contentTypes, hashes []string) {
	for _, a := range attachments {
		filenames = append(filenames, a.Filename)
		contentTypes = append(contentTypes, a.ContentType)
		hashes = append(hashes, a.SHA256)
	}
	return filenames, contentTypes, hashes
}

// arrivalColumn maps the explicit-empty zero time to NULL.
func arrivalColumn(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func extraFieldsColumn(extra map[string]string) string {
	if len(extra) == 0 {
		return "{}"
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
