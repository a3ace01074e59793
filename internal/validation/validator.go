// Package validation preflights uploaded report payloads before they reach
// the parser, so obviously broken submissions can be rejected with a useful
// error list instead of a single parse failure.
package validation

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"dmarcwatch/internal/utils"
)

// Validator checks report payloads for structural problems.
type Validator struct {
	logger *zap.Logger
}

// New creates a validator.
func New(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Result lists everything wrong or suspicious about a payload. Warnings do
// not make a payload invalid.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) errorf(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

var domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ValidateAggregateXML checks the structure of an aggregate report document
// without normalizing it.
func (v *Validator) ValidateAggregateXML(data []byte) *Result {
	result := &Result{Valid: true}

	var feedback struct {
		XMLName        xml.Name `xml:"feedback"`
		ReportMetadata struct {
			OrgName   string `xml:"org_name"`
			ReportID  string `xml:"report_id"`
			DateRange struct {
				Begin string `xml:"begin"`
				End   string `xml:"end"`
			} `xml:"date_range"`
		} `xml:"report_metadata"`
		PolicyPublished struct {
			Domain string `xml:"domain"`
			P      string `xml:"p"`
		} `xml:"policy_published"`
		Record []struct {
			Row struct {
				SourceIP string `xml:"source_ip"`
				Count    int    `xml:"count"`
			} `xml:"row"`
			Identifiers struct {
				HeaderFrom string `xml:"header_from"`
			} `xml:"identifiers"`
		} `xml:"record"`
	}

	if err := xml.Unmarshal(data, &feedback); err != nil {
		result.errorf("not well-formed XML: %v", err)
		return result
	}

	if feedback.ReportMetadata.OrgName == "" {
		result.errorf("missing org_name")
	}
	if feedback.ReportMetadata.ReportID == "" {
		result.errorf("missing report_id")
	}

	if feedback.PolicyPublished.Domain == "" {
		result.errorf("missing policy_published domain")
	} else if !isValidDomain(feedback.PolicyPublished.Domain) {
		result.warnf("policy_published domain %q is not a hostname", feedback.PolicyPublished.Domain)
	}
	if p := feedback.PolicyPublished.P; p != "" && !isValidPolicy(p) {
		result.warnf("unknown policy value %q", p)
	}

	if err := validateWindow(feedback.ReportMetadata.DateRange.Begin, feedback.ReportMetadata.DateRange.End); err != nil {
		result.errorf("invalid date range: %v", err)
	}

	if len(feedback.Record) == 0 {
		result.warnf("report has no records")
	}
	for i, record := range feedback.Record {
		if record.Row.Count <= 0 {
			result.warnf("record %d has count %d", i+1, record.Row.Count)
		}
		if !utils.IsValidIPAddress(record.Row.SourceIP) {
			result.errorf("record %d has invalid source_ip %q", i+1, record.Row.SourceIP)
		}
		if record.Identifiers.HeaderFrom == "" {
			result.warnf("record %d missing header_from", i+1)
		}
	}

	return result
}

// ValidateForensic checks that a payload looks like an ARF feedback report.
func (v *Validator) ValidateForensic(data []byte) *Result {
	result := &Result{Valid: true}

	text := strings.ToLower(string(data))
	if !strings.Contains(text, "feedback-type:") {
		result.errorf("missing Feedback-Type field")
	}
	if !strings.Contains(text, "source-ip:") {
		result.warnf("missing Source-IP field")
	}

	return result
}

// ValidateSize rejects empty and oversized payloads. A maxSize of zero
// disables the upper bound.
func (v *Validator) ValidateSize(size, maxSize int64) *Result {
	result := &Result{Valid: true}

	if size <= 0 {
		result.errorf("empty payload")
	}
	if maxSize > 0 && size > maxSize {
		result.errorf("payload size %d exceeds limit %d", size, maxSize)
	}

	return result
}

func isValidDomain(domain string) bool {
	return domainRegex.MatchString(domain)
}

func isValidPolicy(policy string) bool {
	return utils.StringSliceContains([]string{"none", "quarantine", "reject"}, policy)
}

func validateWindow(beginStr, endStr string) error {
	begin, err := utils.ParseTimestamp(beginStr)
	if err != nil {
		return fmt.Errorf("invalid begin date: %v", err)
	}
	end, err := utils.ParseTimestamp(endStr)
	if err != nil {
		return fmt.Errorf("invalid end date: %v", err)
	}

	if end.Before(begin) {
		return fmt.Errorf("end date is before begin date")
	}
	if begin.After(time.Now().UTC().Add(24 * time.Hour)) {
		return fmt.Errorf("report window is in the future")
	}
	return nil
}
