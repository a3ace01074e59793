package report

import (
	"time"
)

// Disposition values allowed in a normalized aggregate record.
const (
	DispositionNone       = "none"
	DispositionQuarantine = "quarantine"
	DispositionReject     = "reject"
)

// AggregateReport is the canonical form of a DMARC aggregate (rua) report.
// All fields are fixed at parse time; reports are never mutated afterwards.
type AggregateReport struct {
	XMLSchema       string          `json:"xml_schema"`
	ReportMetadata  ReportMetadata  `json:"report_metadata"`
	PolicyPublished PolicyPublished `json:"policy_published"`
	Records         []Record        `json:"records"`
}

// ReportMetadata contains metadata about the reporting organization and the
// reporting window. OrgName is normalized to its organizational domain when
// the reporter put a hostname there.
type ReportMetadata struct {
	OrgName             string    `json:"org_name"`
	OrgEmail            string    `json:"org_email"`
	OrgExtraContactInfo *string   `json:"org_extra_contact_info"`
	ReportID            string    `json:"report_id"`
	BeginDate           time.Time `json:"begin_date"`
	EndDate             time.Time `json:"end_date"`
	Errors              []string  `json:"errors"`
}

// PolicyPublished is the DMARC policy the reporter saw in DNS.
type PolicyPublished struct {
	Domain string `json:"domain"`
	ADKIM  string `json:"adkim"`
	ASPF   string `json:"aspf"`
	P      string `json:"p"`
	SP     string `json:"sp"`
	PCT    string `json:"pct"`
	FO     string `json:"fo"`
}

// Record is a single per-source row of an aggregate report.
type Record struct {
	Source          Source          `json:"source"`
	Count           int             `json:"count"`
	Alignment       Alignment       `json:"alignment"`
	PolicyEvaluated PolicyEvaluated `json:"policy_evaluated"`
	Identifiers     Identifiers     `json:"identifiers"`
	AuthResults     AuthResults     `json:"auth_results"`
}

// Source describes a sending IP, enriched with reverse DNS and geolocation
// where available. Nil pointer fields mean the lookup failed or was skipped.
type Source struct {
	IPAddress  string  `json:"ip_address"`
	Country    *string `json:"country"`
	ReverseDNS *string `json:"reverse_dns"`
	BaseDomain string  `json:"base_domain"`
}

// Alignment holds the derived identifier-alignment booleans.
type Alignment struct {
	SPF   bool `json:"spf"`
	DKIM  bool `json:"dkim"`
	DMARC bool `json:"dmarc"`
}

// PolicyEvaluated shows the receiver's policy decision. Disposition is always
// one of none, quarantine or reject after normalization.
type PolicyEvaluated struct {
	Disposition           string                 `json:"disposition"`
	DKIM                  string                 `json:"dkim"`
	SPF                   string                 `json:"spf"`
	PolicyOverrideReasons []PolicyOverrideReason `json:"policy_override_reasons"`
}

// PolicyOverrideReason describes why the published policy was not applied.
type PolicyOverrideReason struct {
	Type    *string `json:"type"`
	Comment *string `json:"comment"`
}

// Identifiers contains the header and envelope domains of the message set.
type Identifiers struct {
	HeaderFrom   string  `json:"header_from"`
	EnvelopeFrom *string `json:"envelope_from"`
	EnvelopeTo   *string `json:"envelope_to"`
}

// AuthResults contains the raw SPF and DKIM evaluations from the reporter.
type AuthResults struct {
	DKIM []DKIMResult `json:"dkim"`
	SPF  []SPFResult  `json:"spf"`
}

// DKIMResult is one DKIM evaluation.
type DKIMResult struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
	Result   string `json:"result"`
}

// SPFResult is one SPF evaluation.
type SPFResult struct {
	Domain string `json:"domain"`
	Scope  string `json:"scope"`
	Result string `json:"result"`
}

// ForensicReport is the canonical form of a DMARC forensic (ruf) report.
// Recognized feedback fields that were absent stay at their zero values;
// fields the schema does not know are kept in ExtraFields.
type ForensicReport struct {
	FeedbackType             string            `json:"feedback_type"`
	UserAgent                string            `json:"user_agent"`
	Version                  string            `json:"version"`
	OriginalEnvelopeID       string            `json:"original_envelope_id"`
	OriginalMailFrom         string            `json:"original_mail_from"`
	OriginalRcptTo           string            `json:"original_rcpt_to"`
	ArrivalDate              time.Time         `json:"arrival_date"`
	Subject                  string            `json:"subject"`
	MessageID                string            `json:"message_id"`
	AuthenticationResults    string            `json:"authentication_results"`
	DKIMDomain               string            `json:"dkim_domain"`
	Source                   Source            `json:"source"`
	DeliveryResult           string            `json:"delivery_result"`
	AuthFailure              []string          `json:"auth_failure"`
	ReportedDomain           string            `json:"reported_domain"`
	AuthenticationMechanisms []string          `json:"authentication_mechanisms"`
	ExtraFields              map[string]string `json:"extra_fields,omitempty"`
	Sample                   Sample            `json:"sample"`
}

// Sample is the embedded original message of a forensic report, decomposed
// into headers, body and attachment summaries.
type Sample struct {
	Headers     map[string]string `json:"headers"`
	HeadersOnly bool              `json:"headers_only"`
	Subject     string            `json:"subject"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	Date        string            `json:"date"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments"`
}

// Attachment summarizes one attachment of the sampled message. SHA256 is the
// digest of the decoded content, or of the raw bytes when decoding failed, so
// downstream consumers can deduplicate without the payload itself.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
	Size        int    `json:"size"`
}

// ParseFailure records a message that could not be normalized. It occupies
// the failed message's slot in a batch result so one poisoned message never
// hides the rest.
type ParseFailure struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

// Outcome is the terminal parse result of one mailbox message. Exactly one of
// the three shapes applies: at least one report, a failure, or nothing
// recognized at all.
type Outcome struct {
	MessageID  string             `json:"message_id"`
	Aggregates []*AggregateReport `json:"aggregates,omitempty"`
	Forensics  []*ForensicReport  `json:"forensics,omitempty"`
	Failure    *ParseFailure      `json:"failure,omitempty"`
}

// Parsed reports whether the message yielded at least one report and no
// failure.
func (o *Outcome) Parsed() bool {
	return o.Failure == nil && (len(o.Aggregates) > 0 || len(o.Forensics) > 0)
}

// Empty reports whether the message carried no recognized payload at all.
func (o *Outcome) Empty() bool {
	return o.Failure == nil && len(o.Aggregates) == 0 && len(o.Forensics) == 0
}

// Sink consumes normalized reports. Sinks are pure consumers: they never
// mutate records and their errors never feed back into parsing.
type Sink interface {
	StoreAggregateReport(report *AggregateReport) error
	StoreForensicReport(report *ForensicReport) error
	Close() error
}
