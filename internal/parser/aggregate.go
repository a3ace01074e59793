package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"dmarcwatch/internal/enrich"
	"dmarcwatch/internal/report"
	"dmarcwatch/internal/utils"
)

// ParseAggregate parses one aggregate report XML document into the canonical
// form. It tolerates the malformations seen from real reporters: junk before
// the root element, missing optional policy fields, hostnames in org_name and
// the out-of-schema disposition value "pass".
func (p *Parser) ParseAggregate(data []byte) (*report.AggregateReport, error) {
	data = stripPreamble(data)

	var feedback struct {
		XMLName        xml.Name `xml:"feedback"`
		Version        string   `xml:"version,omitempty"`
		ReportMetadata struct {
			OrgName          string `xml:"org_name"`
			Email            string `xml:"email"`
			ExtraContactInfo string `xml:"extra_contact_info,omitempty"`
			ReportID         string `xml:"report_id"`
			DateRange        struct {
				Begin string `xml:"begin"`
				End   string `xml:"end"`
			} `xml:"date_range"`
			Error []string `xml:"error,omitempty"`
		} `xml:"report_metadata"`
		PolicyPublished struct {
			Domain string `xml:"domain"`
			ADKIM  string `xml:"adkim,omitempty"`
			ASPF   string `xml:"aspf,omitempty"`
			P      string `xml:"p"`
			SP     string `xml:"sp,omitempty"`
			PCT    string `xml:"pct,omitempty"`
			FO     string `xml:"fo,omitempty"`
		} `xml:"policy_published"`
		Record []struct {
			Row struct {
				SourceIP        string `xml:"source_ip"`
				Count           int    `xml:"count"`
				PolicyEvaluated struct {
					Disposition string `xml:"disposition"`
					DKIM        string `xml:"dkim"`
					SPF         string `xml:"spf"`
					Reason      []struct {
						Type    string `xml:"type"`
						Comment string `xml:"comment,omitempty"`
					} `xml:"reason,omitempty"`
				} `xml:"policy_evaluated"`
			} `xml:"row"`
			Identifiers struct {
				HeaderFrom   string `xml:"header_from"`
				EnvelopeFrom string `xml:"envelope_from,omitempty"`
				EnvelopeTo   string `xml:"envelope_to,omitempty"`
			} `xml:"identifiers"`
			AuthResults struct {
				DKIM []struct {
					Domain   string `xml:"domain"`
					Selector string `xml:"selector,omitempty"`
					Result   string `xml:"result"`
				} `xml:"dkim"`
				SPF []struct {
					Domain string `xml:"domain"`
					Scope  string `xml:"scope,omitempty"`
					Result string `xml:"result"`
				} `xml:"spf"`
			} `xml:"auth_results"`
		} `xml:"record"`
	}

	if err := xml.Unmarshal(data, &feedback); err != nil {
		return nil, fmt.Errorf("failed to parse aggregate report XML: %w", err)
	}

	agg := &report.AggregateReport{
		XMLSchema: utils.DefaultString(feedback.Version, "draft"),
		ReportMetadata: report.ReportMetadata{
			OrgName:  p.normalizeOrgName(feedback.ReportMetadata.OrgName),
			OrgEmail: feedback.ReportMetadata.Email,
			ReportID: feedback.ReportMetadata.ReportID,
			Errors:   feedback.ReportMetadata.Error,
		},
		PolicyPublished: report.PolicyPublished{
			Domain: strings.ToLower(feedback.PolicyPublished.Domain),
			ADKIM:  utils.DefaultString(feedback.PolicyPublished.ADKIM, "r"),
			ASPF:   utils.DefaultString(feedback.PolicyPublished.ASPF, "r"),
			P:      utils.DefaultString(feedback.PolicyPublished.P, "none"),
			SP:     utils.DefaultString(feedback.PolicyPublished.SP, utils.DefaultString(feedback.PolicyPublished.P, "none")),
			PCT:    utils.DefaultString(feedback.PolicyPublished.PCT, "100"),
			FO:     utils.DefaultString(feedback.PolicyPublished.FO, "0"),
		},
	}

	if feedback.ReportMetadata.ExtraContactInfo != "" {
		agg.ReportMetadata.OrgExtraContactInfo = &feedback.ReportMetadata.ExtraContactInfo
	}

	beginDate, err := utils.ParseTimestamp(feedback.ReportMetadata.DateRange.Begin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse begin date: %w", err)
	}
	agg.ReportMetadata.BeginDate = beginDate

	endDate, err := utils.ParseTimestamp(feedback.ReportMetadata.DateRange.End)
	if err != nil {
		return nil, fmt.Errorf("failed to parse end date: %w", err)
	}
	agg.ReportMetadata.EndDate = endDate

	if endDate.Before(beginDate) {
		return nil, fmt.Errorf("report window ends before it begins: %s > %s",
			feedback.ReportMetadata.DateRange.Begin, feedback.ReportMetadata.DateRange.End)
	}

	for _, xmlRecord := range feedback.Record {
		record := report.Record{
			Count: xmlRecord.Row.Count,
			Identifiers: report.Identifiers{
				HeaderFrom: strings.ToLower(xmlRecord.Identifiers.HeaderFrom),
			},
		}

		if xmlRecord.Identifiers.EnvelopeFrom != "" {
			envelopeFrom := strings.ToLower(xmlRecord.Identifiers.EnvelopeFrom)
			record.Identifiers.EnvelopeFrom = &envelopeFrom
		}
		if xmlRecord.Identifiers.EnvelopeTo != "" {
			envelopeTo := strings.ToLower(xmlRecord.Identifiers.EnvelopeTo)
			record.Identifiers.EnvelopeTo = &envelopeTo
		}

		record.Source = p.cache.SourceFor(xmlRecord.Row.SourceIP)

		record.PolicyEvaluated = report.PolicyEvaluated{
			Disposition: normalizeDisposition(xmlRecord.Row.PolicyEvaluated.Disposition),
			DKIM:        strings.ToLower(utils.DefaultString(xmlRecord.Row.PolicyEvaluated.DKIM, "fail")),
			SPF:         strings.ToLower(utils.DefaultString(xmlRecord.Row.PolicyEvaluated.SPF, "fail")),
		}

		for _, reason := range xmlRecord.Row.PolicyEvaluated.Reason {
			por := report.PolicyOverrideReason{}
			if reason.Type != "" {
				reasonType := reason.Type
				por.Type = &reasonType
			}
			if reason.Comment != "" {
				comment := reason.Comment
				por.Comment = &comment
			}
			record.PolicyEvaluated.PolicyOverrideReasons = append(
				record.PolicyEvaluated.PolicyOverrideReasons, por)
		}

		for _, dkimResult := range xmlRecord.AuthResults.DKIM {
			if dkimResult.Domain == "" {
				continue
			}
			record.AuthResults.DKIM = append(record.AuthResults.DKIM, report.DKIMResult{
				Domain:   strings.ToLower(dkimResult.Domain),
				Selector: utils.DefaultString(dkimResult.Selector, "none"),
				Result:   strings.ToLower(utils.DefaultString(dkimResult.Result, "none")),
			})
		}

		for _, spfResult := range xmlRecord.AuthResults.SPF {
			if spfResult.Domain == "" {
				continue
			}
			record.AuthResults.SPF = append(record.AuthResults.SPF, report.SPFResult{
				Domain: strings.ToLower(spfResult.Domain),
				Scope:  utils.DefaultString(spfResult.Scope, "mfrom"),
				Result: strings.ToLower(utils.DefaultString(spfResult.Result, "none")),
			})
		}

		record.Alignment = alignmentFor(record, agg.PolicyPublished)

		agg.Records = append(agg.Records, record)
	}

	if len(agg.Records) == 0 {
		p.logger.Warn("Aggregate report carries no records",
			zap.String("org", agg.ReportMetadata.OrgName),
			zap.String("report_id", agg.ReportMetadata.ReportID),
		)
	}

	return agg, nil
}

// stripPreamble drops anything a broken reporter put before the root element,
// such as stray MIME headers or doubled XML declarations.
func stripPreamble(data []byte) []byte {
	if idx := bytes.Index(data, []byte("<feedback")); idx > 0 {
		return data[idx:]
	}
	return data
}

// normalizeOrgName reduces a hostname-shaped org_name to its organizational
// domain, so "mail.example.com" and "example.com" group as one reporter.
func (p *Parser) normalizeOrgName(orgName string) string {
	orgName = strings.TrimSpace(orgName)
	if utils.LooksLikeHostname(orgName) {
		return p.cache.OrganizationalDomain(strings.ToLower(orgName))
	}
	return orgName
}

// normalizeDisposition maps a reporter's disposition onto the three values
// the schema allows. "pass" is a known reporter bug meaning no action was
// taken, so it folds into "none" along with anything unrecognized.
func normalizeDisposition(disposition string) string {
	switch strings.ToLower(strings.TrimSpace(disposition)) {
	case report.DispositionQuarantine:
		return report.DispositionQuarantine
	case report.DispositionReject:
		return report.DispositionReject
	default:
		return report.DispositionNone
	}
}

// alignmentFor derives identifier alignment for one record. A passing DKIM or
// SPF result only aligns when its domain matches header_from under the
// published adkim or aspf mode.
func alignmentFor(record report.Record, policy report.PolicyPublished) report.Alignment {
	headerFrom := record.Identifiers.HeaderFrom

	var alignment report.Alignment
	for _, dkim := range record.AuthResults.DKIM {
		if dkim.Result == "pass" && enrich.DomainsAligned(dkim.Domain, headerFrom, policy.ADKIM) {
			alignment.DKIM = true
			break
		}
	}
	for _, spf := range record.AuthResults.SPF {
		if spf.Result == "pass" && enrich.DomainsAligned(spf.Domain, headerFrom, policy.ASPF) {
			alignment.SPF = true
			break
		}
	}
	alignment.DMARC = alignment.DKIM || alignment.SPF
	return alignment
}
