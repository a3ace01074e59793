package validation

import (
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const validAggregateXML = `<?xml version="1.0"?>
<feedback>
  <report_metadata>
    <org_name>solarmora.com</org_name>
    <email>noreply-dmarc@solarmora.com</email>
    <report_id>8286459741907851_1690329600</report_id>
    <date_range>
      <begin>1690329600</begin>
      <end>1690415999</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>example.com</domain>
    <p>quarantine</p>
  </policy_published>
  <record>
    <row>
      <source_ip>192.0.2.1</source_ip>
      <count>3</count>
    </row>
    <identifiers>
      <header_from>example.com</header_from>
    </identifiers>
  </record>
</feedback>`

func TestValidateAggregateXML(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	result := v.ValidateAggregateXML([]byte(validAggregateXML))
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidateAggregateXMLMissingFields(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	xml := `<feedback>
  <report_metadata>
    <date_range><begin>1690329600</begin><end>1690415999</end></date_range>
  </report_metadata>
  <policy_published><domain>example.com</domain><p>quarantine</p></policy_published>
</feedback>`

	result := v.ValidateAggregateXML([]byte(xml))
	if result.Valid {
		t.Fatal("expected invalid result")
	}
	wantErrors := []string{"missing org_name", "missing report_id"}
	for _, want := range wantErrors {
		found := false
		for _, err := range result.Errors {
			if strings.Contains(err, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("missing error %q in %v", want, result.Errors)
		}
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "no records") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing no-records warning in %v", result.Warnings)
	}
}

func TestValidateAggregateXMLBadSourceIP(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	xml := strings.Replace(validAggregateXML, "192.0.2.1", "not-an-ip", 1)
	result := v.ValidateAggregateXML([]byte(xml))
	if result.Valid {
		t.Fatal("expected invalid result")
	}
}

func TestValidateAggregateXMLInvertedWindow(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	xml := strings.Replace(validAggregateXML, "<end>1690415999</end>", "<end>1690240000</end>", 1)
	result := v.ValidateAggregateXML([]byte(xml))
	if result.Valid {
		t.Fatal("expected invalid result")
	}
}

func TestValidateAggregateXMLNotXML(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	result := v.ValidateAggregateXML([]byte("this is not xml"))
	if result.Valid {
		t.Fatal("expected invalid result")
	}
}

func TestValidateForensic(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	ok := v.ValidateForensic([]byte("Feedback-Type: auth-failure\r\nSource-IP: 203.0.113.5\r\n"))
	if !ok.Valid {
		t.Fatalf("expected valid, got %v", ok.Errors)
	}

	noSource := v.ValidateForensic([]byte("Feedback-Type: auth-failure\r\n"))
	if !noSource.Valid {
		t.Fatal("missing Source-IP should only warn")
	}
	if len(noSource.Warnings) == 0 {
		t.Error("expected a warning for missing Source-IP")
	}

	bad := v.ValidateForensic([]byte("Subject: hello\r\n"))
	if bad.Valid {
		t.Fatal("expected invalid result without Feedback-Type")
	}
}

func TestValidateSize(t *testing.T) {
	v := New(zaptest.NewLogger(t))

	if r := v.ValidateSize(0, 100); r.Valid {
		t.Error("empty payload should be invalid")
	}
	if r := v.ValidateSize(101, 100); r.Valid {
		t.Error("oversized payload should be invalid")
	}
	if r := v.ValidateSize(50, 100); !r.Valid {
		t.Errorf("expected valid, got %v", r.Errors)
	}
	if r := v.ValidateSize(1<<30, 0); !r.Valid {
		t.Error("zero max should disable the upper bound")
	}
}
