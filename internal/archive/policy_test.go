package archive

import (
	"encoding/json"
	"testing"
)

func TestParsePolicy_Defaults(t *testing.T) {
	for _, raw := range []string{"", "null", "{}", "  "} {
		p, err := ParsePolicy([]byte(raw))
		if err != nil {
			t.Fatalf("ParsePolicy(%q): %v", raw, err)
		}
		if p != DefaultPolicy() {
			t.Errorf("ParsePolicy(%q) = %+v, want defaults", raw, p)
		}
	}
	d := DefaultPolicy()
	if d.OverwriteMode != OverwriteRejectDuplicate || d.PIDMode != PIDReject ||
		d.ConflictMode != ConflictSendToList || d.ConflictCriteria != 0 || d.DefaultPID != "" {
		t.Errorf("unexpected defaults %+v", d)
	}
}

func TestParsePolicy_Overlay(t *testing.T) {
	p, err := ParsePolicy([]byte(`{"overwrite_mode":2,"conflict_criteria":9,"create_preview_icon":1,"create_stream_data":true}`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if p.OverwriteMode != OverwriteIgnoreDuplicate {
		t.Errorf("overwrite_mode = %d", p.OverwriteMode)
	}
	if !p.ConflictCriteria.Has(CriterionAccessionNumber) || !p.ConflictCriteria.Has(CriterionPatientName) {
		t.Errorf("criteria = %b", p.ConflictCriteria)
	}
	if p.ConflictCriteria.Has(CriterionPatientSex) {
		t.Error("sex bit should be clear")
	}
	if !p.CreatePreviewIcon || !p.CreateStreamData {
		t.Error("flags not decoded")
	}
	if p.ConflictMode != ConflictSendToList {
		t.Error("absent key should keep its default")
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []string{
		`{"overwrite_mode":`,
		`{"overwrite_mode":3}`,
		`{"pid_mode":2}`,
		`{"conflict_mode":0}`,
		`{"conflict_criteria":64}`,
		`{"create_preview_icon":"yes"}`,
		`{"rate_limit_count":-1}`,
	}
	for _, raw := range tests {
		if _, err := ParsePolicy([]byte(raw)); KindOf(err) != KindValidation {
			t.Errorf("ParsePolicy(%s) = %v, want validation error", raw, err)
		}
	}
}

func TestPolicy_RateLimit(t *testing.T) {
	p := DefaultPolicy()
	if _, _, ok := p.RateLimit(); ok {
		t.Error("rate limit should be disabled by default")
	}
	p.RateLimitCount, p.RateLimitPeriod = 30, 60
	perSecond, burst, ok := p.RateLimit()
	if !ok || perSecond != 0.5 || burst != 30 {
		t.Errorf("RateLimit() = %v, %d, %v", perSecond, burst, ok)
	}
}

func TestPolicy_MarshalWritesFlagsAsNumbers(t *testing.T) {
	p := DefaultPolicy()
	p.CreatePreviewIcon = true
	raw, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["create_preview_icon"] != float64(1) || m["create_stream_data"] != float64(0) {
		t.Errorf("flags = %v / %v", m["create_preview_icon"], m["create_stream_data"])
	}
	back, err := ParsePolicy(raw)
	if err != nil || back != p {
		t.Errorf("reparse = %+v, %v", back, err)
	}
}
