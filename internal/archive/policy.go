package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type OverwriteMode int

const (
	OverwriteRejectDuplicate OverwriteMode = 1
	OverwriteIgnoreDuplicate OverwriteMode = 2
)

type PIDMode int

const (
	PIDReject PIDMode = 0
	PIDAccept PIDMode = 1
)

type ConflictMode int

const (
	ConflictReject     ConflictMode = 1
	ConflictSendToList ConflictMode = 2
)

// Criteria selects which identifying fields must agree between an online
// study and an incoming object. A differing patient id always conflicts.
type Criteria uint32

const (
	CriterionAccessionNumber Criteria = 1 << iota
	// CriterionStudyID gates both the study id and the study description
	// comparison.
	CriterionStudyID
	// CriterionStudyDescription is accepted for compatibility and has no
	// effect of its own; see CriterionStudyID.
	CriterionStudyDescription
	CriterionPatientName
	CriterionPatientBirthDate
	CriterionPatientSex
)

const criteriaMask = CriterionAccessionNumber | CriterionStudyID | CriterionStudyDescription |
	CriterionPatientName | CriterionPatientBirthDate | CriterionPatientSex

func (c Criteria) Has(bit Criteria) bool { return c&bit != 0 }

// Flag is a boolean stored as 0/1 in the policy blob. true/false are
// accepted on input.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(bytes.TrimSpace(b)) {
	case "1", "true":
		*f = true
	case "0", "false", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag value %s", b)
	}
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Policy is the per-partition ingestion policy persisted as JSON on the
// partition row.
type Policy struct {
	OverwriteMode     OverwriteMode `json:"overwrite_mode"`
	PIDMode           PIDMode       `json:"pid_mode"`
	DefaultPID        string        `json:"default_pid"`
	ConflictMode      ConflictMode  `json:"conflict_mode"`
	ConflictCriteria  Criteria      `json:"conflict_criteria"`
	CreatePreviewIcon Flag          `json:"create_preview_icon"`
	CreateStreamData  Flag          `json:"create_stream_data"`
	// RateLimitCount requests per RateLimitPeriod seconds; enforced by the
	// HTTP layer, 0 disables.
	RateLimitCount  int `json:"rate_limit_count"`
	RateLimitPeriod int `json:"rate_limit_period"`
}

func DefaultPolicy() Policy {
	return Policy{
		OverwriteMode: OverwriteRejectDuplicate,
		PIDMode:       PIDReject,
		ConflictMode:  ConflictSendToList,
	}
}

// ParsePolicy decodes a policy blob over the defaults, so absent keys keep
// their default value. An empty blob yields DefaultPolicy.
func ParsePolicy(raw []byte) (Policy, error) {
	p := DefaultPolicy()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return p, nil
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return Policy{}, wrapError(KindValidation, err, "malformed partition policy")
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	switch p.OverwriteMode {
	case OverwriteRejectDuplicate, OverwriteIgnoreDuplicate:
	default:
		return newError(KindValidation, "partition policy: unknown overwrite_mode %d", p.OverwriteMode)
	}
	switch p.PIDMode {
	case PIDReject, PIDAccept:
	default:
		return newError(KindValidation, "partition policy: unknown pid_mode %d", p.PIDMode)
	}
	switch p.ConflictMode {
	case ConflictReject, ConflictSendToList:
	default:
		return newError(KindValidation, "partition policy: unknown conflict_mode %d", p.ConflictMode)
	}
	if p.ConflictCriteria&^criteriaMask != 0 {
		return newError(KindValidation, "partition policy: unknown conflict_criteria bits %#x", uint32(p.ConflictCriteria&^criteriaMask))
	}
	if p.RateLimitCount < 0 || p.RateLimitPeriod < 0 {
		return newError(KindValidation, "partition policy: rate limit values must not be negative")
	}
	if len(p.DefaultPID) > maxLO {
		return newError(KindValidation, "partition policy: default_pid exceeds %d characters", maxLO)
	}
	return nil
}

// RateLimit converts the two rate fields into a token bucket rate and
// burst. ok is false when limiting is disabled.
func (p Policy) RateLimit() (perSecond float64, burst int, ok bool) {
	if p.RateLimitCount <= 0 || p.RateLimitPeriod <= 0 {
		return 0, 0, false
	}
	return float64(p.RateLimitCount) / float64(p.RateLimitPeriod), p.RateLimitCount, true
}

func (p Policy) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}
