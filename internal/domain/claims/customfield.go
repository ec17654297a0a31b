package claims

import "strings"

// Candidate key lists, highest priority first.
var (
	PayerNameKeys          = []string{"insurance_carrier", "insurance_company", "carrier"}
	PayerIDKeys            = []string{"insurance_payer_id", "payer_id"}
	MemberIDKeys           = []string{"insurance_member_id", "member_id", "policy_number"}
	GroupNumberKeys        = []string{"insurance_group_number", "group_number"}
	PlanNameKeys           = []string{"insurance_plan_name", "plan_name"}
	InsuredNameKeys        = []string{"policy_holder_name", "insured_name", "subscriber_name"}
	InsuredDOBKeys         = []string{"policy_holder_dob", "insured_dob", "subscriber_dob"}
	RelationshipKeys       = []string{"relationship_to_insured", "patient_relationship"}
	ReferringNameKeys      = []string{"referring_provider_name"}
	ReferringNPIKeys       = []string{"referring_provider_npi"}
	DiagnosisKeys          = []string{"diagnosis_code", "icd_10", "icd10", "diagnosis"}
	PriorAuthorizationKeys = []string{"prior_authorization", "authorization_number"}
)

// ResolveCustomField returns the value of the first custom field matching one of
// keys. All keys are tried for an exact match (on id, key or field key) before
// any key is tried as a substring, so a precise field always beats a loose one.
// Empty values never match. Missing fields yield "".
func ResolveCustomField(fields []CustomField, keys ...string) string {
	if len(fields) == 0 || len(keys) == 0 {
		return ""
	}
	for _, key := range keys {
		k := normalizeKey(key)
		for _, f := range fields {
			if strings.TrimSpace(f.Value) == "" {
				continue
			}
			if fieldMatches(f, func(name string) bool { return name == k }) {
				return strings.TrimSpace(f.Value)
			}
		}
	}
	for _, key := range keys {
		k := normalizeKey(key)
		if k == "" {
			continue
		}
		for _, f := range fields {
			if strings.TrimSpace(f.Value) == "" {
				continue
			}
			if fieldMatches(f, func(name string) bool { return strings.Contains(name, k) }) {
				return strings.TrimSpace(f.Value)
			}
		}
	}
	return ""
}

func fieldMatches(f CustomField, match func(string) bool) bool {
	for _, name := range []string{f.Key, f.FieldKey, f.ID} {
		n := normalizeKey(name)
		if n != "" && match(n) {
			return true
		}
	}
	return false
}

// normalizeKey lowercases and strips the "contact." prefix the CRM puts on
// field keys.
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "contact.")
}
