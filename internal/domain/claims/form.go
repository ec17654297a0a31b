package claims

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	dateLayout        = "2006-01-02"
	MaxDiagnosisCodes = 12
	MaxModifiers      = 4
)

// DiagnosisLetters labels box 21 slots.
var DiagnosisLetters = [MaxDiagnosisCodes]string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L"}

type PayerInfo struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
}

// PatientInfo covers boxes 2, 3, 5 and 6.
type PatientInfo struct {
	ID                    string  `json:"id"`
	LastName              string  `json:"last_name"`
	FirstName             string  `json:"first_name"`
	MiddleInitial         string  `json:"middle_initial"`
	DateOfBirth           string  `json:"date_of_birth"`
	Sex                   string  `json:"sex"`
	Address               Address `json:"address"`
	Phone                 string  `json:"phone"`
	RelationshipToInsured string  `json:"relationship_to_insured"`
}

// InsuredInfo covers boxes 1a, 4, 7 and 11.
type InsuredInfo struct {
	ID            string  `json:"id"`
	LastName      string  `json:"last_name"`
	FirstName     string  `json:"first_name"`
	MiddleInitial string  `json:"middle_initial"`
	Address       Address `json:"address"`
	Phone         string  `json:"phone"`
	GroupNumber   string  `json:"group_number"`
	DateOfBirth   string  `json:"date_of_birth"`
	Sex           string  `json:"sex"`
	OtherClaimID  string  `json:"other_claim_id"`
	PlanName      string  `json:"plan_name"`
	HasOtherPlan  bool    `json:"has_other_plan"`
}

// OtherInsuredInfo is box 9.
type OtherInsuredInfo struct {
	Name         string `json:"name"`
	PolicyNumber string `json:"policy_number"`
	PlanName     string `json:"plan_name"`
}

// ConditionInfo is box 10.
type ConditionInfo struct {
	EmploymentRelated bool   `json:"employment_related"`
	AutoAccident      bool   `json:"auto_accident"`
	AutoAccidentState string `json:"auto_accident_state"`
	OtherAccident     bool   `json:"other_accident"`
	ClaimCodes        string `json:"claim_codes"`
}

// DatesInfo covers boxes 14, 15, 16 and 18.
type DatesInfo struct {
	CurrentIllness          string `json:"current_illness"`
	CurrentIllnessQualifier string `json:"current_illness_qualifier"`
	OtherDate               string `json:"other_date"`
	OtherDateQualifier      string `json:"other_date_qualifier"`
	UnableToWorkFrom        string `json:"unable_to_work_from"`
	UnableToWorkTo          string `json:"unable_to_work_to"`
	HospitalizedFrom        string `json:"hospitalized_from"`
	HospitalizedTo          string `json:"hospitalized_to"`
}

// ReferringProvider is box 17.
type ReferringProvider struct {
	Name      string `json:"name"`
	Qualifier string `json:"qualifier"`
	OtherID   string `json:"other_id"`
	NPI       string `json:"npi"`
}

// ResubmissionInfo is box 22.
type ResubmissionInfo struct {
	Code              ResubmissionCode `json:"code"`
	OriginalReference string           `json:"original_reference"`
}

type FacilityInfo struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
	NPI     string  `json:"npi"`
	OtherID string  `json:"other_id"`
}

type BillingProviderInfo struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
	Phone   string  `json:"phone"`
	NPI     string  `json:"npi"`
	OtherID string  `json:"other_id"`
}

// ServiceLine is one row of box 24.
type ServiceLine struct {
	DateFrom              string               `json:"date_from"`
	DateTo                string               `json:"date_to"`
	PlaceOfService        string               `json:"place_of_service"`
	Emergency             bool                 `json:"emergency"`
	CPTCode               string               `json:"cpt_code"`
	Modifiers             [MaxModifiers]string `json:"modifiers"`
	DiagnosisPointer      string               `json:"diagnosis_pointer"`
	Charges               decimal.Decimal      `json:"charges"`
	Units                 int                  `json:"units"`
	RenderingProviderNPI  string               `json:"rendering_provider_npi"`
	RenderingProviderName string               `json:"rendering_provider_name"`
}

// LineTotal is charges × units. Submission rejects lines without positive units.
func (l ServiceLine) LineTotal() decimal.Decimal {
	return l.Charges.Mul(decimal.NewFromInt(int64(l.Units)))
}

// ClaimFormData is the editable CMS-1500. The zero value is a valid blank form.
type ClaimFormData struct {
	InsuranceType          string                    `json:"insurance_type"`
	Payer                  PayerInfo                 `json:"payer"`
	Patient                PatientInfo               `json:"patient"`
	Insured                InsuredInfo               `json:"insured"`
	OtherInsured           OtherInsuredInfo          `json:"other_insured"`
	Condition              ConditionInfo             `json:"condition"`
	PatientSignatureOnFile bool                      `json:"patient_signature_on_file"`
	InsuredSignatureOnFile bool                      `json:"insured_signature_on_file"`
	Dates                  DatesInfo                 `json:"dates"`
	Referring              ReferringProvider         `json:"referring"`
	AdditionalClaimInfo    string                    `json:"additional_claim_info"`
	OutsideLab             bool                      `json:"outside_lab"`
	OutsideLabCharges      decimal.Decimal           `json:"outside_lab_charges"`
	ICDIndicator           string                    `json:"icd_indicator"`
	DiagnosisCodes         [MaxDiagnosisCodes]string `json:"diagnosis_codes"`
	Resubmission           ResubmissionInfo          `json:"resubmission"`
	PriorAuthorization     string                    `json:"prior_authorization"`
	ServiceLines           []ServiceLine             `json:"service_lines"`
	FederalTaxID           string                    `json:"federal_tax_id"`
	TaxIDType              string                    `json:"tax_id_type"`
	PatientAccountNumber   string                    `json:"patient_account_number"`
	AcceptAssignment       bool                      `json:"accept_assignment"`
	TotalCharge            decimal.Decimal           `json:"total_charge"`
	AmountPaid             decimal.Decimal           `json:"amount_paid"`
	PhysicianSignature     string                    `json:"physician_signature"`
	SignatureDate          string                    `json:"signature_date"`
	Facility               FacilityInfo              `json:"facility"`
	BillingProvider        BillingProviderInfo       `json:"billing_provider"`
}

// ComputeTotal sums charges × units over all service lines.
func (f *ClaimFormData) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, l := range f.ServiceLines {
		total = total.Add(l.LineTotal())
	}
	return total
}

// RecomputeTotal restores TotalCharge == Σ charges × units.
func (f *ClaimFormData) RecomputeTotal() {
	f.TotalCharge = f.ComputeTotal()
}

func (f *ClaimFormData) AddServiceLine(l ServiceLine) {
	f.ServiceLines = append(f.ServiceLines, l)
	f.RecomputeTotal()
}

func (f *ClaimFormData) SetServiceLine(i int, l ServiceLine) error {
	if i < 0 || i >= len(f.ServiceLines) {
		return fmt.Errorf("service line %d out of range (have %d)", i+1, len(f.ServiceLines))
	}
	f.ServiceLines[i] = l
	f.RecomputeTotal()
	return nil
}

func (f *ClaimFormData) RemoveServiceLine(i int) error {
	if i < 0 || i >= len(f.ServiceLines) {
		return fmt.Errorf("service line %d out of range (have %d)", i+1, len(f.ServiceLines))
	}
	f.ServiceLines = append(f.ServiceLines[:i], f.ServiceLines[i+1:]...)
	f.RecomputeTotal()
	return nil
}

// DiagnosisList returns the filled box 21 codes in slot order.
func (f *ClaimFormData) DiagnosisList() []string {
	out := []string{}
	for _, code := range f.DiagnosisCodes {
		if code != "" {
			out = append(out, code)
		}
	}
	return out
}

// SetDiagnosisCodes fills box 21 from A onward, clearing the remaining slots.
func (f *ClaimFormData) SetDiagnosisCodes(codes []string) error {
	if len(codes) > MaxDiagnosisCodes {
		return validationf("at most %d diagnosis codes fit on a claim, got %d", MaxDiagnosisCodes, len(codes))
	}
	var slots [MaxDiagnosisCodes]string
	copy(slots[:], codes)
	f.DiagnosisCodes = slots
	return nil
}

// PrimaryCPT is the first line's procedure code.
func (f *ClaimFormData) PrimaryCPT() string {
	for _, l := range f.ServiceLines {
		if l.CPTCode != "" {
			return l.CPTCode
		}
	}
	return ""
}

// DateOfService is the first line's from-date.
func (f *ClaimFormData) DateOfService() string {
	for _, l := range f.ServiceLines {
		if l.DateFrom != "" {
			return l.DateFrom
		}
	}
	return ""
}

// Clone returns a deep copy; forms are edited as copies so stored claims and
// drafts are never mutated through a shared slice.
func (f ClaimFormData) Clone() ClaimFormData {
	out := f
	if f.ServiceLines != nil {
		out.ServiceLines = make([]ServiceLine, len(f.ServiceLines))
		copy(out.ServiceLines, f.ServiceLines)
	}
	return out
}

func (f *ClaimFormData) patientSummary() PatientSummary {
	return PatientSummary{
		FirstName:   f.Patient.FirstName,
		LastName:    f.Patient.LastName,
		DateOfBirth: f.Patient.DateOfBirth,
		Sex:         f.Patient.Sex,
		Phone:       f.Patient.Phone,
		Address:     f.Patient.Address,
		MemberID:    f.Insured.ID,
	}
}
