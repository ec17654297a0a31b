package claims

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateField carries a date in both ISO (YYYY-MM-DD) and compact (YYYYMMDD) form.
type DateField struct {
	ISO     string `json:"iso"`
	Compact string `json:"compact"`
}

func newDateField(iso string) DateField {
	return DateField{ISO: iso, Compact: strings.ReplaceAll(iso, "-", "")}
}

type PayerBox struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
}

type PatientBox struct {
	ID                    string    `json:"id"`
	LastName              string    `json:"last_name"`
	FirstName             string    `json:"first_name"`
	MiddleInitial         string    `json:"middle_initial"`
	DateOfBirth           DateField `json:"date_of_birth"`
	Sex                   string    `json:"sex"`
	Address               Address   `json:"address"`
	Phone                 string    `json:"phone"`
	RelationshipToInsured string    `json:"relationship_to_insured"`
	AccountNumber         string    `json:"account_number"`
	SignatureOnFile       bool      `json:"signature_on_file"`
}

type InsuredBox struct {
	ID              string    `json:"id"`
	LastName        string    `json:"last_name"`
	FirstName       string    `json:"first_name"`
	MiddleInitial   string    `json:"middle_initial"`
	Address         Address   `json:"address"`
	Phone           string    `json:"phone"`
	GroupNumber     string    `json:"group_number"`
	DateOfBirth     DateField `json:"date_of_birth"`
	Sex             string    `json:"sex"`
	OtherClaimID    string    `json:"other_claim_id"`
	PlanName        string    `json:"plan_name"`
	HasOtherPlan    bool      `json:"has_other_plan"`
	SignatureOnFile bool      `json:"signature_on_file"`
}

type OtherInsuredBox struct {
	Name         string `json:"name"`
	PolicyNumber string `json:"policy_number"`
	PlanName     string `json:"plan_name"`
}

type ConditionBox struct {
	EmploymentRelated bool   `json:"employment_related"`
	AutoAccident      bool   `json:"auto_accident"`
	AutoAccidentState string `json:"auto_accident_state"`
	OtherAccident     bool   `json:"other_accident"`
	ClaimCodes        string `json:"claim_codes"`
}

type DatesBox struct {
	CurrentIllness          DateField `json:"current_illness"`
	CurrentIllnessQualifier string    `json:"current_illness_qualifier"`
	OtherDate               DateField `json:"other_date"`
	OtherDateQualifier      string    `json:"other_date_qualifier"`
	UnableToWorkFrom        DateField `json:"unable_to_work_from"`
	UnableToWorkTo          DateField `json:"unable_to_work_to"`
	HospitalizedFrom        DateField `json:"hospitalized_from"`
	HospitalizedTo          DateField `json:"hospitalized_to"`
}

type ReferringBox struct {
	Name      string `json:"name"`
	Qualifier string `json:"qualifier"`
	OtherID   string `json:"other_id"`
	NPI       string `json:"npi"`
}

type OutsideLabBox struct {
	Used    bool            `json:"used"`
	Charges decimal.Decimal `json:"charges"`
}

type DiagnosisCode struct {
	Letter string `json:"letter"`
	Code   string `json:"code"`
}

type DiagnosisBox struct {
	ICDIndicator string          `json:"icd_indicator"`
	Codes        []DiagnosisCode `json:"codes"`
}

type ResubmissionBox struct {
	Code              string `json:"code"`
	OriginalReference string `json:"original_reference"`
}

type ServiceLineBox struct {
	DateFrom              DateField       `json:"date_from"`
	DateTo                DateField       `json:"date_to"`
	PlaceOfService        string          `json:"place_of_service"`
	Emergency             bool            `json:"emergency"`
	CPTCode               string          `json:"cpt_code"`
	Modifiers             []string        `json:"modifiers"`
	DiagnosisPointer      string          `json:"diagnosis_pointer"`
	Charges               decimal.Decimal `json:"charges"`
	Units                 int             `json:"units"`
	LineTotal             decimal.Decimal `json:"line_total"`
	RenderingProviderNPI  string          `json:"rendering_provider_npi"`
	RenderingProviderName string          `json:"rendering_provider_name"`
}

type TaxIDBox struct {
	Number string `json:"number"`
	Type   string `json:"type"`
}

type TotalsBox struct {
	TotalCharge decimal.Decimal `json:"total_charge"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	BalanceDue  decimal.Decimal `json:"balance_due"`
}

type SignatureBox struct {
	Physician  string    `json:"physician"`
	SignedDate DateField `json:"signed_date"`
}

type RenderingProviderBox struct {
	Name string `json:"name"`
	NPI  string `json:"npi"`
}

type FacilityBox struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
	NPI     string  `json:"npi"`
	OtherID string  `json:"other_id"`
}

type BillingProviderBox struct {
	Name    string  `json:"name"`
	Address Address `json:"address"`
	Phone   string  `json:"phone"`
	NPI     string  `json:"npi"`
	OtherID string  `json:"other_id"`
}

// SubmissionPayload is the canonical CMS-1500 sent to the claim API and kept on
// the claim as its authoritative snapshot. Every box group is always present.
type SubmissionPayload struct {
	InsuranceType       string               `json:"insurance_type"`
	Payer               PayerBox             `json:"payer"`
	Patient             PatientBox           `json:"patient"`
	Insured             InsuredBox           `json:"insured"`
	OtherInsured        OtherInsuredBox      `json:"other_insured"`
	Condition           ConditionBox         `json:"condition"`
	Dates               DatesBox             `json:"dates"`
	ReferringProvider   ReferringBox         `json:"referring_provider"`
	AdditionalClaimInfo string               `json:"additional_claim_info"`
	OutsideLab          OutsideLabBox        `json:"outside_lab"`
	Diagnosis           DiagnosisBox         `json:"diagnosis"`
	Resubmission        ResubmissionBox      `json:"resubmission"`
	PriorAuthorization  string               `json:"prior_authorization"`
	ServiceLines        []ServiceLineBox     `json:"service_lines"`
	FederalTaxID        TaxIDBox             `json:"federal_tax_id"`
	AcceptAssignment    bool                 `json:"accept_assignment"`
	Totals              TotalsBox            `json:"totals"`
	Signature           SignatureBox         `json:"signature"`
	RenderingProvider   RenderingProviderBox `json:"rendering_provider"`
	Facility            FacilityBox          `json:"facility"`
	BillingProvider     BillingProviderBox   `json:"billing_provider"`
}

// Map converts a claim form into its submission payload. It is a pure function:
// signedAt is the only time input and stamps box 31 when non-zero, otherwise the
// form's own signature date is kept. The total charge is always recomputed from
// the service lines; the form's cached total is ignored.
func Map(f ClaimFormData, signedAt time.Time) SubmissionPayload {
	p := SubmissionPayload{
		InsuranceType: f.InsuranceType,
		Payer: PayerBox{
			Name:     f.Payer.Name,
			ID:       f.Payer.ID,
			Address1: f.Payer.Address1,
			Address2: f.Payer.Address2,
			City:     f.Payer.City,
			State:    f.Payer.State,
			Zip:      f.Payer.Zip,
		},
		Patient: PatientBox{
			ID:                    f.Patient.ID,
			LastName:              f.Patient.LastName,
			FirstName:             f.Patient.FirstName,
			MiddleInitial:         f.Patient.MiddleInitial,
			DateOfBirth:           newDateField(f.Patient.DateOfBirth),
			Sex:                   f.Patient.Sex,
			Address:               f.Patient.Address,
			Phone:                 f.Patient.Phone,
			RelationshipToInsured: f.Patient.RelationshipToInsured,
			AccountNumber:         f.PatientAccountNumber,
			SignatureOnFile:       f.PatientSignatureOnFile,
		},
		Insured: InsuredBox{
			ID:              f.Insured.ID,
			LastName:        f.Insured.LastName,
			FirstName:       f.Insured.FirstName,
			MiddleInitial:   f.Insured.MiddleInitial,
			Address:         f.Insured.Address,
			Phone:           f.Insured.Phone,
			GroupNumber:     f.Insured.GroupNumber,
			DateOfBirth:     newDateField(f.Insured.DateOfBirth),
			Sex:             f.Insured.Sex,
			OtherClaimID:    f.Insured.OtherClaimID,
			PlanName:        f.Insured.PlanName,
			HasOtherPlan:    f.Insured.HasOtherPlan,
			SignatureOnFile: f.InsuredSignatureOnFile,
		},
		OtherInsured: OtherInsuredBox(f.OtherInsured),
		Condition:    ConditionBox(f.Condition),
		Dates: DatesBox{
			CurrentIllness:          newDateField(f.Dates.CurrentIllness),
			CurrentIllnessQualifier: f.Dates.CurrentIllnessQualifier,
			OtherDate:               newDateField(f.Dates.OtherDate),
			OtherDateQualifier:      f.Dates.OtherDateQualifier,
			UnableToWorkFrom:        newDateField(f.Dates.UnableToWorkFrom),
			UnableToWorkTo:          newDateField(f.Dates.UnableToWorkTo),
			HospitalizedFrom:        newDateField(f.Dates.HospitalizedFrom),
			HospitalizedTo:          newDateField(f.Dates.HospitalizedTo),
		},
		ReferringProvider:   ReferringBox(f.Referring),
		AdditionalClaimInfo: f.AdditionalClaimInfo,
		OutsideLab:          OutsideLabBox{Used: f.OutsideLab, Charges: f.OutsideLabCharges},
		Diagnosis:           DiagnosisBox{ICDIndicator: f.ICDIndicator, Codes: make([]DiagnosisCode, MaxDiagnosisCodes)},
		Resubmission: ResubmissionBox{
			Code:              string(f.Resubmission.Code),
			OriginalReference: f.Resubmission.OriginalReference,
		},
		PriorAuthorization: f.PriorAuthorization,
		ServiceLines:       make([]ServiceLineBox, 0, len(f.ServiceLines)),
		FederalTaxID:       TaxIDBox{Number: f.FederalTaxID, Type: f.TaxIDType},
		AcceptAssignment:   f.AcceptAssignment,
		Facility: FacilityBox{
			Name:    f.Facility.Name,
			Address: f.Facility.Address,
			NPI:     f.Facility.NPI,
			OtherID: f.Facility.OtherID,
		},
		BillingProvider: BillingProviderBox{
			Name:    f.BillingProvider.Name,
			Address: f.BillingProvider.Address,
			Phone:   f.BillingProvider.Phone,
			NPI:     f.BillingProvider.NPI,
			OtherID: f.BillingProvider.OtherID,
		},
	}

	for i, letter := range DiagnosisLetters {
		p.Diagnosis.Codes[i] = DiagnosisCode{Letter: letter, Code: f.DiagnosisCodes[i]}
	}

	var first ServiceLine
	if len(f.ServiceLines) > 0 {
		first = f.ServiceLines[0]
	}
	total := decimal.Zero
	for _, l := range f.ServiceLines {
		lineTotal := l.LineTotal()
		total = total.Add(lineTotal)
		p.ServiceLines = append(p.ServiceLines, ServiceLineBox{
			DateFrom:              newDateField(l.DateFrom),
			DateTo:                newDateField(firstNonEmpty(l.DateTo, l.DateFrom)),
			PlaceOfService:        l.PlaceOfService,
			Emergency:             l.Emergency,
			CPTCode:               l.CPTCode,
			Modifiers:             append([]string{}, l.Modifiers[:]...),
			DiagnosisPointer:      l.DiagnosisPointer,
			Charges:               l.Charges,
			Units:                 l.Units,
			LineTotal:             lineTotal,
			RenderingProviderNPI:  firstNonEmpty(l.RenderingProviderNPI, first.RenderingProviderNPI),
			RenderingProviderName: firstNonEmpty(l.RenderingProviderName, first.RenderingProviderName),
		})
	}
	p.RenderingProvider = RenderingProviderBox{Name: first.RenderingProviderName, NPI: first.RenderingProviderNPI}

	p.Totals = TotalsBox{
		TotalCharge: total,
		AmountPaid:  f.AmountPaid,
		BalanceDue:  total.Sub(f.AmountPaid),
	}

	signed := f.SignatureDate
	if !signedAt.IsZero() {
		signed = signedAt.Format(dateLayout)
	}
	p.Signature = SignatureBox{Physician: f.PhysicianSignature, SignedDate: newDateField(signed)}
	return p
}

// FormFromPayload is the inverse of Map, used to reopen a stored claim for edit.
func FormFromPayload(p SubmissionPayload) ClaimFormData {
	f := ClaimFormData{
		InsuranceType: p.InsuranceType,
		Payer: PayerInfo{
			Name:     p.Payer.Name,
			ID:       p.Payer.ID,
			Address1: p.Payer.Address1,
			Address2: p.Payer.Address2,
			City:     p.Payer.City,
			State:    p.Payer.State,
			Zip:      p.Payer.Zip,
		},
		Patient: PatientInfo{
			ID:                    p.Patient.ID,
			LastName:              p.Patient.LastName,
			FirstName:             p.Patient.FirstName,
			MiddleInitial:         p.Patient.MiddleInitial,
			DateOfBirth:           p.Patient.DateOfBirth.ISO,
			Sex:                   p.Patient.Sex,
			Address:               p.Patient.Address,
			Phone:                 p.Patient.Phone,
			RelationshipToInsured: p.Patient.RelationshipToInsured,
		},
		Insured: InsuredInfo{
			ID:            p.Insured.ID,
			LastName:      p.Insured.LastName,
			FirstName:     p.Insured.FirstName,
			MiddleInitial: p.Insured.MiddleInitial,
			Address:       p.Insured.Address,
			Phone:         p.Insured.Phone,
			GroupNumber:   p.Insured.GroupNumber,
			DateOfBirth:   p.Insured.DateOfBirth.ISO,
			Sex:           p.Insured.Sex,
			OtherClaimID:  p.Insured.OtherClaimID,
			PlanName:      p.Insured.PlanName,
			HasOtherPlan:  p.Insured.HasOtherPlan,
		},
		OtherInsured:           OtherInsuredInfo(p.OtherInsured),
		Condition:              ConditionInfo(p.Condition),
		PatientSignatureOnFile: p.Patient.SignatureOnFile,
		InsuredSignatureOnFile: p.Insured.SignatureOnFile,
		Dates: DatesInfo{
			CurrentIllness:          p.Dates.CurrentIllness.ISO,
			CurrentIllnessQualifier: p.Dates.CurrentIllnessQualifier,
			OtherDate:               p.Dates.OtherDate.ISO,
			OtherDateQualifier:      p.Dates.OtherDateQualifier,
			UnableToWorkFrom:        p.Dates.UnableToWorkFrom.ISO,
			UnableToWorkTo:          p.Dates.UnableToWorkTo.ISO,
			HospitalizedFrom:        p.Dates.HospitalizedFrom.ISO,
			HospitalizedTo:          p.Dates.HospitalizedTo.ISO,
		},
		Referring:           ReferringProvider(p.ReferringProvider),
		AdditionalClaimInfo: p.AdditionalClaimInfo,
		OutsideLab:          p.OutsideLab.Used,
		OutsideLabCharges:   p.OutsideLab.Charges,
		ICDIndicator:        p.Diagnosis.ICDIndicator,
		Resubmission: ResubmissionInfo{
			Code:              ResubmissionCode(p.Resubmission.Code),
			OriginalReference: p.Resubmission.OriginalReference,
		},
		PriorAuthorization:   p.PriorAuthorization,
		ServiceLines:         make([]ServiceLine, 0, len(p.ServiceLines)),
		FederalTaxID:         p.FederalTaxID.Number,
		TaxIDType:            p.FederalTaxID.Type,
		PatientAccountNumber: p.Patient.AccountNumber,
		AcceptAssignment:     p.AcceptAssignment,
		AmountPaid:           p.Totals.AmountPaid,
		PhysicianSignature:   p.Signature.Physician,
		SignatureDate:        p.Signature.SignedDate.ISO,
		Facility: FacilityInfo{
			Name:    p.Facility.Name,
			Address: p.Facility.Address,
			NPI:     p.Facility.NPI,
			OtherID: p.Facility.OtherID,
		},
		BillingProvider: BillingProviderInfo{
			Name:    p.BillingProvider.Name,
			Address: p.BillingProvider.Address,
			Phone:   p.BillingProvider.Phone,
			NPI:     p.BillingProvider.NPI,
			OtherID: p.BillingProvider.OtherID,
		},
	}
	for _, dc := range p.Diagnosis.Codes {
		if i := diagnosisSlot(dc.Letter); i >= 0 {
			f.DiagnosisCodes[i] = dc.Code
		}
	}
	for _, l := range p.ServiceLines {
		line := ServiceLine{
			DateFrom:              l.DateFrom.ISO,
			DateTo:                l.DateTo.ISO,
			PlaceOfService:        l.PlaceOfService,
			Emergency:             l.Emergency,
			CPTCode:               l.CPTCode,
			DiagnosisPointer:      l.DiagnosisPointer,
			Charges:               l.Charges,
			Units:                 l.Units,
			RenderingProviderNPI:  l.RenderingProviderNPI,
			RenderingProviderName: l.RenderingProviderName,
		}
		copy(line.Modifiers[:], l.Modifiers)
		f.ServiceLines = append(f.ServiceLines, line)
	}
	f.RecomputeTotal()
	return f
}

// ValidateForSubmission checks the boxes a payer rejects outright. Each failure
// names the specific problem.
func ValidateForSubmission(f ClaimFormData) error {
	if strings.TrimSpace(f.Patient.ID) == "" {
		return validationf("patient id is required")
	}
	if strings.TrimSpace(f.Payer.Name) == "" {
		return validationf("payer is required; no insurance carrier on file for this patient")
	}
	if len(f.ServiceLines) == 0 {
		return validationf("at least one service line is required")
	}
	if f.DateOfService() == "" {
		return validationf("no date of service selected")
	}
	for i, l := range f.ServiceLines {
		if l.DateFrom != "" {
			if _, err := time.Parse(dateLayout, l.DateFrom); err != nil {
				return validationf("service line %d: date of service %q is not YYYY-MM-DD", i+1, l.DateFrom)
			}
		}
		if strings.TrimSpace(l.CPTCode) == "" {
			return validationf("service line %d: CPT code is required", i+1)
		}
		if l.Units <= 0 {
			return validationf("service line %d: units must be at least 1", i+1)
		}
		if l.Charges.IsNegative() {
			return validationf("service line %d: charges cannot be negative", i+1)
		}
	}
	return nil
}

func diagnosisSlot(letter string) int {
	for i, l := range DiagnosisLetters {
		if l == letter {
			return i
		}
	}
	return -1
}
