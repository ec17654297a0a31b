package claims

import (
	"strings"

	"github.com/shopspring/decimal"
)

const unknownProvider = "Unknown Provider"

// baseForm is a blank CMS-1500 carrying only organizational constants.
func baseForm(d OrgDefaults) ClaimFormData {
	return ClaimFormData{
		InsuranceType:          d.InsuranceType,
		PatientSignatureOnFile: d.SignatureOnFile,
		InsuredSignatureOnFile: d.SignatureOnFile,
		ICDIndicator:           d.ICDIndicator,
		ServiceLines:           []ServiceLine{},
		FederalTaxID:           d.TaxID,
		TaxIDType:              d.TaxIDType,
		AcceptAssignment:       d.AcceptAssignment,
		TotalCharge:            decimal.Zero,
		AmountPaid:             decimal.Zero,
		OutsideLabCharges:      decimal.Zero,
		PhysicianSignature:     d.BillingProviderName,
		Facility: FacilityInfo{
			Name:    d.FacilityName,
			Address: d.FacilityAddress,
			NPI:     d.FacilityNPI,
		},
		BillingProvider: BillingProviderInfo{
			Name:    d.BillingProviderName,
			Address: d.BillingProviderAddress,
			Phone:   d.BillingProviderPhone,
			NPI:     d.NPI,
		},
	}
}

// NewFormFromSession builds a claim form for an unbilled session. Each box is
// resolved through the cascade: the session's own value, then the patient's
// custom fields, then the organization defaults.
func NewFormFromSession(s UnbilledSession, defaults OrgDefaults) ClaimFormData {
	d := defaults.withFallbacks()
	f := baseForm(d)
	p := s.Patient

	f.Payer.Name = firstNonEmpty(s.PayerName, p.Field(PayerNameKeys...))
	f.Payer.ID = firstNonEmpty(s.PayerID, p.Field(PayerIDKeys...))

	f.Patient.ID = s.PatientID()
	if p != nil {
		f.Patient.FirstName = p.FirstName
		f.Patient.LastName = p.LastName
		f.Patient.DateOfBirth = normalizeDate(p.DateOfBirth)
		f.Patient.Sex = normalizeSex(p.Gender)
		f.Patient.Address = p.Address
		f.Patient.Phone = p.Phone
	} else {
		f.Patient.FirstName, f.Patient.LastName = splitName(s.Appointment.Title)
	}
	f.Patient.RelationshipToInsured = firstNonEmpty(strings.ToLower(p.Field(RelationshipKeys...)), "self")
	f.PatientAccountNumber = f.Patient.ID

	f.Insured.ID = p.Field(MemberIDKeys...)
	f.Insured.GroupNumber = p.Field(GroupNumberKeys...)
	f.Insured.PlanName = firstNonEmpty(p.Field(PlanNameKeys...), f.Payer.Name)
	if name := p.Field(InsuredNameKeys...); name != "" && f.Patient.RelationshipToInsured != "self" {
		f.Insured.FirstName, f.Insured.LastName = splitName(name)
		f.Insured.DateOfBirth = normalizeDate(p.Field(InsuredDOBKeys...))
	} else {
		f.Insured.FirstName = f.Patient.FirstName
		f.Insured.LastName = f.Patient.LastName
		f.Insured.DateOfBirth = f.Patient.DateOfBirth
		f.Insured.Sex = f.Patient.Sex
	}
	f.Insured.Address = f.Patient.Address
	f.Insured.Phone = f.Patient.Phone

	f.Referring.Name = p.Field(ReferringNameKeys...)
	f.Referring.NPI = p.Field(ReferringNPIKeys...)
	if f.Referring.Name != "" {
		f.Referring.Qualifier = "DN"
	}
	f.PriorAuthorization = p.Field(PriorAuthorizationKeys...)
	_ = f.SetDiagnosisCodes(splitCodes(p.Field(DiagnosisKeys...)))

	clinician := ResolveClinician(s.ClinicianName, p)
	if clinician != unknownProvider {
		f.PhysicianSignature = clinician
	}
	charge := s.ChargeAmount
	if !charge.IsPositive() {
		charge = d.DefaultCharge
	}
	date := s.Appointment.SessionDate()
	f.AddServiceLine(ServiceLine{
		DateFrom:              date,
		DateTo:                date,
		PlaceOfService:        d.PlaceOfService,
		CPTCode:               d.DefaultCPTCode,
		DiagnosisPointer:      "A",
		Charges:               charge,
		Units:                 1,
		RenderingProviderNPI:  firstNonEmpty(s.ClinicianNPI, d.NPI),
		RenderingProviderName: clinician,
	})
	return f
}

// FormFromClaim rebuilds an editable form from a stored claim. Claims carrying a
// CMS-1500 snapshot are rehydrated box by box; legacy claims without one degrade
// to the flat claim record and the organization defaults.
func FormFromClaim(c *Claim, defaults OrgDefaults) ClaimFormData {
	if c.CMS1500Data != nil {
		return FormFromPayload(*c.CMS1500Data)
	}

	d := defaults.withFallbacks()
	f := baseForm(d)
	info := c.PatientInfo

	f.Payer.Name = c.PayerName
	f.Payer.ID = c.PayerID
	f.Patient = PatientInfo{
		ID:                    c.PatientID,
		FirstName:             info.FirstName,
		LastName:              info.LastName,
		DateOfBirth:           normalizeDate(info.DateOfBirth),
		Sex:                   normalizeSex(info.Sex),
		Address:               info.Address,
		Phone:                 info.Phone,
		RelationshipToInsured: "self",
	}
	f.Insured = InsuredInfo{
		ID:          info.MemberID,
		FirstName:   info.FirstName,
		LastName:    info.LastName,
		DateOfBirth: f.Patient.DateOfBirth,
		Sex:         f.Patient.Sex,
		Address:     info.Address,
		Phone:       info.Phone,
		PlanName:    c.PayerName,
	}
	f.PatientAccountNumber = firstNonEmpty(c.PatientControlNumber, c.PatientID)
	_ = f.SetDiagnosisCodes(truncateCodes(c.DiagnosisCodes))
	f.Resubmission = ResubmissionInfo{Code: c.ResubmissionCode}
	if c.ResubmissionOf != nil {
		f.Resubmission.OriginalReference = c.ResubmissionOf.String()
	}

	charge := c.ChargeAmount
	if !charge.IsPositive() {
		charge = d.DefaultCharge
	}
	f.AddServiceLine(ServiceLine{
		DateFrom:              normalizeDate(c.SessionDate),
		DateTo:                normalizeDate(c.SessionDate),
		PlaceOfService:        d.PlaceOfService,
		CPTCode:               firstNonEmpty(c.CPTCode, d.DefaultCPTCode),
		DiagnosisPointer:      "A",
		Charges:               charge,
		Units:                 1,
		RenderingProviderNPI:  d.NPI,
		RenderingProviderName: d.BillingProviderName,
	})
	if c.PaidAmount != nil {
		f.AmountPaid = *c.PaidAmount
	}
	return f
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func splitCodes(s string) []string {
	var out []string
	for _, c := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		out = append(out, strings.ToUpper(c))
	}
	return truncateCodes(out)
}

func truncateCodes(codes []string) []string {
	if len(codes) > MaxDiagnosisCodes {
		return codes[:MaxDiagnosisCodes]
	}
	return codes
}

// normalizeSex maps free-text gender onto the box 3/11a check boxes.
func normalizeSex(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "m", "male":
		return "M"
	case "f", "female":
		return "F"
	}
	return ""
}

// normalizeDate keeps the YYYY-MM-DD prefix of timestamps the CRM sends.
func normalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) && s[len(dateLayout)] == 'T' {
		return s[:len(dateLayout)]
	}
	return s
}
