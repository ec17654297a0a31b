package claims

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrgDefaults holds the organization-level constants that fill any CMS-1500 box
// the session and the patient record leave empty. Loaded from configuration so
// each deployment bills under its own identity.
type OrgDefaults struct {
	BillingProviderName    string
	BillingProviderAddress Address
	BillingProviderPhone   string
	NPI                    string
	TaxID                  string
	TaxIDType              string
	FacilityName           string
	FacilityAddress        Address
	FacilityNPI            string
	DefaultCPTCode         string
	DefaultCharge          decimal.Decimal
	PlaceOfService         string
	InsuranceType          string
	ICDIndicator           string
	SessionLength          time.Duration
	AcceptAssignment       bool
	SignatureOnFile        bool
}

// DefaultOrgDefaults returns the built-in values used when configuration leaves
// a constant unset.
func DefaultOrgDefaults() OrgDefaults {
	return OrgDefaults{
		BillingProviderName: "Behavioral Health Group",
		TaxIDType:           "EIN",
		DefaultCPTCode:      "90837",
		DefaultCharge:       decimal.NewFromInt(150),
		PlaceOfService:      "11",
		InsuranceType:       "group",
		ICDIndicator:        "0",
		SessionLength:       60 * time.Minute,
		AcceptAssignment:    true,
		SignatureOnFile:     true,
	}
}

// withFallbacks fills unset values from DefaultOrgDefaults.
func (d OrgDefaults) withFallbacks() OrgDefaults {
	def := DefaultOrgDefaults()
	if d.BillingProviderName == "" {
		d.BillingProviderName = def.BillingProviderName
	}
	if d.TaxIDType == "" {
		d.TaxIDType = def.TaxIDType
	}
	if d.DefaultCPTCode == "" {
		d.DefaultCPTCode = def.DefaultCPTCode
	}
	if !d.DefaultCharge.IsPositive() {
		d.DefaultCharge = def.DefaultCharge
	}
	if d.PlaceOfService == "" {
		d.PlaceOfService = def.PlaceOfService
	}
	if d.InsuranceType == "" {
		d.InsuranceType = def.InsuranceType
	}
	if d.ICDIndicator == "" {
		d.ICDIndicator = def.ICDIndicator
	}
	if d.SessionLength <= 0 {
		d.SessionLength = def.SessionLength
	}
	if d.FacilityName == "" {
		d.FacilityName = d.BillingProviderName
		d.FacilityAddress = d.BillingProviderAddress
	}
	if d.FacilityNPI == "" {
		d.FacilityNPI = d.NPI
	}
	return d
}
