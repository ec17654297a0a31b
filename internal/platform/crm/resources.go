package crm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/ehr/claimsdesk/internal/domain/claims"
)

type appointmentDTO struct {
	ID                string    `json:"id"`
	ContactID         string    `json:"contactId"`
	LocationID        string    `json:"locationId"`
	Title             string    `json:"title"`
	AppointmentStatus string    `json:"appointmentStatus"`
	AssignedUserID    string    `json:"assignedUserId"`
	StartTime         time.Time `json:"startTime"`
	EndTime           time.Time `json:"endTime"`
}

func (a appointmentDTO) toDomain() claims.Appointment {
	return claims.Appointment{
		ID:             a.ID,
		ContactID:      a.ContactID,
		LocationID:     a.LocationID,
		Title:          a.Title,
		Status:         a.AppointmentStatus,
		AssignedUserID: a.AssignedUserID,
		StartTime:      a.StartTime,
		EndTime:        a.EndTime,
	}
}

// ListAppointments returns the location's appointments starting in [from, to].
func (c *Client) ListAppointments(ctx context.Context, locationID string, from, to time.Time) ([]claims.Appointment, error) {
	var body struct {
		Appointments []appointmentDTO `json:"appointments"`
	}
	q := url.Values{
		"locationId": {locationID},
		"startTime":  {from.UTC().Format(time.RFC3339)},
		"endTime":    {to.UTC().Format(time.RFC3339)},
	}
	if err := c.get(ctx, "/appointments", q, &body); err != nil {
		return nil, err
	}
	out := make([]claims.Appointment, 0, len(body.Appointments))
	for _, a := range body.Appointments {
		out = append(out, a.toDomain())
	}
	return out, nil
}

// customFieldValue flattens the CRM's loosely typed field values to text.
type customFieldValue string

func (v *customFieldValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = customFieldValue(s)
		return nil
	}
	var list []interface{}
	if err := json.Unmarshal(b, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, fmt.Sprint(item))
		}
		*v = customFieldValue(strings.Join(parts, ", "))
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	*v = customFieldValue(strings.Trim(string(b), `"`))
	return nil
}

type contactDTO struct {
	ID           string `json:"id"`
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	DateOfBirth  string `json:"dateOfBirth"`
	Gender       string `json:"gender"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	Address1     string `json:"address1"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	CustomFields []struct {
		ID       string           `json:"id"`
		Key      string           `json:"key"`
		FieldKey string           `json:"fieldKey"`
		Value    customFieldValue `json:"value"`
	} `json:"customFields"`
}

func (d contactDTO) toDomain() *claims.Patient {
	p := &claims.Patient{
		ID:          d.ID,
		FirstName:   d.FirstName,
		LastName:    d.LastName,
		DateOfBirth: d.DateOfBirth,
		Gender:      d.Gender,
		Phone:       d.Phone,
		Email:       d.Email,
		Address: claims.Address{
			Street: d.Address1,
			City:   d.City,
			State:  d.State,
			Zip:    d.PostalCode,
		},
	}
	for _, f := range d.CustomFields {
		p.CustomFields = append(p.CustomFields, claims.CustomField{
			ID:       f.ID,
			Key:      f.Key,
			FieldKey: f.FieldKey,
			Value:    string(f.Value),
		})
	}
	return p
}

func (c *Client) GetPatient(ctx context.Context, id string) (*claims.Patient, error) {
	var body struct {
		Contact contactDTO `json:"contact"`
	}
	if err := c.get(ctx, "/contacts/"+url.PathEscape(id), nil, &body); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("contact %s: %w", id, claims.ErrNotFound)
		}
		return nil, err
	}
	if body.Contact.ID == "" {
		body.Contact.ID = id
	}
	return body.Contact.toDomain(), nil
}

type userDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	NPI       string `json:"npi"`
}

func (c *Client) ListUsers(ctx context.Context, locationID string) ([]claims.User, error) {
	var body struct {
		Users []userDTO `json:"users"`
	}
	if err := c.get(ctx, "/users", url.Values{"locationId": {locationID}}, &body); err != nil {
		return nil, err
	}
	out := make([]claims.User, 0, len(body.Users))
	for _, u := range body.Users {
		out = append(out, claims.User{ID: u.ID, Name: u.Name, FirstName: u.FirstName, LastName: u.LastName, NPI: u.NPI})
	}
	return out, nil
}

type invoiceDTO struct {
	ID            string          `json:"id"`
	LegacyID      string          `json:"_id"`
	ContactID     string          `json:"contactId"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Status        string          `json:"status"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
}

// ListInvoices returns the patient's invoices in the order the CRM lists them.
func (c *Client) ListInvoices(ctx context.Context, patientID string) ([]claims.Invoice, error) {
	var body struct {
		Invoices []invoiceDTO `json:"invoices"`
	}
	if err := c.get(ctx, "/invoices", url.Values{"contactId": {patientID}}, &body); err != nil {
		return nil, err
	}
	out := make([]claims.Invoice, 0, len(body.Invoices))
	for _, inv := range body.Invoices {
		id := inv.ID
		if id == "" {
			id = inv.LegacyID
		}
		out = append(out, claims.Invoice{
			ID:         id,
			PatientID:  firstNonEmpty(inv.ContactID, patientID),
			Number:     inv.InvoiceNumber,
			Status:     inv.Status,
			Total:      inv.Total,
			AmountPaid: inv.AmountPaid,
		})
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Ping checks that the CRM answers with the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListUsers(ctx, c.locationID)
	return err
}
