package model

import (
	"time"

	"github.com/google/uuid"
)

// Provider is a verified healthcare provider keyed by its NPI number.
type Provider struct {
	ID                  uuid.UUID      `json:"id"`
	NPINumber           string         `json:"npi_number"`
	FirstName           string         `json:"first_name,omitempty"`
	LastName            string         `json:"last_name,omitempty"`
	OrganizationName    string         `json:"organization_name,omitempty"`
	TaxonomyCode        string         `json:"taxonomy_code,omitempty"`
	TaxonomyDescription string         `json:"taxonomy_description,omitempty"`
	AddressLine1        string         `json:"address_line1,omitempty"`
	AddressLine2        string         `json:"address_line2,omitempty"`
	City                string         `json:"city,omitempty"`
	State               string         `json:"state,omitempty"`
	PostalCode          string         `json:"postal_code,omitempty"`
	Country             string         `json:"country,omitempty"`
	Phone               string         `json:"phone,omitempty"`
	Latitude            *float64       `json:"latitude,omitempty"`
	Longitude           *float64       `json:"longitude,omitempty"`
	RawData             map[string]any `json:"raw_data,omitempty"`
	IntegrityHash       string         `json:"integrity_hash"`
	LastVerified        time.Time      `json:"last_verified"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DisplayName returns the individual's name or, failing that, the organization.
func (p Provider) DisplayName() string {
	switch {
	case p.FirstName != "" || p.LastName != "":
		if p.FirstName == "" {
			return p.LastName
		}
		if p.LastName == "" {
			return p.FirstName
		}
		return p.FirstName + " " + p.LastName
	default:
		return p.OrganizationName
	}
}

// HasAddress reports whether there is enough address data to geocode.
func (p Provider) HasAddress() bool {
	return p.AddressLine1 != ""
}
