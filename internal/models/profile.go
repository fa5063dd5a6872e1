package models

import (
	"github.com/go-playground/validator/v10"
)

// ModelProfile describes how one extraction model's output is summarized
// and named. Profiles are loaded from the models.yaml registry; the packager
// consults Columns/DenyList, the post-processor consults the naming fields.
type ModelProfile struct {
	// ModelID is the opaque handle the extraction provider accepts.
	ModelID string `yaml:"model_id" json:"model_id" validate:"required"`

	DisplayName string `yaml:"display_name" json:"display_name"`

	// Columns is the fixed, ordered allow-list of summary table columns.
	Columns []string `yaml:"columns" json:"columns" validate:"required,min=1"`

	// DenyList removes sensitive fields from summaries even when the
	// provider returns them.
	DenyList []string `yaml:"deny_list" json:"deny_list"`

	// NamingTemplate drives the canonical filename, e.g.
	// "{company}_{ticket}_{date}".
	NamingTemplate string `yaml:"naming_template" json:"naming_template" validate:"required"`

	// CompanyFields/TicketFields/DateFields are the candidate extracted
	// field names probed in order for each template placeholder.
	CompanyFields []string `yaml:"company_fields" json:"company_fields" validate:"required,min=1"`
	TicketFields  []string `yaml:"ticket_fields" json:"ticket_fields" validate:"required,min=1"`
	DateFields    []string `yaml:"date_fields" json:"date_fields" validate:"required,min=1"`
}

// Validate checks the profile against its schema constraints.
func (p *ModelProfile) Validate() error {
	validate := validator.New()
	return validate.Struct(p)
}

// Denied reports whether a field is on the profile's deny-list.
func (p *ModelProfile) Denied(field string) bool {
	for _, d := range p.DenyList {
		if d == field {
			return true
		}
	}
	return false
}
