package clinical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ehr/medstore/internal/platform/fhir"
)

const (
	ResourceTypePatient           = "Patient"
	ResourceTypeObservation       = "Observation"
	ResourceTypeMedicationRequest = "MedicationRequest"
)

// BirthDateLayout is the calendar date layout accepted for Patient.birthDate.
const BirthDateLayout = "2006-01-02"

var (
	ErrInvalidPatient = errors.New("invalid patient")
	ErrInvalidDose    = errors.New("invalid dose")
)

// validGenders follows the FHIR AdministrativeGender value set.
var validGenders = map[string]bool{
	"male": true, "female": true, "other": true, "unknown": true,
}

// Resource is a single clinical fact stored in a Bundle entry.
type Resource interface {
	ResourceKind() string
	ResourceID() string
}

// Patient is the root resource of every bundle.
type Patient struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id"`
	Identifier   []fhir.Identifier `json:"identifier,omitempty"`
	Name         []fhir.HumanName  `json:"name"`
	Gender       string            `json:"gender"`
	BirthDate    string            `json:"birthDate"`
}

func (p *Patient) ResourceKind() string { return ResourceTypePatient }
func (p *Patient) ResourceID() string   { return p.ID }

// DisplayName joins the first recorded name as "given... family".
func (p *Patient) DisplayName() string {
	if len(p.Name) == 0 {
		return ""
	}
	n := p.Name[0]
	parts := append([]string{}, n.Given...)
	if n.Family != "" {
		parts = append(parts, n.Family)
	}
	return strings.Join(parts, " ")
}

// Age returns the patient's age in whole years at the given instant, or -1
// when the birth date cannot be parsed.
func (p *Patient) Age(at time.Time) int {
	born, err := time.Parse(BirthDateLayout, p.BirthDate)
	if err != nil {
		return -1
	}
	years := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		years--
	}
	return years
}

// NewPatient builds a Patient resource. Names are NFC-normalized so that the
// same visible name always serializes, and therefore hashes, identically.
func NewPatient(id, given, family, gender, birthDate string) (*Patient, error) {
	given = norm.NFC.String(strings.TrimSpace(given))
	family = norm.NFC.String(strings.TrimSpace(family))
	gender = strings.ToLower(strings.TrimSpace(gender))

	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidPatient)
	}
	if given == "" {
		return nil, fmt.Errorf("%w: given name is required", ErrInvalidPatient)
	}
	if !validGenders[gender] {
		return nil, fmt.Errorf("%w: gender %q must be one of male, female, other, unknown", ErrInvalidPatient, gender)
	}
	if _, err := time.Parse(BirthDateLayout, birthDate); err != nil {
		return nil, fmt.Errorf("%w: birth date %q must be YYYY-MM-DD", ErrInvalidPatient, birthDate)
	}

	return &Patient{
		ResourceType: ResourceTypePatient,
		ID:           id,
		Identifier: []fhir.Identifier{
			{System: fhir.SystemPatientIDs, Value: id},
		},
		Name: []fhir.HumanName{
			{Given: []string{given}, Family: family},
		},
		Gender:    gender,
		BirthDate: birthDate,
	}, nil
}

// Component is one named part of a composite observation.
type Component struct {
	Code          fhir.Coding   `json:"code"`
	ValueQuantity fhir.Quantity `json:"valueQuantity"`
}

// Observation carries either a single ValueQuantity or a set of Components.
type Observation struct {
	ResourceType      string         `json:"resourceType"`
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	Code              fhir.Coding    `json:"code"`
	Subject           fhir.Reference `json:"subject"`
	EffectiveDateTime time.Time      `json:"effectiveDateTime"`
	ValueQuantity     *fhir.Quantity `json:"valueQuantity,omitempty"`
	Component         []Component    `json:"component,omitempty"`
}

func (o *Observation) ResourceKind() string { return ResourceTypeObservation }
func (o *Observation) ResourceID() string   { return o.ID }

// ComponentValue returns the quantity of the component with the given code.
func (o *Observation) ComponentValue(code string) (fhir.Quantity, bool) {
	for _, c := range o.Component {
		if c.Code.Code == code {
			return c.ValueQuantity, true
		}
	}
	return fhir.Quantity{}, false
}

// MedicationRequest is a medication order for the bundle's patient.
type MedicationRequest struct {
	ResourceType              string              `json:"resourceType"`
	ID                        string              `json:"id"`
	Status                    string              `json:"status"`
	Intent                    string              `json:"intent"`
	MedicationCodeableConcept fhir.Coding         `json:"medicationCodeableConcept"`
	Subject                   fhir.Reference      `json:"subject"`
	AuthoredOn                time.Time           `json:"authoredOn"`
	DosageInstruction         []DosageInstruction `json:"dosageInstruction"`
}

func (m *MedicationRequest) ResourceKind() string { return ResourceTypeMedicationRequest }
func (m *MedicationRequest) ResourceID() string   { return m.ID }

type DosageInstruction struct {
	Text        string        `json:"text"`
	Timing      Timing        `json:"timing"`
	DoseAndRate []DoseAndRate `json:"doseAndRate"`
}

type Timing struct {
	Repeat *Repeat `json:"repeat,omitempty"`
}

type Repeat struct {
	Frequency  *int     `json:"frequency,omitempty"`
	Period     *float64 `json:"period,omitempty"`
	PeriodUnit string   `json:"periodUnit,omitempty"`
}

type DoseAndRate struct {
	DoseQuantity *fhir.Quantity `json:"doseQuantity,omitempty"`
}
