package clinical

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstore/internal/platform/fhir"
)

// LOINC codes for the blood pressure panel and its components.
const (
	LOINCBloodPressurePanel = "85354-9"
	LOINCSystolic           = "8480-6"
	LOINCDiastolic          = "8462-4"
)

const (
	ObservationStatusFinal = "final"

	UnitMmHg     = "mmHg"
	UCUMCodeMmHg = "mm[Hg]"
)

// NewBloodPressureObservation builds a blood pressure panel with systolic and
// diastolic components in mmHg. Callers validate the values first.
func NewBloodPressureObservation(systolic, diastolic float64, patientID string, now time.Time) *Observation {
	return &Observation{
		ResourceType: ResourceTypeObservation,
		ID:           uuid.New().String(),
		Status:       ObservationStatusFinal,
		Code: fhir.Coding{
			System:  fhir.SystemLOINC,
			Code:    LOINCBloodPressurePanel,
			Display: "Blood pressure panel",
		},
		Subject: fhir.Reference{
			Reference: fhir.FormatReference(ResourceTypePatient, patientID),
		},
		EffectiveDateTime: now.UTC(),
		Component: []Component{
			{
				Code: fhir.Coding{
					System:  fhir.SystemLOINC,
					Code:    LOINCSystolic,
					Display: "Systolic blood pressure",
				},
				ValueQuantity: fhir.UCUMQuantity(systolic, UnitMmHg, UCUMCodeMmHg),
			},
			{
				Code: fhir.Coding{
					System:  fhir.SystemLOINC,
					Code:    LOINCDiastolic,
					Display: "Diastolic blood pressure",
				},
				ValueQuantity: fhir.UCUMQuantity(diastolic, UnitMmHg, UCUMCodeMmHg),
			},
		},
	}
}

// BloodPressureValues extracts the systolic and diastolic readings from a
// blood pressure panel.
func (o *Observation) BloodPressureValues() (systolic, diastolic float64, ok bool) {
	if o.Code.Code != LOINCBloodPressurePanel {
		return 0, 0, false
	}
	s, okS := o.ComponentValue(LOINCSystolic)
	d, okD := o.ComponentValue(LOINCDiastolic)
	if !okS || !okD {
		return 0, 0, false
	}
	return s.Value, d.Value, true
}
