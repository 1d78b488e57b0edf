package clinical

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/medstore/internal/platform/fhir"
)

const (
	MedicationStatusActive = "active"
	MedicationIntentOrder  = "order"

	// MedicationPlaceholderCode stands in until names are mapped to RxNorm.
	MedicationPlaceholderCode = "1234"

	UnitMilligram = "mg"
)

// NewMedicationRequest builds an active order with a single dosage
// instruction. The dose must be a finite positive number of milligrams.
func NewMedicationRequest(patientID, medication string, doseMg float64, frequency string, now time.Time) (*MedicationRequest, error) {
	if math.IsNaN(doseMg) || math.IsInf(doseMg, 0) || doseMg <= 0 {
		return nil, fmt.Errorf("%w: %v mg must be a positive amount", ErrInvalidDose, doseMg)
	}
	medication = strings.TrimSpace(medication)
	frequency = strings.TrimSpace(frequency)

	dose := fhir.UCUMQuantity(doseMg, UnitMilligram, UnitMilligram)
	return &MedicationRequest{
		ResourceType: ResourceTypeMedicationRequest,
		ID:           uuid.New().String(),
		Status:       MedicationStatusActive,
		Intent:       MedicationIntentOrder,
		MedicationCodeableConcept: fhir.Coding{
			System:  fhir.SystemRxNorm,
			Code:    MedicationPlaceholderCode,
			Display: medication,
		},
		Subject: fhir.Reference{
			Reference: fhir.FormatReference(ResourceTypePatient, patientID),
		},
		AuthoredOn: now.UTC(),
		DosageInstruction: []DosageInstruction{
			{
				Text:        DosageText(doseMg, frequency),
				Timing:      Timing{Repeat: ParseFrequency(frequency)},
				DoseAndRate: []DoseAndRate{{DoseQuantity: &dose}},
			},
		},
	}, nil
}

// DosageText renders "{dose} mg {frequency}" with the shortest exact decimal
// for the dose, so 500 prints as "500" and 2.5 as "2.5".
func DosageText(doseMg float64, frequency string) string {
	return FormatDose(doseMg) + " " + UnitMilligram + " " + frequency
}

func FormatDose(doseMg float64) string {
	return strconv.FormatFloat(doseMg, 'f', -1, 64)
}

var everyNHours = regexp.MustCompile(`^(?:every\s+(\d+)\s*(?:h|hr|hrs|hour|hours)|q(\d+)h)$`)

// ParseFrequency maps common sig phrases onto a timing repeat. Anything it
// does not recognize is treated as once daily.
func ParseFrequency(frequency string) *Repeat {
	f := strings.ToLower(strings.TrimSpace(frequency))
	switch f {
	case "twice daily", "twice a day", "bid", "b.i.d.":
		return newRepeat(2, 1, "d")
	case "three times daily", "three times a day", "tid", "t.i.d.":
		return newRepeat(3, 1, "d")
	case "four times daily", "four times a day", "qid", "q.i.d.":
		return newRepeat(4, 1, "d")
	case "weekly", "once weekly", "once a week":
		return newRepeat(1, 1, "wk")
	case "monthly", "once monthly", "once a month":
		return newRepeat(1, 1, "mo")
	}
	if m := everyNHours.FindStringSubmatch(f); m != nil {
		n := m[1]
		if n == "" {
			n = m[2]
		}
		if hours, err := strconv.Atoi(n); err == nil && hours > 0 {
			return newRepeat(1, float64(hours), "h")
		}
	}
	return newRepeat(1, 1, "d")
}

func newRepeat(frequency int, period float64, unit string) *Repeat {
	return &Repeat{Frequency: &frequency, Period: &period, PeriodUnit: unit}
}
