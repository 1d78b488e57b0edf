// Package vitals validates raw vital-sign readings before they become
// clinical resources.
package vitals

import (
	"errors"
	"fmt"
	"time"

	"github.com/ehr/medstore/internal/domain/clinical"
)

// Blood pressure policy bounds in mmHg, inclusive.
const (
	MinSystolic  = 40
	MaxSystolic  = 300
	MinDiastolic = 20
	MaxDiastolic = 200
)

var ErrInvalidVitalRange = errors.New("vital sign out of range")

// BloodPressure is a reading that has passed ValidateBloodPressure.
type BloodPressure struct {
	systolic  int
	diastolic int
}

// ValidateBloodPressure checks both readings against the policy bounds.
func ValidateBloodPressure(systolic, diastolic int) (BloodPressure, error) {
	if systolic < MinSystolic || systolic > MaxSystolic {
		return BloodPressure{}, fmt.Errorf("%w: systolic %d not in [%d, %d]",
			ErrInvalidVitalRange, systolic, MinSystolic, MaxSystolic)
	}
	if diastolic < MinDiastolic || diastolic > MaxDiastolic {
		return BloodPressure{}, fmt.Errorf("%w: diastolic %d not in [%d, %d]",
			ErrInvalidVitalRange, diastolic, MinDiastolic, MaxDiastolic)
	}
	return BloodPressure{systolic: systolic, diastolic: diastolic}, nil
}

func (bp BloodPressure) Systolic() int  { return bp.systolic }
func (bp BloodPressure) Diastolic() int { return bp.diastolic }

// String renders the reading as "120/80".
func (bp BloodPressure) String() string {
	return fmt.Sprintf("%d/%d", bp.systolic, bp.diastolic)
}

// Observation converts the validated reading into a blood pressure panel.
func (bp BloodPressure) Observation(patientID string, now time.Time) *clinical.Observation {
	return clinical.NewBloodPressureObservation(float64(bp.systolic), float64(bp.diastolic), patientID, now)
}
