package vitals

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ehr/medstore/internal/domain/clinical"
)

func TestValidateBloodPressure(t *testing.T) {
	tests := []struct {
		name      string
		systolic  int
		diastolic int
		wantErr   bool
	}{
		{"normal", 120, 80, false},
		{"lower bounds", 40, 20, false},
		{"upper bounds", 300, 200, false},
		{"systolic too low", 39, 80, true},
		{"systolic too high", 301, 80, true},
		{"diastolic too low", 120, 19, true},
		{"diastolic too high", 120, 201, true},
		{"both out of range", 0, 0, true},
		{"negative", -120, -80, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bp, err := ValidateBloodPressure(tt.systolic, tt.diastolic)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidVitalRange) {
					t.Errorf("expected ErrInvalidVitalRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bp.Systolic() != tt.systolic || bp.Diastolic() != tt.diastolic {
				t.Errorf("got %s, want %d/%d", bp, tt.systolic, tt.diastolic)
			}
		})
	}
}

func TestValidateBloodPressure_MessageNamesValue(t *testing.T) {
	_, err := ValidateBloodPressure(301, 80)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "systolic 301") || !strings.Contains(err.Error(), "[40, 300]") {
		t.Errorf("unexpected message: %v", err)
	}

	_, err = ValidateBloodPressure(120, 10)
	if err == nil || !strings.Contains(err.Error(), "diastolic 10") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestBloodPressure_String(t *testing.T) {
	bp, err := ValidateBloodPressure(120, 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bp.String() != "120/80" {
		t.Errorf("String() = %q, want 120/80", bp.String())
	}
}

func TestBloodPressure_Observation(t *testing.T) {
	bp, err := ValidateBloodPressure(132, 85)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	o := bp.Observation("p1", now)

	if o.Code.Code != clinical.LOINCBloodPressurePanel {
		t.Errorf("code = %q, want blood pressure panel", o.Code.Code)
	}
	if o.Subject.Reference != "Patient/p1" {
		t.Errorf("subject = %q", o.Subject.Reference)
	}
	s, d, ok := o.BloodPressureValues()
	if !ok || s != 132.0 || d != 85.0 {
		t.Errorf("values = %v/%v (%v), want 132/85", s, d, ok)
	}
}
