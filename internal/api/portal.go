package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/platform/auth"
)

// RegisterPortalRoutes mounts the patient portal and e-prescribing routes
// behind auth.RouteGuard.
func (h *Handler) RegisterPortalRoutes(g *echo.Group) {
	guard := auth.RouteGuard()
	g.GET("/patient/profile", h.PatientProfile, guard)
	g.GET(auth.RoutePatientMedications, h.PatientMedications, guard)
	g.POST(auth.RoutePrescriptionSend, h.SendPrescription, guard)
}

type patientProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
}

// portalBundle resolves ?id=. When root is nil the error response has
// already been written and err is the result of writing it.
func (h *Handler) portalBundle(c echo.Context) (*clinical.Bundle, *clinical.Patient, error) {
	id := c.QueryParam("id")
	if id == "" {
		return nil, nil, badRequest(c, "id", "required")
	}
	b, err := h.store.Bundle(id)
	if err != nil {
		return nil, nil, h.fail(c, err)
	}
	root, ok := b.PatientRoot()
	if !ok {
		return nil, nil, h.fail(c, fmt.Errorf("portal: bundle %s has no patient root", id))
	}
	return b, root, nil
}

func (h *Handler) PatientProfile(c echo.Context) error {
	_, root, err := h.portalBundle(c)
	if root == nil {
		return err
	}
	return c.JSON(http.StatusOK, patientProfile{
		ID:        root.ID,
		Name:      root.DisplayName(),
		Age:       root.Age(h.now()),
		Gender:    root.Gender,
		BirthDate: root.BirthDate,
	})
}

type medicationSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Dosage     string    `json:"dosage"`
	Status     string    `json:"status"`
	AuthoredOn time.Time `json:"authoredOn"`
}

func summarizeMedication(m *clinical.MedicationRequest) medicationSummary {
	s := medicationSummary{
		ID:         m.ID,
		Name:       m.MedicationCodeableConcept.Display,
		Status:     m.Status,
		AuthoredOn: m.AuthoredOn,
	}
	if len(m.DosageInstruction) > 0 {
		s.Dosage = m.DosageInstruction[0].Text
	}
	return s
}

func (h *Handler) PatientMedications(c echo.Context) error {
	b, root, err := h.portalBundle(c)
	if root == nil {
		return err
	}
	meds := b.MedicationRequests()
	out := make([]medicationSummary, 0, len(meds))
	for _, m := range meds {
		out = append(out, summarizeMedication(m))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patientId":   root.ID,
		"medications": out,
	})
}

type prescriptionRequest struct {
	PatientID      string  `json:"patient_id"`
	Medication     string  `json:"medication_name"`
	DoseMg         float64 `json:"dose_mg"`
	Frequency      string  `json:"frequency"`
	RefillQuantity int     `json:"refill_quantity"`
	// Passphrase, when set, also saves the patient file.
	Passphrase string `json:"passphrase,omitempty"`
}

// Prescription is the record returned for a sent prescription.
type Prescription struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	PatientName    string `json:"patient_name"`
	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	RefillQuantity int    `json:"refill_quantity"`
	DoctorName     string `json:"doctor_name"`
	Version        string `json:"version"`
	Path           string `json:"path,omitempty"`
}

// SendPrescription orders the medication, commits the change and, given a
// passphrase, saves the patient file.
func (h *Handler) SendPrescription(c echo.Context) error {
	var req prescriptionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid prescription payload")
	}
	if req.PatientID == "" {
		return badRequest(c, "patient_id", "required")
	}
	if strings.TrimSpace(req.Medication) == "" {
		return badRequest(c, "medication_name", "required")
	}
	if req.RefillQuantity < 0 {
		return badRequest(c, "refill_quantity", "must not be negative")
	}

	ctx := c.Request().Context()
	med, err := h.store.PrescribeMedication(ctx, req.PatientID, req.Medication, req.DoseMg, req.Frequency)
	if err != nil {
		return h.fail(c, err)
	}
	msg := fmt.Sprintf("Prescribed %s %smg %s", req.Medication, clinical.FormatDose(req.DoseMg), req.Frequency)
	v, err := h.store.Commit(ctx, req.PatientID, msg)
	if err != nil {
		return h.fail(c, err)
	}

	out := Prescription{
		ID:             med.ID,
		PatientID:      req.PatientID,
		MedicationName: med.MedicationCodeableConcept.Display,
		Dosage:         med.DosageInstruction[0].Text,
		RefillQuantity: req.RefillQuantity,
		DoctorName:     prescriber(c),
		Version:        v.Hash,
	}
	if b, err := h.store.Bundle(req.PatientID); err == nil {
		if root, ok := b.PatientRoot(); ok {
			out.PatientName = root.DisplayName()
		}
	}

	if req.Passphrase != "" {
		path, err := h.store.Save(ctx, req.PatientID, req.Passphrase)
		if err != nil {
			return h.fail(c, err)
		}
		out.Path = path
	}

	h.logger.Info().Str("op", "send_prescription").Str("patient_id", req.PatientID).
		Str("medication_request_id", med.ID).Str("prescriber", auth.UserIDFromContext(ctx)).Msg("prescription sent")
	return c.JSON(http.StatusCreated, out)
}

func prescriber(c echo.Context) string {
	ctx := c.Request().Context()
	if name := auth.UserNameFromContext(ctx); name != "" {
		return name
	}
	return auth.UserIDFromContext(ctx)
}
