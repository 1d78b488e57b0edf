// Package api exposes the record store over HTTP.
package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/domain/record"
	"github.com/ehr/medstore/internal/platform/fhir"
	"github.com/ehr/medstore/pkg/pagination"
)

type Handler struct {
	store  *record.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(store *record.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)
	api.POST("/patients/load", h.LoadPatient)
	api.GET("/patients/:id", h.GetPatient)
	api.GET("/patients/:id/history", h.GetHistory)
	api.GET("/patients/:id/verify", h.VerifyPatient)
	api.POST("/patients/:id/vitals/bp", h.AddBloodPressure)
	api.POST("/patients/:id/medications", h.PrescribeMedication)
	api.POST("/patients/:id/commit", h.Commit)
	api.POST("/patients/:id/save", h.SavePatient)
	api.POST("/patients/:id/devices", h.ConnectDevice)
}

// fail writes the OperationOutcome for err. Server-side failures are logged
// with the request id.
func (h *Handler) fail(c echo.Context, err error) error {
	status, outcome := outcomeFor(err)
	if status >= http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("request failed")
	}
	return c.JSON(status, outcome)
}

func badRequest(c echo.Context, field, msg string) error {
	return c.JSON(http.StatusBadRequest, fhir.ValidationOutcome(field, msg))
}

type patientSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
	Versions  int    `json:"versions"`
}

func (h *Handler) ListPatients(c echo.Context) error {
	p := pagination.FromContext(c)
	ids := h.store.Patients()

	page := pagination.Page(ids, p)
	out := make([]patientSummary, 0, len(page))
	for _, id := range page {
		b, err := h.store.Bundle(id)
		if errors.Is(err, record.ErrPatientNotFound) {
			continue
		}
		if err != nil {
			return h.fail(c, err)
		}
		s := patientSummary{ID: id, Versions: len(b.VersionHistory)}
		if root, ok := b.PatientRoot(); ok {
			s.Name = root.DisplayName()
			s.Gender = root.Gender
			s.BirthDate = root.BirthDate
		}
		out = append(out, s)
	}

	return c.JSON(http.StatusOK, pagination.NewResponse(out, len(ids), p).WithLinks(c.Request().URL.Path))
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in record.PatientInput
	if err := c.Bind(&in); err != nil {
		return badRequest(c, "body", "invalid patient payload")
	}
	if err := h.store.CreatePatient(c.Request().Context(), in); err != nil {
		return h.fail(c, err)
	}

	b, err := h.store.Bundle(in.ID)
	if err != nil {
		return h.fail(c, err)
	}
	root, _ := b.PatientRoot()
	c.Response().Header().Set("Location", "/api/v1/patients/"+in.ID)
	return c.JSON(http.StatusCreated, root)
}

func (h *Handler) GetPatient(c echo.Context) error {
	b, err := h.store.Bundle(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) GetHistory(c echo.Context) error {
	history, err := h.store.History(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func (h *Handler) VerifyPatient(c echo.Context) error {
	id := c.Param("id")
	if err := h.store.Verify(id); err != nil {
		return h.fail(c, err)
	}
	history, err := h.store.History(id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":       id,
		"status":   "valid",
		"versions": len(history),
	})
}

type bloodPressureRequest struct {
	Systolic  int `json:"systolic"`
	Diastolic int `json:"diastolic"`
}

func (h *Handler) AddBloodPressure(c echo.Context) error {
	var req bloodPressureRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "systolic and diastolic must be integers")
	}
	obs, err := h.store.AddBloodPressure(c.Request().Context(), c.Param("id"), req.Systolic, req.Diastolic)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, obs)
}

type medicationRequest struct {
	Medication string  `json:"medication"`
	DoseMg     float64 `json:"doseMg"`
	Frequency  string  `json:"frequency"`
}

func (h *Handler) PrescribeMedication(c echo.Context) error {
	var req medicationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid medication payload")
	}
	if strings.TrimSpace(req.Medication) == "" {
		return badRequest(c, "medication", "required")
	}
	med, err := h.store.PrescribeMedication(c.Request().Context(), c.Param("id"), req.Medication, req.DoseMg, req.Frequency)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, med)
}

type commitRequest struct {
	Message string `json:"message"`
}

func (h *Handler) Commit(c echo.Context) error {
	var req commitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid commit payload")
	}
	if strings.TrimSpace(req.Message) == "" {
		return badRequest(c, "message", "required")
	}
	v, err := h.store.Commit(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (h *Handler) SavePatient(c echo.Context) error {
	var req passphraseRequest
	if err := c.Bind(&req); err != nil || req.Passphrase == "" {
		return badRequest(c, "passphrase", "required")
	}
	path, err := h.store.Save(c.Request().Context(), c.Param("id"), req.Passphrase)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id"), "path": path})
}

type loadRequest struct {
	ID         string `json:"id"`
	File       string `json:"file"`
	Passphrase string `json:"passphrase"`
}

// LoadPatient reads a container from the data directory, named either by
// patient id or by file name.
func (h *Handler) LoadPatient(c echo.Context) error {
	var req loadRequest
	if err := c.Bind(&req); err != nil || req.Passphrase == "" {
		return badRequest(c, "passphrase", "required")
	}

	var path string
	switch {
	case req.ID != "":
		p, err := h.store.PathFor(req.ID)
		if err != nil {
			return h.fail(c, err)
		}
		path = p
	case req.File != "":
		name := filepath.Base(req.File)
		if filepath.Ext(name) != record.FileExtension {
			return badRequest(c, "file", "must name a "+record.FileExtension+" file")
		}
		path = filepath.Join(h.store.DataDir(), name)
	default:
		return badRequest(c, "id", "id or file is required")
	}

	id, err := h.store.Load(c.Request().Context(), path, req.Passphrase)
	if err != nil {
		return h.fail(c, err)
	}
	b, err := h.store.Bundle(id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, loadResponse(id, path, b))
}

func loadResponse(id, path string, b *clinical.Bundle) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"path":           path,
		"entries":        len(b.Entry),
		"versionHistory": b.VersionHistory,
	}
}

type deviceRequest struct {
	DeviceType string `json:"deviceType"`
}

func (h *Handler) ConnectDevice(c echo.Context) error {
	var req deviceRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.DeviceType) == "" {
		return badRequest(c, "deviceType", "required")
	}
	if err := h.store.ConnectDevice(c.Request().Context(), c.Param("id"), req.DeviceType); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"id":         c.Param("id"),
		"deviceType": req.DeviceType,
		"status":     "connected",
	})
}
