package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/domain/ledger"
	"github.com/ehr/medstore/internal/domain/record"
	"github.com/ehr/medstore/internal/domain/vitals"
	"github.com/ehr/medstore/internal/platform/fhir"
	"github.com/ehr/medstore/internal/platform/hipaa"
)

// outcomeFor maps a store error onto an HTTP status and OperationOutcome.
// Diagnostics come from error text, which never contains key material.
func outcomeFor(err error) (int, *fhir.OperationOutcome) {
	switch {
	case errors.Is(err, record.ErrAuditFailed):
		return http.StatusInternalServerError,
			fhir.InternalErrorOutcome("change applied but the audit log could not be written")
	case errors.Is(err, record.ErrPatientNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	case errors.Is(err, record.ErrPatientExists):
		return http.StatusConflict, fhir.ConflictOutcome(err.Error())
	case errors.Is(err, record.ErrInvalidPatientID), errors.Is(err, clinical.ErrInvalidPatient):
		return http.StatusBadRequest, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, err.Error())
	case errors.Is(err, vitals.ErrInvalidVitalRange):
		return http.StatusUnprocessableEntity, fhir.ValidationOutcome("bloodPressure", err.Error())
	case errors.Is(err, clinical.ErrInvalidDose):
		return http.StatusUnprocessableEntity, fhir.ValidationOutcome("doseMg", err.Error())
	case errors.Is(err, hipaa.ErrDecryptionFailed):
		return http.StatusUnauthorized, fhir.SecurityOutcome("decryption failed: wrong passphrase or corrupted file")
	case errors.Is(err, hipaa.ErrIntegrityCheckFailed),
		errors.Is(err, hipaa.ErrMalformedDocument),
		errors.Is(err, record.ErrMalformedPatientRoot):
		return http.StatusUnprocessableEntity, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeStructure, err.Error())
	case errors.Is(err, ledger.ErrLedgerMismatch):
		return http.StatusConflict, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeConflict, err.Error())
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error")
	}
}

// ErrorHandler renders echo errors, such as those raised by the auth
// middleware, as OperationOutcome bodies.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(status)
		}
	}

	code := fhir.IssueTypeException
	switch status {
	case http.StatusUnauthorized:
		code = fhir.IssueTypeSecurity
	case http.StatusForbidden:
		code = fhir.IssueTypeForbidden
	case http.StatusNotFound:
		code = fhir.IssueTypeNotFound
	case http.StatusBadRequest, http.StatusMethodNotAllowed:
		code = fhir.IssueTypeInvalid
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, fhir.NewOperationOutcome(fhir.IssueSeverityError, code, msg))
}
