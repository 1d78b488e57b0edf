package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/medstore/internal/domain/clinical"
)

// ValidFormats defines the allowed output formats for show.
var ValidFormats = []string{"text", "json", "yaml"}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newShowCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved patient's bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(format) {
				return commandError("invalid format %q: must be one of %v", format, ValidFormats)
			}
			pass, err := a.passphrase()
			if err != nil {
				return err
			}
			if _, err := a.openPatient(cmd, args[0], pass); err != nil {
				return err
			}
			b, err := a.store.Bundle(args[0])
			if err != nil {
				return failure("show", err)
			}
			if err := writeBundle(cmd.OutOrStdout(), b, format); err != nil {
				return failure("show", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json|yaml)")
	return cmd
}

func writeBundle(w io.Writer, b *clinical.Bundle, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(b)
	case "yaml":
		// Round-trip through JSON so YAML keys match the FHIR field names.
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		writeText(w, b)
		return nil
	}
}

func writeText(w io.Writer, b *clinical.Bundle) {
	if root, ok := b.PatientRoot(); ok {
		fmt.Fprintf(w, "Patient %s: %s (%s, born %s)\n", root.ID, root.DisplayName(), root.Gender, root.BirthDate)
	}
	obs := b.Observations()
	fmt.Fprintf(w, "Observations: %d\n", len(obs))
	for _, o := range obs {
		if sys, dia, ok := o.BloodPressureValues(); ok {
			fmt.Fprintf(w, "  %s  BP %s/%s mmHg\n", o.EffectiveDateTime.Format("2006-01-02T15:04:05Z07:00"),
				clinical.FormatDose(sys), clinical.FormatDose(dia))
		}
	}
	meds := b.MedicationRequests()
	fmt.Fprintf(w, "Medications: %d\n", len(meds))
	for _, m := range meds {
		dosage := ""
		if len(m.DosageInstruction) > 0 {
			dosage = m.DosageInstruction[0].Text
		}
		fmt.Fprintf(w, "  %s  %s %s\n", m.AuthoredOn.Format("2006-01-02T15:04:05Z07:00"), m.MedicationCodeableConcept.Display, dosage)
	}
	printHistory(w, b.VersionHistory)
}
