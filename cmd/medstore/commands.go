package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ehr/medstore/internal/domain/clinical"
	"github.com/ehr/medstore/internal/domain/record"
)

// InitialCommitMessage labels the first checkpoint written by create-patient.
const InitialCommitMessage = "Initial patient creation"

// openPatient loads the saved file for id into the store.
func (a *app) openPatient(cmd *cobra.Command, id, passphrase string) (string, error) {
	path, err := a.store.PathFor(id)
	if err != nil {
		return "", commandError("%v", err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", commandError("Patient file not found: %s", path)
	}
	if _, err := a.store.Load(cmd.Context(), path, passphrase); err != nil {
		return "", failure("load patient", err)
	}
	return path, nil
}

// commitAndSave checkpoints the bundle and writes it back to disk.
func (a *app) commitAndSave(cmd *cobra.Command, id, message, passphrase string) (string, error) {
	if _, err := a.store.Commit(cmd.Context(), id, message); err != nil {
		return "", failure("commit", err)
	}
	path, err := a.store.Save(cmd.Context(), id, passphrase)
	if err != nil {
		return "", failure("save patient", err)
	}
	return path, nil
}

func newCreatePatientCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "create-patient <id> <given> <family> <gender> <birth-date>",
		Short: "Create a patient, commit it and save the encrypted file",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := a.passphrase()
			if err != nil {
				return err
			}
			id := args[0]
			path, err := a.store.PathFor(id)
			if err != nil {
				return commandError("%v", err)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return commandError("patient file already exists: %s (use --force to overwrite)", path)
			}

			in := record.PatientInput{ID: id, Given: args[1], Family: args[2], Gender: args[3], BirthDate: args[4]}
			if err := a.store.CreatePatient(cmd.Context(), in); err != nil {
				return failure("create patient", err)
			}
			path, err = a.commitAndSave(cmd, id, InitialCommitMessage, pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Patient created and saved to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing patient file")
	return cmd
}

func newAddVitalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add-vital <id> bp <systolic> <diastolic>",
		Short: "Record a blood pressure reading",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, kind := args[0], args[1]
			if kind != "bp" {
				return commandError("unsupported vital type %q: only bp is supported", kind)
			}
			systolic, err := strconv.Atoi(args[2])
			if err != nil {
				return commandError("systolic must be an integer: %q", args[2])
			}
			diastolic, err := strconv.Atoi(args[3])
			if err != nil {
				return commandError("diastolic must be an integer: %q", args[3])
			}
			pass, err := a.passphrase()
			if err != nil {
				return err
			}

			if _, err := a.openPatient(cmd, id, pass); err != nil {
				return err
			}
			if _, err := a.store.AddBloodPressure(cmd.Context(), id, systolic, diastolic); err != nil {
				return failure("add blood pressure", err)
			}
			reading := fmt.Sprintf("%d/%d", systolic, diastolic)
			if _, err := a.commitAndSave(cmd, id, "Added BP: "+reading, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added blood pressure %s to patient %s\n", reading, id)
			return nil
		},
	}
}

func newPrescribeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prescribe <id> <medication> <dose-mg> <frequency>",
		Short: "Order a medication",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, medication, frequency := args[0], args[1], args[3]
			dose, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return commandError("dose must be a number of milligrams: %q", args[2])
			}
			pass, err := a.passphrase()
			if err != nil {
				return err
			}

			if _, err := a.openPatient(cmd, id, pass); err != nil {
				return err
			}
			if _, err := a.store.PrescribeMedication(cmd.Context(), id, medication, dose, frequency); err != nil {
				return failure("prescribe", err)
			}
			desc := fmt.Sprintf("%s %smg %s", medication, clinical.FormatDose(dose), frequency)
			if _, err := a.commitAndSave(cmd, id, "Prescribed "+desc, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Prescribed %s to patient %s\n", desc, id)
			return nil
		},
	}
}

func newConnectDeviceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect-device <id> <device-type>",
		Short: "Record a device connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, deviceType := args[0], args[1]
			pass, err := a.passphrase()
			if err != nil {
				return err
			}

			if _, err := a.openPatient(cmd, id, pass); err != nil {
				return err
			}
			if err := a.store.ConnectDevice(cmd.Context(), id, deviceType); err != nil {
				return failure("connect device", err)
			}
			if _, err := a.commitAndSave(cmd, id, "Connected device: "+deviceType, pass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected %s to patient %s\n", deviceType, id)
			return nil
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Decrypt a patient file and print its demographics and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file := args[0]
			pass, err := a.passphrase()
			if err != nil {
				return err
			}
			if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
				return commandError("Patient file not found: %s", file)
			}

			id, err := a.store.Load(cmd.Context(), file, pass)
			if err != nil {
				return failure("load patient", err)
			}
			b, err := a.store.Bundle(id)
			if err != nil {
				return failure("load patient", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Loaded patient %s from %s\n", id, file)
			if root, ok := b.PatientRoot(); ok {
				fmt.Fprintf(w, "Name: %s\n", root.DisplayName())
				fmt.Fprintf(w, "Gender: %s\n", root.Gender)
				fmt.Fprintf(w, "Birth date: %s\n", root.BirthDate)
			}
			printHistory(w, b.VersionHistory)
			return nil
		},
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Print the version history of a saved patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := a.passphrase()
			if err != nil {
				return err
			}
			if _, err := a.openPatient(cmd, args[0], pass); err != nil {
				return err
			}
			history, err := a.store.History(args[0])
			if err != nil {
				return failure("history", err)
			}
			printHistory(cmd.OutOrStdout(), history)
			return nil
		},
	}
}

func printHistory(w io.Writer, history []clinical.VersionEntry) {
	fmt.Fprintln(w, "Version history:")
	for i, v := range history {
		fmt.Fprintf(w, "  %d: %s - %s\n", i, v.Timestamp.Format("2006-01-02T15:04:05Z07:00"), v.Message)
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Recompute every ledger checkpoint of a saved patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			pass, err := a.passphrase()
			if err != nil {
				return err
			}
			if _, err := a.openPatient(cmd, id, pass); err != nil {
				return err
			}
			if err := a.store.Verify(id); err != nil {
				return failure("verify", err)
			}
			history, err := a.store.History(id)
			if err != nil {
				return failure("verify", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger verified: %d versions for patient %s\n", len(history), id)
			return nil
		},
	}
}
