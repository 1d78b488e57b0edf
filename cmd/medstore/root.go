package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "medstore",
		Short:         "Encrypted, versioned clinical record store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.key, "key", "k", "", "passphrase for patient files (default $"+PassphraseEnv+")")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "directory holding patient files (default $DATA_DIR)")
	cmd.PersistentFlags().StringVar(&a.auditBackend, "audit-backend", "", "audit sink: file, sqlite, postgres or memory (default $AUDIT_BACKEND)")
	cmd.PersistentFlags().StringVar(&a.ledgerMode, "ledger-mode", "", "ledger hashing: checkpoint or chained (default $LEDGER_MODE)")

	cmd.AddCommand(newCreatePatientCmd(a))
	cmd.AddCommand(newAddVitalCmd(a))
	cmd.AddCommand(newPrescribeCmd(a))
	cmd.AddCommand(newConnectDeviceCmd(a))
	cmd.AddCommand(newLoadCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newShowCmd(a))
	cmd.AddCommand(newVerifyCmd(a))
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newTokenCmd(a))

	return cmd
}
