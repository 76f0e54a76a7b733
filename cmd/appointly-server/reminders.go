package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func sendRemindersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-reminders",
		Short: "Run one reminder batch and print {sentCount, failedCount, totalDue}",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close(log)
			if a.scheduler == nil {
				return errRemindersDisabled
			}

			res, err := a.scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
		},
	}
}
