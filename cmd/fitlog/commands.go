package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitlog/backend/internal/backup"
	"github.com/kimhsiao/fitlog/backend/internal/device"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/models"
	syncpkg "github.com/kimhsiao/fitlog/backend/internal/sync"
	"github.com/kimhsiao/fitlog/backend/internal/sync/conflict"
)

func newStatusCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync, backup and connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			return st.print(struct {
				Status integration.IntegrationStatus `json:"status"`
				Health integration.ServiceHealth     `json:"health"`
			}{integ.Status(), integ.GetServiceHealth(cmd.Context())})
		},
	}
}

func newSyncCmd(st *cliState) *cobra.Command {
	var (
		priority string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			var res *syncpkg.SyncResult
			if force {
				res, err = integ.ForceSync(cmd.Context())
			} else {
				res, err = integ.StartSync(cmd.Context(), syncpkg.Priority(priority))
			}
			if err != nil {
				return err
			}
			return st.print(res)
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", string(syncpkg.PriorityNormal), "low, normal, high or critical")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "bypass the scheduler")
	return cmd
}

func newDecideCmd(st *cliState) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Show whether a sync would run now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := integ.MakeSyncDecision(cmd.Context(), syncpkg.Priority(priority))
			if err != nil {
				return err
			}
			return st.print(d)
		},
	}
	cmd.Flags().StringVarP(&priority, "priority", "p", string(syncpkg.PriorityNormal), "low, normal, high or critical")
	return cmd
}

func newConditionsCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "conditions",
		Short: "Sample the current device conditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			c, err := integ.GetCurrentConditions(cmd.Context())
			if err != nil {
				return err
			}
			return st.print(c)
		},
	}
}

func newBackupCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create and list backups",
	}

	var (
		typ         string
		description string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Take a backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := integ.CreateBackup(cmd.Context(), models.BackupType(typ), description)
			if err != nil {
				return err
			}
			return st.print(rec)
		},
	}
	create.Flags().StringVarP(&typ, "type", "t", string(models.BackupFull), "full or incremental")
	create.Flags().StringVar(&description, "description", "", "free-form note stored with the backup")

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := integ.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(st.out, "%s  %-11s  %8s  %4d entities  %s\n",
					r.ID, r.Type, humanize.Bytes(uint64(r.SizeBytes)), r.EntityCounts.Total(),
					humanize.Time(r.CreatedAtTime()))
			}
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify <backup-id>",
		Short: "Check a backup's checksum and contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := integ.Backups().VerifyBackup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(st.out, "%s ok\n", args[0])
			return nil
		},
	}

	audit := &cobra.Command{
		Use:   "audit",
		Short: "Re-hash every stored backup and report damaged ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			report, err := integ.AuditBackups(cmd.Context())
			if err != nil {
				return err
			}
			return st.print(report)
		},
	}

	cmd.AddCommand(create, list, verify, audit)
	return cmd
}

func newRestoreCmd(st *cliState) *cobra.Command {
	var (
		strategy      string
		partial       bool
		noValidate    bool
		recoveryPoint bool
	)
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore local data from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			opts := backup.RecoveryOptions{
				RecoveryType:        backup.RecoveryFull,
				MergeStrategy:       conflict.Strategy(strategy),
				ValidateData:        !noValidate,
				CreateRecoveryPoint: recoveryPoint,
			}
			if partial {
				opts.RecoveryType = backup.RecoveryPartial
			}
			res, err := integ.RestoreFromBackup(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return st.print(res)
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(conflict.StrategyReplace), "replace, mergeKeepLocal or mergeKeepRemote")
	cmd.Flags().BoolVar(&partial, "partial", false, "restore only the target backup, not its chain")
	cmd.Flags().BoolVar(&noValidate, "no-validate", false, "skip checksum and content validation")
	cmd.Flags().BoolVar(&recoveryPoint, "recovery-point", true, "take a full backup before restoring")
	return cmd
}

func newLoginCmd(st *cliState) *cobra.Command {
	var (
		token      string
		newAccount bool
	)
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Sign in and migrate guest data to the account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			res, err := integ.HandleAuthentication(cmd.Context(), integration.AuthData{
				UserID:       args[0],
				IsNewAccount: newAccount,
				Token:        token,
			})
			if err != nil {
				return err
			}
			return st.print(res)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "bearer token for the http remote")
	cmd.Flags().BoolVar(&newAccount, "new-account", false, "the account was just created")
	return cmd
}

func newLogoutCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Return to guest mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			return integ.SignOut()
		},
	}
}

func newWriteCmd(st *cliState) *cobra.Command {
	var (
		id     string
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "write <entity-type> [json]",
		Short: "Store or delete one entity in the current namespace",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et := models.EntityType(args[0])
			if !et.Valid() {
				return fmt.Errorf("unknown entity type %q", args[0])
			}
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			if remove {
				if id == "" {
					return fmt.Errorf("--id is required with --delete")
				}
				return integ.Delete(cmd.Context(), et, id)
			}
			if len(args) < 2 {
				return fmt.Errorf("json data is required")
			}
			rec, err := integ.Write(cmd.Context(), et, id, []byte(args[1]))
			if err != nil {
				return err
			}
			return st.print(rec)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity id (generated when empty)")
	cmd.Flags().BoolVar(&remove, "delete", false, "delete the entity instead")
	return cmd
}

func newDeadLettersCmd(st *cliState) *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List operations that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			if retry {
				n, err := integ.RetryDeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(st.out, "requeued %d operations\n", n)
				return nil
			}
			return st.print(integ.DeadLetters())
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "move every dead letter back into the queue")
	return cmd
}

// newReportCmd lets a host script feed device conditions to the scheduler.
func newReportCmd(st *cliState) *cobra.Command {
	var c device.Conditions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Evaluate a sync decision under the given device conditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			integ, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			integ.ReportConditions(cmd.Context(), c)
			d, err := integ.MakeSyncDecision(cmd.Context(), syncpkg.PriorityNormal)
			if err != nil {
				return err
			}
			return st.print(d)
		},
	}
	cmd.Flags().IntVar(&c.BatteryLevel, "battery", 100, "battery percent")
	cmd.Flags().BoolVar(&c.IsCharging, "charging", true, "device is charging")
	cmd.Flags().BoolVar(&c.IsMetered, "metered", false, "network is metered")
	cmd.Flags().BoolVar(&c.IsOnline, "online", true, "device is online")
	return cmd
}
