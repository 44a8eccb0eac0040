package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JoeShih716/go-class-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-class-ledger/pkg/wal"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "core",
		Short:        "Class booking and credit ledger service",
		SilenceUsage: true,
		Version:      version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file path")

	// setup 每個子命令共用: 載入設定並組裝依賴
	setup := func(cmd *cobra.Command, opts appOptions) (*app, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return newApp(cfg, newLogger(cfg.Log), opts)
	}

	root.AddCommand(
		newServeCmd(setup),
		newMigrateCmd(setup),
		newReconcileCmd(setup),
		newGrantCmd(setup),
	)
	return root
}

type setupFunc func(cmd *cobra.Command, opts appOptions) (*app, error)

func newMigrateCmd(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			if a.db == nil {
				return errors.New("migrate requires engine.store=database")
			}
			return a.migrate(cmd.Context())
		},
	}
}

func newReconcileCmd(setup setupFunc) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify cached balances and seat counters against the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			if history {
				return a.journal.Replay(func(rec wal.Record) error {
					if rec.Kind != usecase.JournalKindFault {
						return nil
					}
					var f usecase.Fault
					if err := json.Unmarshal(rec.Data, &f); err != nil {
						return fmt.Errorf("journal seq %d: %w", rec.Seq, err)
					}
					return enc.Encode(f)
				})
			}
			faults, err := a.core.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			for _, f := range faults {
				if err := enc.Encode(f); err != nil {
					return err
				}
			}
			if len(faults) > 0 {
				return fmt.Errorf("%d integrity faults found", len(faults))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ledger consistent")
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print previously journaled faults instead of running a check")
	return cmd
}

func newGrantCmd(setup setupFunc) *cobra.Command {
	var (
		member    string
		credits   int64
		days      int
		unlimited bool
		eventID   string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Record a confirmed purchase for a member",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if eventID == "" {
				eventID = uuid.NewString()
			}
			g, err := a.core.ApplyPurchase(cmd.Context(), usecase.PurchaseFact{
				EventID:          eventID,
				ExternalMemberID: member,
				Credits:          credits,
				DurationDays:     days,
				IsUnlimited:      unlimited,
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(g)
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "external member id")
	cmd.Flags().Int64Var(&credits, "credits", 0, "number of credits")
	cmd.Flags().IntVar(&days, "days", 30, "validity in days, including today")
	cmd.Flags().BoolVar(&unlimited, "unlimited", false, "unlimited plan")
	cmd.Flags().StringVar(&eventID, "event-id", "", "upstream purchase event id (idempotency key)")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}
