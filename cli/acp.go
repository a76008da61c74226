package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/acp"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/session"
)

var acpCmd = &cobra.Command{
	Use:   "acp",
	Short: "Inspect and control ACP sessions",
}

var acpStatusCmd = &cobra.Command{
	Use:   "status <session-key>",
	Short: "Show the merged status of an ACP session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAcpManager(func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error {
			status, err := manager.GetSessionStatus(ctx, acp.GetSessionStatusInput{
				Cfg:        cfg,
				SessionKey: args[0],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, status)
		})
	},
}

var acpObservabilityCmd = &cobra.Command{
	Use:   "observability",
	Short: "Show manager-level runtime cache and turn statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAcpManager(func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error {
			return printJSON(cmd, manager.GetObservabilitySnapshot(cfg))
		})
	},
}

var acpReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve provisional session identities against their backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAcpManager(func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error {
			result := manager.ReconcilePendingSessionIdentities(ctx, cfg)
			return printJSON(cmd, result)
		})
	},
}

var acpCancelCmd = &cobra.Command{
	Use:   "cancel <session-key>",
	Short: "Cancel the active turn of an ACP session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAcpManager(func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error {
			if err := manager.CancelSession(ctx, acp.CancelSessionInput{
				Cfg:        cfg,
				SessionKey: args[0],
				Reason:     "cli-cancel",
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
			return nil
		})
	},
}

var acpCloseClearMeta bool

var acpCloseCmd = &cobra.Command{
	Use:   "close <session-key>",
	Short: "Close an ACP session's runtime handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAcpManager(func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error {
			result, err := manager.CloseSession(ctx, acp.CloseSessionInput{
				Cfg:        cfg,
				SessionKey: args[0],
				Reason:     "cli-close",
				ClearMeta:  acpCloseClearMeta,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

func init() {
	acpCloseCmd.Flags().BoolVar(&acpCloseClearMeta, "clear-meta", false, "also delete persisted session metadata")

	acpCmd.AddCommand(acpStatusCmd)
	acpCmd.AddCommand(acpObservabilityCmd)
	acpCmd.AddCommand(acpReconcileCmd)
	acpCmd.AddCommand(acpCancelCmd)
	acpCmd.AddCommand(acpCloseCmd)
}

// withAcpManager loads config, opens the persisted session store and hands a
// ready manager to fn.
func withAcpManager(fn func(ctx context.Context, cfg *config.Config, manager *acp.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	storePath, err := config.GetDefaultSessionStorePath(cfg)
	if err != nil {
		return err
	}
	store, err := session.NewFileStore(storePath)
	if err != nil {
		return fmt.Errorf("could not open session store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	return fn(ctx, cfg, acp.NewManager(store))
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
