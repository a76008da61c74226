// Package cli wires the process together: configuration, the session store,
// the ACP manager, the inbound dispatch pipeline and the gateway.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/acp"
	_ "github.com/openclaw/openclaw/acp/sdk"
	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/channels"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/events"
	"github.com/openclaw/openclaw/gateway"
	"github.com/openclaw/openclaw/internal/logger"
	"github.com/openclaw/openclaw/session"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "Chat-transport bridge for ACP agent sessions",
	Long: `openclaw bridges chat transports to AI agent runtimes speaking the
Agent Control Protocol: inbound messages are access-checked, deduplicated,
debounced and routed to per-conversation agent sessions, with replies
streamed back to the originating conversation.`,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the openclaw process",
	RunE:  runStart,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(acpCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openSessionStore(cfg *config.Config) (session.Store, string, error) {
	storePath, err := config.GetDefaultSessionStorePath(cfg)
	if err != nil {
		return nil, "", err
	}
	store, err := session.NewFileStore(storePath)
	if err != nil {
		return nil, "", fmt.Errorf("could not open session store: %w", err)
	}
	return store, storePath, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.Logging.Level)
	defer logger.Sync()

	log := logger.Module("cli")
	log.Info("starting openclaw")

	store, storePath, err := openSessionStore(cfg)
	if err != nil {
		return err
	}
	dataDir := filepath.Dir(storePath)

	manager := acp.NewManager(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sweep sessions whose ids were still provisional at last shutdown.
	if cfg.ACP.Enabled {
		reconciled := manager.ReconcilePendingSessionIdentities(ctx, cfg)
		if reconciled.Checked > 0 {
			log.Info("identity reconcile sweep finished",
				zap.Int("checked", reconciled.Checked),
				zap.Int("resolved", reconciled.Resolved),
				zap.Int("failed", reconciled.Failed))
		}
	}

	messageBus := bus.NewMessageBus(100)
	defer messageBus.Close()

	eventSink := events.NewSink()

	bindingStorage, err := channels.NewJSONBindingStorage(dataDir)
	if err != nil {
		return fmt.Errorf("could not open binding storage: %w", err)
	}
	bindings, err := channels.NewBindingService(cfg.ACP.DefaultAgent, bindingStorage)
	if err != nil {
		return fmt.Errorf("could not load bindings: %w", err)
	}

	dispatcher := channels.NewInboundDispatcher(channels.InboundDispatcherConfig{
		Cfg:     cfg,
		Manager: manager,
		Sink:    eventSink,
		Deduper: channels.NewDeduper(0, 0),
		History: channels.NewHistoryAggregator(0),
		Pairing: channels.NewMemoryPairingStore(),
		Mention: channels.MentionConfig{
			BotName:    "openclaw",
			BangPrefix: cfg.Commands.BangPrefix,
		},
		Router: func(msg *bus.InboundMessage) string {
			return bindings.RouteSessionKey(msg.Provider, msg.AccountID, msg.ConversationID)
		},
		Sinks: func(msg *bus.InboundMessage, routeReply bool) channels.ReplySink {
			return channels.NewBusReplySink(messageBus, msg, routeReply)
		},
		Fallback: func(ctx context.Context, msg *bus.InboundMessage, prompt string) (bus.ReplyPayload, error) {
			// No resolver behind non-ACP sessions in this process.
			return bus.ReplyPayload{
				Text: "No agent session is bound to this conversation.",
			}, nil
		},
	})

	debouncer := channels.NewDebouncer(0, cfg.Commands.BangPrefix, func(msg *bus.InboundMessage) {
		if err := dispatcher.Dispatch(ctx, msg); err != nil {
			log.Warn("dispatch failed",
				zap.String("provider", msg.Provider),
				zap.String("conversation", msg.ConversationID),
				zap.Error(err))
		}
	})
	debouncer.SetIdleResolver(func(msg *bus.InboundMessage) time.Duration {
		return time.Duration(cfg.ChannelFor(msg.Provider).DebounceIdleMs) * time.Millisecond
	})
	defer debouncer.Stop()

	go func() {
		for {
			msg, err := messageBus.ConsumeInbound(ctx)
			if err != nil {
				return
			}
			debouncer.Submit(msg)
		}
	}()

	handler := gateway.NewHandler(cfg, manager, messageBus)
	server := gateway.NewServer(cfg.Gateway, handler, eventSink)
	go func() {
		if err := server.ListenAndServe(ctx); err != nil && err != context.Canceled {
			log.Error("gateway server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	manager.BeginDraining()
	cancel()

	// Give in-flight turns a moment to observe cancellation.
	time.Sleep(200 * time.Millisecond)
	log.Info("openclaw stopped")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("could not render config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
