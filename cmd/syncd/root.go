package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/campushq/schoolsync"
	"github.com/campushq/schoolsync/logging"
	"github.com/campushq/schoolsync/netmon"
	boltstore "github.com/campushq/schoolsync/storage/bolt"
	sqlitestore "github.com/campushq/schoolsync/storage/sqlite"
	"github.com/campushq/schoolsync/transport/httptransport"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first sync engine for CampusHQ devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default ./syncd.yaml)")
	flags.String("server", "", "backend base URL")
	flags.String("tenant", "", "tenant id")
	flags.String("token", "", "bearer token for the backend API")
	flags.String("db", "syncd.db", "path to the local database file")
	flags.String("backend", "sqlite", "storage backend: sqlite or bolt")
	flags.String("policies", "", "optional YAML policy file overriding built-in collection policies")
	flags.Bool("wifi-only", false, "sync only on wifi")
	flags.Duration("interval", 30*time.Second, "background sync interval")

	root.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newConflictsCmd(),
		newVersionCmd(),
	)
	return root
}

func initConfig(cmd *cobra.Command) error {
	if cfg, _ := cmd.Flags().GetString("config"); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.SetConfigName("syncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/syncd")
	}

	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	logging.Init(logging.GetConfigFromEnv())
	return nil
}

// buildEngine wires the store, transport, and monitor from configuration.
func buildEngine() (*schoolsync.Engine, *netmon.Prober, error) {
	server := viper.GetString("server")
	if server == "" {
		return nil, nil, fmt.Errorf("backend base URL is required (--server or SYNCD_SERVER)")
	}

	var (
		store schoolsync.Store
		err   error
	)
	switch backend := viper.GetString("backend"); backend {
	case "sqlite":
		store, err = sqlitestore.Open(viper.GetString("db"))
	case "bolt":
		store, err = boltstore.Open(viper.GetString("db"))
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	remote, err := httptransport.New(server,
		httptransport.WithAuthToken(viper.GetString("token")),
		httptransport.WithUserAgent("syncd/"+version))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	monitor := netmon.NewProber(server)

	opts := []schoolsync.EngineOption{
		schoolsync.WithStore(store),
		schoolsync.WithRemote(remote),
		schoolsync.WithMonitor(monitor),
		schoolsync.WithTenant(viper.GetString("tenant")),
		schoolsync.WithWifiOnly(viper.GetBool("wifi-only")),
		schoolsync.WithSyncInterval(viper.GetDuration("interval")),
	}
	if path := viper.GetString("policies"); path != "" {
		policies, err := schoolsync.LoadPolicies(path)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to load policy file: %w", err)
		}
		opts = append(opts, schoolsync.WithPolicies(policies))
	}

	engine, err := schoolsync.NewEngine(opts...)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return engine, monitor, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, monitor, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			monitor.Start(ctx)
			if err := engine.Start(ctx); err != nil {
				return err
			}

			unsubscribe := engine.Subscribe(func(result *schoolsync.SyncResult) {
				logging.Info("sync cycle completed",
					slog.Int("pushed", result.OperationsPushed),
					slog.Int("pulled", result.EntriesPulled))
			})
			defer unsubscribe()

			<-ctx.Done()
			logging.Info("shutting down")
			return engine.Stop()
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, monitor, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			monitor.Start(ctx)
			monitor.ProbeNow(ctx)

			result, err := engine.ForceSync(ctx)
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Println("sync already in progress")
				return nil
			}

			fmt.Printf("pushed %d, pulled %d, conflicts resolved %d, terminal failures %d, errors %d (%s)\n",
				result.OperationsPushed, result.EntriesPulled,
				result.ConflictsResolved, result.TerminalFailures,
				len(result.Errors), result.Duration.Round(time.Millisecond))
			for _, e := range result.Errors {
				fmt.Fprintf(os.Stderr, "  error: %v\n", e)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue and network status",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, monitor, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			monitor.ProbeNow(ctx)

			status := engine.Status()
			fmt.Printf("queue length:       %d\n", status.QueueLength)
			fmt.Printf("blocked operations: %d\n", status.BlockedOperations)
			fmt.Printf("connected:          %v (%s, metered=%v)\n",
				status.Network.Connected, status.Network.Transport, status.Network.Metered)
			fmt.Printf("can sync:           %v\n", status.CanSync)
			if !status.LastSyncAt.IsZero() {
				fmt.Printf("last sync:          %s\n", status.LastSyncAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newQueueCmd() *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the pending operation queue",
	}

	queue.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop all pending operations (cached data is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			n, err := engine.ClearQueue(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d pending operations\n", n)
			return nil
		},
	})

	return queue
}

func newConflictsCmd() *cobra.Command {
	conflicts := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve manual conflicts",
	}

	conflicts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			recs, err := engine.ListUnresolvedConflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("no unresolved conflicts")
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		},
	})

	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict by choosing the client or server value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			choose, _ := cmd.Flags().GetString("choose")
			var choice schoolsync.ConflictChoice
			switch choose {
			case "client":
				choice = schoolsync.ChooseClient
			case "server":
				choice = schoolsync.ChooseServer
			default:
				return fmt.Errorf("--choose must be client or server, got %q", choose)
			}

			engine, _, err := buildEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.ResolveConflict(cmd.Context(), args[0], choice); err != nil {
				return err
			}
			fmt.Printf("conflict %s resolved with %s value\n", args[0], choose)
			return nil
		},
	}
	resolve.Flags().String("choose", "", "which side wins: client or server")
	conflicts.AddCommand(resolve)

	return conflicts
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("syncd %s (built %s)\n", version, buildDate)
		},
	}
}
