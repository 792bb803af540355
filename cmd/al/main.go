package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annoline/internal/app"
	"annoline/internal/config"
	"annoline/internal/logging"
	"annoline/internal/migrate"
	"annoline/internal/notify"
	"annoline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Annoline CLI",
	Long: `Annoline routes medical studies through annotation and review.
- Ingestion: a new batch folder (config.yaml + Mapping.csv) becomes studies in status new.
- Admission: annotators claim the next new study of their project; folders and links are provisioned.
- Review: validators claim waiting studies, then approve, reject for rework or close them.
- Audit: every transition is recorded; 'al study history' shows it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: os.Stderr})
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ANNOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/annoline.yml)")
	rootCmd.PersistentFlags().String("dsn", "", "postgres dsn (overrides database.dsn)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "signing secret (overrides auth.jwt_secret)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("as", 0, "act as this user id")
	for _, name := range []string{"workspace", "config", "dsn", "jwt-secret", "json", "as"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(studyCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(ingestCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect annoline.yml"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default annoline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				v, err := migrate.Version(rt.DB)
				if err != nil {
					return err
				}
				fmt.Printf("%s schema at version %d\n", rt.Dialect, v)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			lock, err := app.LockWorkspace(cfg)
			if err != nil {
				return err
			}
			if lock != nil {
				defer lock.Unlock()
			}
			rt, err := app.Open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Pipeline: rt.Pipeline,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
				Webhook:  server.WebhookConfig{Token: cfg.Webhook.Token, Roots: cfg.WebhookRoots()},
			})
			if err != nil {
				return err
			}
			if n, err := rt.Engine.Reconcile(cmd.Context()); err != nil {
				logging.Warn(cmd.Context(), "startup reconcile failed", "err", err)
			} else if n > 0 {
				logging.Info(cmd.Context(), "startup reconcile provisioned studies", "count", n)
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Annoline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications to the chat relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
				return fmt.Errorf("queue.redis_addr is required for the worker")
			}
			srv := notify.NewServer(app.RedisOpt(cfg), concurrency)
			proc := notify.NewProcessor(cfg.Queue.RelayURL)
			if err := srv.Start(proc.Handler()); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			logging.Info(cmd.Context(), "notification worker started", "redis", cfg.Queue.RedisAddr, "relay", cfg.Queue.RelayURL)
			<-cmd.Context().Done()
			srv.Shutdown()
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel deliveries")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if dsn := viper.GetString("dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJSONOrTable renders rows with go-pretty unless --json is set.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") || header == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func optionalID(p *int64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}
