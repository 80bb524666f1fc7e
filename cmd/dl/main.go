package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"dispatchline/internal/app"
	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine/auth"
	"dispatchline/internal/logging"
	"dispatchline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dispatchline CLI",
	Long: `Dispatchline runs the mission board of a patient transport company.
- Missions: a client trip on a given day; statuses go draft -> sent -> confirmed -> pec -> completed.
- Dispatchers create, edit, assign and send missions; drivers confirm, pick up and complete their own.
- Every change is pushed live to connected dispatchers and to the assigned driver, with a push notification to the driver's device as fallback.
- Event log: audit trail of mission changes, view with 'dl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("DISPATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("db", "", "database file (defaults to <workspace>/.dispatchline/dispatchline.db)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("as", 0, "actor id to act as (defaults to the first dispatcher)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage dispatchline.yml",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default dispatchline.yml",
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
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.Auth.JWTSecret = redact(c.Auth.JWTSecret)
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate dispatchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and live server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			a, err := app.New(cmd.Context(), app.Options{
				Workspace:     viper.GetString("workspace"),
				DBPath:        viper.GetString("db"),
				Config:        cfg,
				RequireSecret: true,
			})
			if err != nil {
				return err
			}
			defer a.Close()
			if seeded, created, err := app.EnsureDispatcher(cmd.Context(), a.Repo, ""); err != nil {
				return err
			} else if created {
				a.Logger.Info().Int64("actor_id", seeded.ID).Msg("seeded first dispatcher")
			}
			handler, err := server.New(server.ConfigFromApp(a))
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return a.Run(ctx) })
			if hooks := server.NewWebhooks(a.Repo, cfg.Webhooks, logging.Component(a.Logger, "webhooks")); hooks != nil {
				g.Go(func() error { return hooks.Run(ctx) })
			}
			g.Go(func() error {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdown)
			})
			g.Go(func() error {
				a.Logger.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).
					Str("instance", a.InstanceID).Msg("serving dispatchline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Bearer tokens"}
	var actorID int64
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a bearer token for an actor (development)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Tokens.Secret == "" {
					return fmt.Errorf("auth.jwt_secret is required (or set %s)", app.SecretEnv)
				}
				actor, err := a.Repo.GetActor(ctx, actorID)
				if err != nil {
					return fmt.Errorf("actor %d: %w", actorID, err)
				}
				token, err := a.Tokens.Mint(auth.Principal{ActorID: actor.ID, Role: actor.Role, Name: actor.Name}, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "actor_id": actor.ID, "role": actor.Role})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	mint.Flags().Int64Var(&actorID, "actor", 0, "actor id")
	mint.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = mint.MarkFlagRequired("actor")
	a.AddCommand(mint)
	return a
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of every mission change, bulk send and comment.",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

// withApp opens the workspace and runs fn with the live consumers started,
// so changes made from the CLI reach push devices and, with the relay
// enabled, the running servers.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		DBPath:    viper.GetString("db"),
		Config:    cfg,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	fnErr := fn(ctx, a)
	a.Bus.Close()
	if err := <-done; err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

// principal resolves --as, defaulting to the first dispatcher.
func principal(ctx context.Context, a *app.App) (auth.Principal, error) {
	id := viper.GetInt64("as")
	var (
		actor domain.Actor
		err   error
	)
	if id == 0 {
		actor, _, err = app.EnsureDispatcher(ctx, a.Repo, "")
	} else {
		actor, err = a.Repo.GetActor(ctx, id)
	}
	if err != nil {
		return auth.Principal{}, err
	}
	if !actor.Active {
		return auth.Principal{}, fmt.Errorf("actor %d is inactive", actor.ID)
	}
	return auth.Principal{ActorID: actor.ID, Role: actor.Role, Name: actor.Name}, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := newTable("Field", "Value")
	for _, k := range keys {
		tw.AppendRow(table.Row{k, fields[k]})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
