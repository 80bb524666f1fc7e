package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchline/internal/app"
	"dispatchline/internal/domain"
	"dispatchline/internal/notify"
	"dispatchline/internal/repo"
)

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }

func actorCmd() *cobra.Command {
	a := &cobra.Command{Use: "actor", Short: "Manage dispatchers and drivers"}

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListActors(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Role", "Phone", "Active")
				for _, act := range items {
					tw.AppendRow(table.Row{act.ID, act.Name, act.Role, act.Phone, act.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&role, "role", "", "dispatcher|driver")

	var name, addRole, phone string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				act, err := a.Repo.InsertActor(ctx, domain.Actor{
					Name: name, Role: domain.Role(addRole), Phone: phone, Active: true, CreatedAt: stamp(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&addRole, "role", string(domain.RoleDriver), "dispatcher|driver")
	add.Flags().StringVar(&phone, "phone", "", "phone number")
	_ = add.MarkFlagRequired("name")

	a.AddCommand(list, add, setActiveCmd("activate", true), setActiveCmd("deactivate", false))
	return a
}

func setActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: use + " an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.SetActorActive(ctx, id, active); err != nil {
					return err
				}
				act, err := a.Repo.GetActor(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(act)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Driver device push tokens"}
	t.AddCommand(&cobra.Command{
		Use:   "set <actor-id> <token>",
		Short: "Register a device token for a driver",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tok, err := a.Notify.RegisterToken(ctx, id, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(tok)
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "show <actor-id>",
		Short: "Show the device token of a driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tok, err := a.Repo.GetDeviceToken(ctx, id)
				if err != nil {
					return fmt.Errorf("actor %d: %w", id, err)
				}
				return printJSONOrTable(tok)
			})
		},
	})
	t.AddCommand(&cobra.Command{
		Use:   "clear <actor-id>",
		Short: "Forget the device token of a driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteDeviceToken(ctx, id)
			})
		},
	})
	return t
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Send push notifications"}
	var title, body string
	driver := &cobra.Command{
		Use:   "driver <actor-id>",
		Short: "Notify one driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				receipt, err := a.Notify.NotifyDriver(ctx, id, notify.Message{Title: title, Body: body})
				if err != nil {
					return err
				}
				return printJSONOrTable(receipt)
			})
		},
	}
	all := &cobra.Command{
		Use:   "all",
		Short: "Notify every active driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Notify.NotifyAllDrivers(ctx, notify.Message{Title: title, Body: body})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	for _, c := range []*cobra.Command{driver, all} {
		c.Flags().StringVar(&title, "title", "", "notification title")
		c.Flags().StringVar(&body, "body", "", "notification body")
		_ = c.MarkFlagRequired("title")
	}
	n.AddCommand(driver, all)
	return n
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for in-vehicle terminals and integrations"}

	var actorID int64
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				rec := domain.APIKey{ID: uuid.NewString(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(key), CreatedAt: stamp()}
				if err := a.Repo.InsertAPIKey(ctx, rec); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": rec, "key": key})
				}
				fmt.Printf("id:  %s\nkey: %s\n", rec.ID, key)
				return nil
			})
		},
	}
	create.Flags().Int64Var(&actorID, "actor", 0, "actor id")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Actor", "Name", "Created", "Last used")
				for _, key := range items {
					last := ""
					if key.LastUsedAt != nil {
						last = *key.LastUsedAt
					}
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&listActor, "actor", 0, "actor id filter")

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}
