package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchline/internal/app"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
)

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:     "mission",
		Aliases: []string{"m"},
		Short:   "Manage missions",
		Long:    "Commands run as the actor given by --as; driver actions need a driver id.",
	}
	m.AddCommand(missionListCmd())
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionShowCmd())
	m.AddCommand(missionEditCmd())
	m.AddCommand(missionDeleteCmd())
	m.AddCommand(missionCommentCmd())
	m.AddCommand(missionSendDayCmd())
	for _, step := range []struct {
		use   string
		short string
		to    domain.Status
	}{
		{"send", "Send a draft to its driver", domain.StatusSent},
		{"confirm", "Confirm a sent mission (driver)", domain.StatusConfirmed},
		{"pickup", "Mark the client picked up (driver)", domain.StatusPickedUp},
		{"complete", "Complete the mission (driver)", domain.StatusCompleted},
	} {
		m.AddCommand(missionTransitionCmd(step.use, step.short, step.to))
	}
	m.AddCommand(missionStatusCmd())
	return m
}

func renderMissions(items []domain.Mission) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Date", "Time", "Client", "Pickup", "Dropoff", "Driver", "Status")
	for _, m := range items {
		driver := ""
		if m.HasDriver() {
			driver = fmt.Sprint(*m.DriverID)
		}
		tw.AppendRow(table.Row{m.ID, m.Date, m.Time, m.ClientName, m.PickupAddress, m.DropoffAddress, driver, m.Status})
	}
	tw.Render()
	return nil
}

func missionListCmd() *cobra.Command {
	var date, from, to, status string
	var driverID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				f := domain.MissionFilter{From: from, To: to, Limit: limit}
				if date != "" {
					f.From, f.To = date, date
				}
				if status != "" {
					if f.Status, err = engine.ParseStatus(status); err != nil {
						return err
					}
				}
				if driverID > 0 {
					f.DriverID = &driverID
				}
				items, err := a.Engine.ListMissions(ctx, p, f)
				if err != nil {
					return err
				}
				return renderMissions(items)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&from, "from", "", "first day")
	cmd.Flags().StringVar(&to, "to", "", "last day")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&driverID, "driver", 0, "driver id filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max results")
	return cmd
}

func missionCreateCmd() *cobra.Command {
	var in domain.Mission
	var category string
	var driverID int64
	var price float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Category = domain.Category(category)
			if driverID > 0 {
				in.DriverID = &driverID
			}
			if cmd.Flags().Changed("price") {
				in.EstimatedPrice = &price
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				m, err := a.Engine.CreateMission(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&in.Date, "date", "", "day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&in.Time, "time", "", "pickup time (HH:MM)")
	cmd.Flags().StringVar(&in.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&in.ClientPhone, "phone", "", "client phone")
	cmd.Flags().IntVar(&in.Passengers, "passengers", 1, "passenger count")
	cmd.Flags().StringVar(&in.PickupAddress, "pickup", "", "pickup address")
	cmd.Flags().StringVar(&in.DropoffAddress, "dropoff", "", "dropoff address")
	cmd.Flags().StringVar(&category, "category", string(domain.CategoryReimbursable), "reimbursable|private")
	cmd.Flags().Int64Var(&driverID, "driver", 0, "assigned driver id")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	cmd.Flags().Float64Var(&price, "price", 0, "estimated price")
	for _, f := range []string{"date", "time", "client", "pickup", "dropoff"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func missionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				m, err := a.Engine.GetMission(ctx, p, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionEditCmd() *cobra.Command {
	var (
		date, tm, client, phone, pickup, dropoff, category, notes string
		passengers                                                int
		driverID                                                  int64
		price                                                     float64
		unassign                                                  bool
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit mission fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var patch domain.MissionPatch
			changed := cmd.Flags().Changed
			if changed("date") {
				patch.Date = &date
			}
			if changed("time") {
				patch.Time = &tm
			}
			if changed("client") {
				patch.ClientName = &client
			}
			if changed("phone") {
				patch.ClientPhone = &phone
			}
			if changed("passengers") {
				patch.Passengers = &passengers
			}
			if changed("pickup") {
				patch.PickupAddress = &pickup
			}
			if changed("dropoff") {
				patch.DropoffAddress = &dropoff
			}
			if changed("category") {
				c := domain.Category(category)
				patch.Category = &c
			}
			if changed("notes") {
				patch.Notes = &notes
			}
			if changed("price") {
				patch.EstimatedPrice = &price
			}
			if changed("driver") {
				patch.DriverSet, patch.DriverID = true, &driverID
			}
			if unassign {
				patch.DriverSet, patch.DriverID = true, nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				m, err := a.Engine.EditMission(ctx, p, id, patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&tm, "time", "", "pickup time (HH:MM)")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&phone, "phone", "", "client phone")
	cmd.Flags().IntVar(&passengers, "passengers", 1, "passenger count")
	cmd.Flags().StringVar(&pickup, "pickup", "", "pickup address")
	cmd.Flags().StringVar(&dropoff, "dropoff", "", "dropoff address")
	cmd.Flags().StringVar(&category, "category", "", "reimbursable|private")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	cmd.Flags().Float64Var(&price, "price", 0, "estimated price")
	cmd.Flags().Int64Var(&driverID, "driver", 0, "assign driver id")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "remove the assigned driver (drafts only)")
	cmd.MarkFlagsMutuallyExclusive("driver", "unassign")
	return cmd
}

func missionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				m, err := a.Engine.DeleteMission(ctx, p, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("deleted mission %d (%s)\n", m.ID, m.Status)
				return nil
			})
		},
	}
}

func applyTransition(cmd *cobra.Command, arg string, to domain.Status) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		p, err := principal(ctx, a)
		if err != nil {
			return err
		}
		m, err := a.Engine.ApplyTransition(ctx, engine.TransitionRequest{MissionID: id, To: to, Actor: p})
		if err != nil {
			return err
		}
		return printJSONOrTable(m)
	})
}

func missionTransitionCmd(use, short string, to domain.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyTransition(cmd, args[0], to)
		},
	}
}

func missionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a mission to a status by name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := engine.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return applyTransition(cmd, args[0], to)
		},
	}
}

func missionCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <text...>",
		Short: "Comment on a mission",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				m, err := a.Engine.Comment(ctx, p, id, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionSendDayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-day <date>",
		Short: "Send every draft mission of a day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := principal(ctx, a)
				if err != nil {
					return err
				}
				sum, err := a.Bulk.SendDay(ctx, args[0], p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Println(sum.Message)
				tw := newTable("Mission", "Driver", "Sent", "Reason")
				for _, o := range sum.Outcomes {
					driver := ""
					if o.DriverID != nil {
						driver = fmt.Sprint(*o.DriverID)
					}
					tw.AppendRow(table.Row{o.MissionID, driver, o.Sent, o.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}
