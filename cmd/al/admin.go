package main

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annoline/internal/app"
	"annoline/internal/domain"
	"annoline/internal/engine"
	"annoline/internal/engine/auth"
	"annoline/internal/ingest"
	"annoline/internal/server"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAddMemberCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, product string
	var groupID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.CreateProject(ctx, engine.ProjectInput{Name: name, GroupID: groupID, Product: product})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name, matched against descriptor pathology")
	cmd.Flags().Int64Var(&groupID, "group-id", 0, "review chat group id")
	cmd.Flags().StringVar(&product, "product", "", "product line (chest_ct, head_ct, dx, mmg, dental, skin)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("group-id")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Projects(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.Name, p.GroupID, p.Product, len(p.MemberIDs)})
				}
				return printJSONOrTable(items, table.Row{"ID", "Name", "Group", "Product", "Members"}, rows)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				p, err := rt.Engine.Project(ctx, id)
				if err != nil {
					return err
				}
				batches, err := rt.Engine.Batches(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"project": p, "batches": batches})
			})
		},
	}
}

func projectAddMemberCmd() *cobra.Command {
	var projectID, userID int64
	cmd := &cobra.Command{
		Use:   "add-member",
		Short: "Add a user to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.AddUserToProject(ctx, userID, projectID); err != nil {
					return err
				}
				fmt.Printf("user %d joined project %d\n", userID, projectID)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	var id int64
	var role, name, login, username string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u := domain.User{ID: id, Role: domain.Role(role), Name: name, Username: username}
				if login != "" {
					u.Login = &login
				}
				created, err := rt.Engine.AddUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "chat user id")
	add.Flags().StringVar(&role, "role", "", "admin, annotator or validator")
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&login, "login", "", "storage login")
	add.Flags().StringVar(&username, "username", "", "chat username")
	_ = add.MarkFlagRequired("id")
	_ = add.MarkFlagRequired("role")
	_ = add.MarkFlagRequired("name")
	usr.AddCommand(add)
	usr.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Users(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, u := range items {
					rows = append(rows, table.Row{u.ID, u.Role, u.Name, u.Username})
				}
				return printJSONOrTable(items, table.Row{"ID", "Role", "Name", "Username"}, rows)
			})
		},
	})
	return usr
}

func inviteCmd() *cobra.Command {
	var role string
	var projectID int64
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Issue a registration invite token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSecret(); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				token, inv, err := rt.Engine.IssueInvite(ctx, domain.Role(role), projectID)
				if err != nil {
					return err
				}
				return printJSON(server.InviteResponse{Token: token, Role: inv.Role, ProjectID: inv.ProjectID, ExpiresAt: inv.ExpiresAt})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "annotator", "role granted on registration")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project joined on registration")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a registered user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireSecret(); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.User(ctx, userID); err != nil {
					return err
				}
				token, err := server.IssueToken(rt.Config.Auth.JWTSecret, userID, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Provision claimed studies missing their links",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("provisioned %d studies\n", n)
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a batch folder as if its creation was notified",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Pipeline.Ingest(ctx, ingest.Notification{
					EventClass: ingest.NodeCreatedEvent,
					Node:       ingest.Node{Path: path.Clean(folder)},
					Time:       time.Now().Unix(),
				})
				if err != nil {
					return err
				}
				return printJSON(server.IngestResponse{Batch: res.Batch, Studies: len(res.Studies), Reused: res.Reused})
			})
		},
	}
	cmd.Flags().StringVar(&folder, "path", "", "batch folder relative to the storage root")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

// actor resolves --as into an authorized actor.
func actor(ctx context.Context, rt *app.Runtime, c auth.Capability) (auth.Actor, error) {
	id := viper.GetInt64("as")
	if id == 0 {
		return auth.Actor{}, fmt.Errorf("--as <user id> is required")
	}
	return auth.Authorizer{Repo: rt.Engine.Repo}.Authorize(ctx, id, c)
}

// requireSecret refuses to sign with an ephemeral secret the server would not share.
func requireSecret() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret (or --jwt-secret) is required to sign tokens")
	}
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
