package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"annoline/internal/app"
	"annoline/internal/domain"
	"annoline/internal/engine/auth"
	"annoline/internal/repo"
)

func studyCmd() *cobra.Command {
	st := &cobra.Command{Use: "study", Short: "Inspect and reset studies"}
	st.AddCommand(studyListCmd())
	st.AddCommand(studyShowCmd())
	st.AddCommand(studyHistoryCmd())
	st.AddCommand(studyResetCmd())
	return st
}

func studyListCmd() *cobra.Command {
	var f repo.StudyFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.Studies(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, s := range items {
					rows = append(rows, table.Row{s.ID, s.ExternalID, s.Status, s.Iteration, optionalID(s.AnnotatorID), optionalID(s.ReviewerID), s.Path})
				}
				return printJSONOrTable(items, table.Row{"ID", "External ID", "Status", "Iteration", "Annotator", "Reviewer", "Path"}, rows)
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&f.BatchID, "batch", 0, "batch id")
	cmd.Flags().Int64Var(&f.AnnotatorID, "annotator", 0, "annotator id")
	cmd.Flags().Int64Var(&f.ReviewerID, "reviewer", 0, "reviewer id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func studyShowCmd() *cobra.Command {
	var byExternal bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var s domain.Study
				var err error
				if byExternal {
					s, err = rt.Engine.StudyByExternalID(ctx, args[0])
				} else {
					var id int64
					if id, err = parseID(args[0]); err != nil {
						return err
					}
					s, err = rt.Engine.Study(ctx, id)
				}
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().BoolVar(&byExternal, "external", false, "treat the argument as an external study id")
	return cmd
}

func studyHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status history of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.History(ctx, id)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, h := range items {
					from := "-"
					if h.From != nil {
						from = string(*h.From)
					}
					rows = append(rows, table.Row{h.ChangedAt, h.Transition, from, h.To, h.Iteration, optionalID(h.ActorID)})
				}
				return printJSONOrTable(items, table.Row{"At", "Transition", "From", "To", "Iteration", "Actor"}, rows)
			})
		},
	}
}

func studyResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Return a study to new (requires --as with reset rights)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := actor(ctx, rt, auth.CapStudyReset)
				if err != nil {
					return err
				}
				p, err := rt.Engine.ProposeReset(ctx, a, id)
				if err != nil {
					return err
				}
				if !yes {
					fmt.Printf("Study %d is %s at iteration %d. Reset it to new? [y/N] ", p.StudyID, p.Status, p.Iteration)
					answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
					if ans := strings.ToLower(strings.TrimSpace(answer)); ans != "y" && ans != "yes" {
						fmt.Println("aborted")
						return nil
					}
				}
				s, err := rt.Engine.ConfirmReset(ctx, a, p.Token)
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func claimCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next new study of a project (requires --as)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				a, err := actor(ctx, rt, auth.CapStudyClaim)
				if err != nil {
					return err
				}
				s, err := rt.Engine.ClaimNext(ctx, a, projectID)
				if err != nil {
					return err
				}
				if s == nil {
					fmt.Println("no study available")
					return nil
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
