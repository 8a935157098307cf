package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yourusername/bundle-forge/internal/app"
	"github.com/yourusername/bundle-forge/internal/collection"
)

type appLoader func(ctx context.Context) (*app.App, error)

func newRootCmd(load appLoader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Manage job collections and their merged archives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(workerCmd(load))
	rootCmd.AddCommand(submitCmd(load))
	rootCmd.AddCommand(listCmd(load))
	rootCmd.AddCommand(statusCmd(load))
	rootCmd.AddCommand(pollCmd(load))
	rootCmd.AddCommand(deleteCmd(load))
	rootCmd.AddCommand(jobCmd(load))
	return rootCmd
}

// withApp は App を初期化して fn を実行し、終了時に閉じます。
func withApp(cmd *cobra.Command, load appLoader, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := load(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create database tables if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			// スキーマ作成は app.New の中で行われる
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "schema is ready (%s)\n", a.Config.DatabaseDriver)
				return nil
			})
		},
	}
}

func workerCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run poll workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				a.Logger.Info("starting poll workers, press Ctrl+C to shut down")
				// Run は SIGINT/SIGTERM を受けるまでブロックする
				return a.Jobs.Run(a.Service)
			})
		},
	}
}

func submitCmd(load appLoader) *cobra.Command {
	var owner, scope string
	cmd := &cobra.Command{
		Use:   "submit <jobId>...",
		Short: "Create a collection and schedule its first poll",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				c, err := a.Service.Submit(ctx, owner, scope, args)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the collection")
	cmd.Flags().StringVar(&scope, "scope", "", "scope the jobs belong to")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func listCmd(load appLoader) *cobra.Command {
	var owner, scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List collections of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				list, err := a.Service.List(ctx, owner, scope)
				if err != nil {
					return err
				}
				for _, c := range list {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", c.ID, c.Status, c.Len())
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the collections")
	cmd.Flags().StringVar(&scope, "scope", "", "limit to one scope")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func statusCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status <collectionId>",
		Short: "Show a collection and the states of its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				c, err := a.Service.Get(ctx, "", args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					*collection.Collection
					Members []string                `json:"members"`
					States  collection.MemberStates `json:"states"`
				}{c, c.MemberIDs(), c.States()})
			})
		},
	}
}

func pollCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "poll <collectionId>",
		Short: "Run one poll in the foreground without the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				res := a.Service.Poll(ctx, args[0], func(stage string, percent int) {
					fmt.Fprintf(out, "%3d%% %s\n", percent, stage)
				})
				if res.Outcome == collection.OutcomeFatal {
					return res.Err
				}
				fmt.Fprintf(out, "%s %s\n", res.Outcome, res.Status)
				return nil
			})
		},
	}
}

func deleteCmd(load appLoader) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "delete <collectionId>",
		Short: "Delete a collection, its pending poll and its archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				if err := a.Service.Delete(ctx, owner, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only delete when owned by this user")
	return cmd
}

func jobCmd(load appLoader) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Manage archive job rows",
	}

	var (
		scope, status, artifactKey string
		resources, records         []string
	)
	setCmd := &cobra.Command{
		Use:   "set <jobId>",
		Short: "Insert or update an archive job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app.App) error {
				job := &collection.Job{
					ID:          args[0],
					ScopeID:     scope,
					Status:      collection.ParseStatus(status),
					ArtifactKey: artifactKey,
					ResourceIDs: resources,
					RecordIDs:   records,
				}
				if err := a.Service.ReportJob(ctx, job); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
	setCmd.Flags().StringVar(&scope, "scope", "", "scope of the job")
	setCmd.Flags().StringVar(&status, "status", "running", "job status")
	setCmd.Flags().StringVar(&artifactKey, "artifact", "", "storage key of the artifact")
	setCmd.Flags().StringSliceVar(&resources, "resource", nil, "resource ids (repeatable)")
	setCmd.Flags().StringSliceVar(&records, "record", nil, "record ids (repeatable)")
	_ = setCmd.MarkFlagRequired("scope")

	jobCmd.AddCommand(setCmd)
	return jobCmd
}
