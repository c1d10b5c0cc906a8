package main

import (
	"context"
	"fmt"
	"strings"

	"fulfillment/internal/app"
	"fulfillment/internal/model"

	"github.com/spf13/cobra"
)

type opener func(ctx context.Context) (*app.App, error)

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "fulfillctl",
		Short:         "Operator tooling for the order routing & dispatch engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(refreshBalanceCmd(open))
	root.AddCommand(listProductsCmd(open))
	root.AddCommand(dispatchCmd(open))
	root.AddCommand(pollCmd(open))
	root.AddCommand(cancelCmd(open))
	root.AddCommand(freezeCmd(open))
	root.AddCommand(runTaskCmd(open))
	root.AddCommand(importCodesCmd(open))
	return root
}

// withApp 打开组件执行 fn，结束后释放连接。
func withApp(cmd *cobra.Command, open opener, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func refreshBalanceCmd(open opener) *cobra.Command {
	var id uint
	cmd := &cobra.Command{
		Use:   "refresh-balance",
		Short: "Fetch an integration's balance; clears a failed-credentials fence on success",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RefreshBalance(ctx, id)
				if err != nil {
					return fmt.Errorf("refresh balance of integration %d: %w", id, err)
				}
				debt := "-"
				if res.Debt != nil {
					debt = res.Debt.String()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "integration %d balance=%s debt=%s\n", id, res.Balance, debt)
				return nil
			})
		},
	}
	cmd.Flags().UintVar(&id, "integration", 0, "provider binding id")
	_ = cmd.MarkFlagRequired("integration")
	return cmd
}

func listProductsCmd(open opener) *cobra.Command {
	var id uint
	cmd := &cobra.Command{
		Use:   "list-products",
		Short: "List the upstream catalog of an integration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListProducts(ctx, id)
				if err != nil {
					return fmt.Errorf("list products of integration %d: %w", id, err)
				}
				out := cmd.OutOrStdout()
				for _, p := range list {
					fmt.Fprintf(out, "%s\t%s\t%s %s\n", p.ExternalID, p.Name, p.BasePrice, p.Currency)
				}
				fmt.Fprintf(out, "%d products\n", len(list))
				return nil
			})
		},
	}
	cmd.Flags().UintVar(&id, "integration", 0, "provider binding id")
	_ = cmd.MarkFlagRequired("integration")
	return cmd
}

func printOrder(cmd *cobra.Command, o *model.Order) {
	fmt.Fprintf(cmd.OutOrStdout(), "order %s status=%s mode=%s external=%s reason=%s\n",
		o.ID, o.Status, o.Mode, o.ExternalID(), o.Reason)
}

func dispatchCmd(open opener) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Force one dispatch pass for a pending order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Dispatch(ctx, id); err != nil {
					return fmt.Errorf("dispatch %s: %w", id, err)
				}
				o, err := a.Engine.Order(ctx, id)
				if err != nil {
					return err
				}
				printOrder(cmd, o)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "order", "", "order id")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func pollCmd(open opener) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the upstream status of a sent order now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.PollOrder(ctx, id); err != nil {
					return fmt.Errorf("poll %s: %w", id, err)
				}
				o, err := a.Engine.Order(ctx, id)
				if err != nil {
					return err
				}
				printOrder(cmd, o)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "order", "", "order id")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func cancelCmd(open opener) *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a non-terminal order and its local children",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Cancel(ctx, id, reason); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				o, err := a.Engine.Order(ctx, id)
				if err != nil {
					return err
				}
				printOrder(cmd, o)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "order", "", "order id")
	cmd.Flags().StringVar(&reason, "reason", "cancelled", "rejection reason")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func freezeCmd(open opener) *cobra.Command {
	var status string
	var emit bool
	cmd := &cobra.Command{
		Use:   "freeze-approved",
		Short: "Finalize historical terminal orders that were never FX-frozen",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := model.OrderStatus(strings.ToLower(status))
			if !st.Terminal() {
				return fmt.Errorf("--status must be approved or rejected, got %q", status)
			}
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.FreezeHistorical(ctx, st, emit)
				if err != nil {
					return fmt.Errorf("freeze %s orders: %w", st, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "froze %d %s orders\n", n, st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(model.StatusApproved), "terminal status to freeze")
	cmd.Flags().BoolVar(&emit, "emit", false, "also write wallet events and propagation records")
	return cmd
}

func runTaskCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "run-task <name>",
		Short: "Run one periodic task immediately (status-poll, pending-sweep, outbox-relay, finalize-sweep)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Runner.RunTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "task %s done\n", args[0])
				return nil
			})
		},
	}
}

func importCodesCmd(open opener) *cobra.Command {
	var group uint
	cmd := &cobra.Command{
		Use:   "import-codes <code>...",
		Short: "Add codes to a local code group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, a *app.App) error {
				if err := a.Store.ImportCodes(ctx, group, args...); err != nil {
					return fmt.Errorf("import codes into group %d: %w", group, err)
				}
				left, err := a.Store.CountUnclaimed(ctx, group)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "group %d: %d unclaimed codes\n", group, left)
				return nil
			})
		},
	}
	cmd.Flags().UintVar(&group, "group", 0, "code group id")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
