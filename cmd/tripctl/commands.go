package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/trip-checkout/internal/app"
	"github.com/iliyamo/trip-checkout/internal/mailer"
	"github.com/iliyamo/trip-checkout/internal/service"
)

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep now",
		Long: `Expire overdue checkout sessions, invalidate orphan magic links,
cancel orders whose gateway payment timed out and refresh loyalty
balances with lapsed points.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				r := a.Sweeper.RunOnce(ctx)
				if asJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), r)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "expired sessions:    %d\n", r.ExpiredSessions)
				fmt.Fprintf(w, "invalidated tokens:  %d\n", r.InvalidatedTokens)
				fmt.Fprintf(w, "cancelled orders:    %d\n", r.CancelledOrders)
				fmt.Fprintf(w, "refreshed accounts:  %d\n", r.RefreshedAccounts)
				fmt.Fprintf(w, "failures:            %d\n", r.Failures)
				if r.Failures > 0 {
					return fmt.Errorf("sweep finished with %d failures", r.Failures)
				}
				return nil
			})
		},
	}
}

func overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List manual transfers awaiting payment past the overdue window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				rows, err := a.Orders.OverdueTransfers(ctx)
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), rows)
				}
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no overdue transfers")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ORDER ID\tNUMBER\tEMAIL\tAMOUNT\tREQUESTED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
						r.OrderID, r.OrderNumber, r.Email,
						mailer.FormatCents(r.AmountCents), r.RequestedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func markPaidCmd() *cobra.Command {
	var paymentID uint64
	cmd := &cobra.Command{
		Use:   "mark-paid ORDER_ID",
		Short: "Record a received bank transfer and confirm the order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var pid *uint64
				if cmd.Flags().Changed("payment-id") {
					pid = &paymentID
				}
				s, err := a.Orders.MarkPaid(ctx, id, pid)
				if err != nil {
					return describe(err)
				}
				if asJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"order_number":  s.Order.OrderNumber,
						"status":        s.Order.Status,
						"payment_id":    s.PaymentID,
						"points_earned": s.PointsEarned,
						"already_paid":  s.AlreadyPaid,
					})
				}
				if s.AlreadyPaid {
					fmt.Fprintf(cmd.OutOrStdout(), "order %s was already paid\n", s.Order.OrderNumber)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s confirmed (payment %d, %d points earned)\n",
					s.Order.OrderNumber, s.PaymentID, s.PointsEarned)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&paymentID, "payment-id", 0, "Manual transfer attempt to settle (default: latest)")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Cancel an unpaid order, releasing seats and refunding points",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Orders.Cancel(ctx, id, reason)
				if err != nil {
					return describe(err)
				}
				if asJSON(cmd) {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"order_number":      c.Order.OrderNumber,
						"status":            c.Order.Status,
						"already_cancelled": c.AlreadyCancelled,
						"refunded_points":   c.RefundedPoints,
					})
				}
				if c.AlreadyCancelled {
					fmt.Fprintf(cmd.OutOrStdout(), "order %s was already cancelled\n", c.Order.OrderNumber)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "order %s cancelled (%d points refunded)\n",
					c.Order.OrderNumber, c.RefundedPoints)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", service.ReasonOperator, "Cancellation reason recorded on the order")
	return cmd
}

func createOperatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-operator EMAIL",
		Short: "Create an operator account",
		Long:  "Create an operator account.  The password is read from TRIPCTL_PASSWORD.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("TRIPCTL_PASSWORD")
			if password == "" {
				return fmt.Errorf("TRIPCTL_PASSWORD is not set")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				id, err := a.Users.CreateOperator(ctx, args[0], password, a.Config.BcryptCost)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "operator %d created\n", id)
				return nil
			})
		},
	}
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid order id %q", s)
	}
	return id, nil
}

// describe renders service errors the way an operator reads them.
func describe(err error) error {
	var se *service.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %s", se.Kind, se.Message)
	}
	return err
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
