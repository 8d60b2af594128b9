package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/payments"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// operatorActor is the admin identity recorded on every change bookingctl makes.
var operatorActor = identity.Actor{ID: "bookingctl", Role: identity.RoleAdmin}

type operator struct {
	engine     *appointments.Engine
	reconciler payments.EventReconciler
	logger     *logging.Logger
	closer     func()
}

func newOperator(engine *appointments.Engine, notifier payments.ReconcileNotifier, logger *logging.Logger) *operator {
	return &operator{
		engine:     engine,
		reconciler: payments.NewReconciler(engine, logger).WithNotifier(notifier),
		logger:     logger,
	}
}

// ReplaySummary counts the dispositions of a replayed batch.
type ReplaySummary struct {
	Applied   int `json:"applied"`
	Duplicate int `json:"duplicate"`
	Stale     int `json:"stale"`
	Failed    int `json:"failed"`
}

// replay feeds one JSON event per line through the reconciler. Blank lines are skipped and a
// failing event does not stop the batch.
func (o *operator) replay(ctx context.Context, r io.Reader) (ReplaySummary, error) {
	var sum ReplaySummary
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var evt payments.Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			o.logger.Error("undecodable replay line", "line", line, "error", err)
			sum.Failed++
			continue
		}
		res, err := o.reconciler.Reconcile(ctx, evt)
		if err != nil {
			o.logger.Error("replay event failed", "line", line, "session_id", evt.SessionID, "error", err)
			sum.Failed++
			continue
		}
		switch res.Disposition {
		case payments.Applied:
			sum.Applied++
		case payments.Duplicate:
			sum.Duplicate++
		case payments.Stale:
			sum.Stale++
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("read events: %w", err)
	}
	return sum, nil
}

// requeueRefunds re-enqueues an intent for every canceled booking still flagged refund_pending.
func (o *operator) requeueRefunds(ctx context.Context, dryRun bool) (int, error) {
	recs, err := o.engine.List(ctx, operatorActor, appointments.ListFilter{
		Status:        appointments.StatusCanceled,
		RefundPending: true,
	})
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, rec := range recs {
		if dryRun {
			o.logger.Info("would requeue refund", "appointment_id", rec.ID, "variant", rec.Variant)
			queued++
			continue
		}
		if err := o.engine.EnqueueRefund(ctx, rec, "operator requeue"); err != nil {
			return queued, fmt.Errorf("requeue %s: %w", rec.ID, err)
		}
		queued++
	}
	return queued, nil
}

func (o *operator) show(ctx context.Context, w io.Writer, variant, id string) error {
	v, ok := appointments.ParseVariant(variant)
	if !ok {
		return fmt.Errorf("unknown variant %q", variant)
	}
	rec, err := o.engine.Get(ctx, operatorActor, v, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func reconcileCmd(app func() *operator) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Payment reconciliation tools",
	}
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay exported provider events (JSON lines) through the reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			var in io.Reader = cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			sum, err := app().replay(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied=%d duplicate=%d stale=%d failed=%d\n",
				sum.Applied, sum.Duplicate, sum.Stale, sum.Failed)
			if sum.Failed > 0 {
				return errors.New("some events failed to reconcile")
			}
			return nil
		},
	}
	replayCmd.Flags().String("file", "-", "Path to a JSON-lines event export, - for stdin")
	cmd.AddCommand(replayCmd)
	return cmd
}

func refundsCmd(app func() *operator) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refunds",
		Short: "Refund recovery tools",
	}
	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Re-enqueue refund intents for canceled bookings still flagged refund_pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			n, err := app().requeueRefunds(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d refund(s)\n", n)
			return nil
		},
	}
	requeueCmd.Flags().Bool("dry-run", false, "List matching bookings without enqueuing")
	cmd.AddCommand(requeueCmd)
	return cmd
}

func appointmentsCmd(app func() *operator) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "Inspect bookings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <variant> <id>",
		Short: "Print a booking as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app().show(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	})
	return cmd
}
