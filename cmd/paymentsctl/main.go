// Command paymentsctl is the operator CLI for the payment-service database:
// schema migration, payment inspection and outbox recovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/transfa/payment-service/internal/config"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Operate the payment-service database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "timeout for each command")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRepository opens a pool for the duration of fn.
func withRepository(cmd *cobra.Command, fn func(ctx context.Context, repo *store.PostgresRepository) error) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set")
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, store.NewPostgresRepository(pool))
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the payment-service schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *store.PostgresRepository) error {
				if err := repo.ApplySchema(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

type paymentReport struct {
	Payment  *domain.PaymentRequest  `json:"payment"`
	Metadata map[string]string       `json:"metadata"`
	Timeline []domain.TimelineEntry  `json:"status_timeline"`
	Attempts []domain.PaymentAttempt `json:"attempts"`
}

func paymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Inspect payment requests",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [payment-id|reference-key]",
		Short: "Print a payment with its metadata and attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(ctx context.Context, repo *store.PostgresRepository) error {
				payment, err := findPayment(ctx, repo, args[0])
				if err != nil {
					return err
				}
				metadata, err := repo.FindPaymentMetadata(ctx, payment.ID)
				if err != nil {
					return fmt.Errorf("load metadata: %w", err)
				}
				attempts, err := repo.ListPaymentAttempts(ctx, payment.ID)
				if err != nil {
					return fmt.Errorf("load attempts: %w", err)
				}

				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(paymentReport{
					Payment:  payment,
					Metadata: metadata,
					Timeline: domain.BuildTimeline(payment),
					Attempts: attempts,
				})
			})
		},
	})

	return cmd
}

func findPayment(ctx context.Context, repo store.Repository, key string) (*domain.PaymentRequest, error) {
	if id, err := uuid.Parse(key); err == nil {
		payment, err := repo.FindPaymentByID(ctx, id)
		if err == nil || !errors.Is(err, store.ErrPaymentNotFound) {
			return payment, err
		}
	}
	payment, err := repo.FindPaymentByReferenceKey(ctx, key)
	if errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("no payment matches %q", key)
	}
	return payment, err
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Manage the event outbox",
	}

	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move failed outbox events back to pending",
		Long: `Move failed outbox events back to pending so the dispatcher retries them.

Examples:
  paymentsctl outbox requeue
  paymentsctl outbox requeue --aggregate pay_123`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregate, _ := cmd.Flags().GetString("aggregate")
			return withRepository(cmd, func(ctx context.Context, repo *store.PostgresRepository) error {
				count, err := repo.RequeueFailedOutboxEvents(ctx, aggregate)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d event(s)\n", count)
				return nil
			})
		},
	}
	requeue.Flags().String("aggregate", "", "only requeue events for this reference key")
	cmd.AddCommand(requeue)

	return cmd
}
