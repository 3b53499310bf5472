package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/claims-intake-back/internal/app"
	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/submission"
)

// claimFile is the on-disk shape accepted by the import command.
type claimFile struct {
	ID          string                 `json:"id"`
	OwnerRef    string                 `json:"owner_ref"`
	FormType    string                 `json:"form_type"`
	Form        map[string]any         `json:"form"`
	Attachments []domain.AttachmentRef `json:"attachments,omitempty"`
}

func withPipeline(cmd *cobra.Command, factory pipelineFactory, logger *log.Logger, run func(ctx context.Context, pipeline *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pipeline, err := factory(ctx, logger)
	if err != nil {
		return err
	}
	defer pipeline.Close()
	return run(ctx, pipeline)
}

func warnLocalQueue(pipeline *app.App, logger *log.Logger) {
	if pipeline.Streams == nil {
		logger.Printf("REDIS_ADDR not configured, work item stays in this process and is lost on exit")
	}
}

func importCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "import [claim.json]",
		Short: "Store a claim so it can be submitted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read claim file: %w", err)
			}
			var file claimFile
			if err := json.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("parse claim file: %w", err)
			}
			if strings.TrimSpace(file.ID) == "" || strings.TrimSpace(file.FormType) == "" {
				return errors.New("claim file requires id and form_type")
			}
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				claim := &domain.Claim{
					ID:          file.ID,
					OwnerRef:    file.OwnerRef,
					FormType:    file.FormType,
					Form:        file.Form,
					Attachments: file.Attachments,
				}
				if err := pipeline.Claims.CreateClaim(ctx, claim); err != nil {
					return fmt.Errorf("store claim: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported claim %s\n", claim.ID)
				return nil
			})
		},
	}
}

func enqueueCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [claim_id]",
		Short: "Queue a claim for submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("idempotency-key")
			identity, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				warnLocalQueue(pipeline, logger)
				result, err := pipeline.Orchestrator.Enqueue(ctx, submission.EnqueueRequest{
					ClaimID:        args[0],
					Identity:       identity,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				return printResult(cmd, result)
			})
		},
	}
	cmd.Flags().String("idempotency-key", "", "Key that maps repeated requests onto one work item")
	addIdentityFlags(cmd)
	return cmd
}

func statusCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status [work_item_id]",
		Short: "Show one submission and its error log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				record, err := pipeline.Tracker.Get(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load status %s: %w", args[0], err)
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), record)
				}
				printRecord(cmd.OutOrStdout(), *record, true)
				return nil
			})
		},
	}
}

func listCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list [claim_id]",
		Short: "List every submission attempt for a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				records, err := pipeline.Tracker.List(ctx, args[0])
				if err != nil {
					return fmt.Errorf("list statuses for %s: %w", args[0], err)
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), records)
				}
				if len(records) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no submissions for claim %s\n", args[0])
					return nil
				}
				for _, record := range records {
					printRecord(cmd.OutOrStdout(), record, false)
				}
				return nil
			})
		},
	}
}

func resubmitCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit [work_item_id]",
		Short: "Start a fresh work item for an exhausted or errored submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := identityFromFlags(cmd)
			if err != nil {
				return err
			}
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				warnLocalQueue(pipeline, logger)
				result, err := pipeline.Orchestrator.Resubmit(ctx, submission.ResubmitRequest{
					WorkItemID: args[0],
					Identity:   identity,
				})
				if err != nil {
					return err
				}
				return printResult(cmd, result)
			})
		},
	}
	addIdentityFlags(cmd)
	return cmd
}

func dlqCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List work items moved to the dead-letter stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				if pipeline.Streams == nil {
					return errors.New("dead-letter stream requires REDIS_ADDR")
				}
				letters, err := pipeline.Streams.DeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				if asJSON(cmd) {
					return writeJSON(cmd.OutOrStdout(), letters)
				}
				for _, letter := range letters {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  work_item=%s claim=%s channel=%s attempt=%s moved_at=%s\n    %s\n",
						letter.StreamID, letter.WorkItemID, letter.ClaimID, letter.Channel, letter.Attempt, letter.MovedAt, letter.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64P("limit", "n", 50, "Maximum entries")
	return cmd
}

func workerCmd(factory pipelineFactory, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume work items until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withPipeline(cmd, factory, logger, func(ctx context.Context, pipeline *app.App) error {
				warnLocalQueue(pipeline, logger)
				pipeline.RunWorkers(ctx)
				return nil
			})
		},
	}
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().String("identity-file", "", "JSON file with first_name, last_name, file_number, ssn, birth_date")
}

func identityFromFlags(cmd *cobra.Command) (domain.IdentityFields, error) {
	path, _ := cmd.Flags().GetString("identity-file")
	if strings.TrimSpace(path) == "" {
		return domain.IdentityFields{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.IdentityFields{}, fmt.Errorf("read identity file: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return domain.IdentityFields{}, fmt.Errorf("parse identity file: %w", err)
	}
	return domain.IdentityFromFlat(values), nil
}

func asJSON(cmd *cobra.Command) bool {
	value, _ := cmd.Flags().GetBool("json")
	return value
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func printResult(cmd *cobra.Command, result submission.EnqueueResult) error {
	if asJSON(cmd) {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"work_item_id": result.WorkItemID,
			"channel":      result.Channel,
			"created":      result.Created,
		})
	}
	verb := "queued"
	if !result.Created {
		verb = "already queued"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n", verb, result.WorkItemID, result.Channel)
	return nil
}

func printRecord(out io.Writer, record domain.StatusRecord, withErrors bool) {
	fmt.Fprintf(out, "%s  %-16s %-15s updated=%s", record.WorkItemID, record.Channel, record.Status, record.UpdatedAt.UTC().Format(time.RFC3339))
	if record.FallbackOf != "" {
		fmt.Fprintf(out, " fallback_of=%s", record.FallbackOf)
	}
	if record.ResubmissionOf != "" {
		fmt.Fprintf(out, " resubmission_of=%s", record.ResubmissionOf)
	}
	fmt.Fprintln(out)
	if !withErrors {
		return
	}

	keys := make([]string, 0, len(record.ErrorLog))
	for key := range record.ErrorLog {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return record.ErrorLog[keys[i]].Timestamp.Before(record.ErrorLog[keys[j]].Timestamp)
	})
	for _, key := range keys {
		entry := record.ErrorLog[key]
		fmt.Fprintf(out, "    %s %s %s: %s\n", entry.Timestamp.UTC().Format(time.RFC3339), entry.Caller, entry.ErrorClass, entry.ErrorMessage)
	}
}
