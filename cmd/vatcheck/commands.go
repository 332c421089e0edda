package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/vat-checker/internal/common"
	repo "github.com/joseph-ayodele/vat-checker/internal/repository"
)

type rootOptions struct {
	addr    string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vatcheck",
		Short:         "Submit VAT number batches and inspect their jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultAddr := os.Getenv("VATCHECK_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", defaultAddr, "vatcheckd base URL (env VATCHECK_ADDR)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "request timeout")

	root.AddCommand(
		newSubmitCmd(opts),
		newPollCmd(opts),
		newExportCmd(opts),
		newDBHealthCmd(),
	)
	return root
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		file  string
		label string
	)
	cmd := &cobra.Command{
		Use:   "submit [number...]",
		Short: "Submit a batch of numbers (arguments, --file, or stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			lines := args
			if len(lines) == 0 {
				in := cmd.InOrStdin()
				if file != "" && file != "-" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					in = f
				}
				var err error
				if lines, err = readLines(in); err != nil {
					return err
				}
			}
			if len(lines) == 0 {
				return fmt.Errorf("no numbers to submit")
			}

			ctx, cancel := commandContext(cmd, opts.timeout)
			defer cancel()
			var out json.RawMessage
			if err := newClient(opts.addr).submit(ctx, lines, label, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read numbers from a file, one per line (- for stdin)")
	cmd.Flags().StringVar(&label, "label", "", "free-form label stored on the job")
	return cmd
}

func newPollCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll <job-id>",
		Short: "Show a job's status and current results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd, opts.timeout)
			defer cancel()
			var out json.RawMessage
			if err := newClient(opts.addr).poll(ctx, args[0], &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Download a job's results as an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = "job-" + args[0] + ".xlsx"
			}
			ctx, cancel := commandContext(cmd, opts.timeout)
			defer cancel()
			data, err := newClient(opts.addr).export(ctx, args[0])
			if err != nil {
				return err
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default job-<id>.xlsx)")
	return cmd
}

func newDBHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-health",
		Short: "Open the configured database and print item counts by state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := common.LoadConfig()
			logger := common.NewLogger(common.LogConfig{Level: "warn", Format: cfg.Log.Format})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			db, err := repo.Open(ctx, repo.Config{
				DSN:         cfg.Database.DSN,
				MaxConns:    2,
				DialTimeout: cfg.Database.DialTimeout,
			}, logger)
			if err != nil {
				return fmt.Errorf("opening DB: %w", err)
			}
			defer db.Close(logger)

			if err := db.HealthCheck(ctx, time.Second); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "DB health: OK (%s)\n", db.Dialect)

			counts, err := repo.NewJobRepository(db, logger).CountByState(ctx)
			if err != nil {
				return fmt.Errorf("counting items: %w", err)
			}
			for _, state := range itemStates {
				fmt.Fprintf(w, "- %-10s %d\n", state, counts[state])
			}
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
