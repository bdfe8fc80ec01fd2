package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ksuzuki/jancollect/internal/collect"
)

func newRunCmd() *cobra.Command {
	var (
		targetsFile string
		resumeID    string
	)
	cmd := &cobra.Command{
		Use:   "run [identifier...]",
		Short: "Collect product data for a batch of identifiers",
		Long: `Runs one collection batch to completion and prints the final run status
as JSON. Identifiers come from arguments or --file (one per line, blank
lines and # comments ignored). Interrupting the run persists a snapshot;
continue it later with --resume.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCommand(cmd, args, targetsFile, resumeID)
		},
	}
	cmd.Flags().StringVar(&targetsFile, "file", "", "file with one identifier per line")
	cmd.Flags().StringVar(&resumeID, "resume", "", "resume the run with this ID instead of starting a new one")
	return cmd
}

func runRunCommand(cmd *cobra.Command, args []string, targetsFile, resumeID string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runID string
	if resumeID != "" {
		if len(args) > 0 || targetsFile != "" {
			return fmt.Errorf("--resume cannot be combined with new identifiers")
		}
		if err := a.Manager().ResumeRun(ctx, resumeID); err != nil {
			return fmt.Errorf("resume run: %w", err)
		}
		runID = resumeID
	} else {
		targets, err := gatherTargets(args, targetsFile)
		if err != nil {
			return err
		}
		runID, err = a.Manager().StartRun(ctx, targets)
		if err != nil {
			return fmt.Errorf("start run: %w", err)
		}
	}
	logger.Info("run started", zap.String("run_id", runID))

	// Wait on a background context so an interrupt cancels the run through
	// ctx but the final snapshot still gets observed here.
	waitErr := a.Manager().Wait(context.Background(), runID)

	status, err := a.Manager().Status(context.Background(), runID)
	if err != nil {
		return fmt.Errorf("read final status: %w", err)
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		if errors.Is(waitErr, collect.ErrRunAborted) {
			return fmt.Errorf("run %s aborted on failure rate; resume with --resume %s", runID, runID)
		}
		return waitErr
	}
	return nil
}

func gatherTargets(args []string, targetsFile string) ([]string, error) {
	targets := append([]string(nil), args...)
	if targetsFile != "" {
		f, err := os.Open(targetsFile)
		if err != nil {
			return nil, fmt.Errorf("open targets file: %w", err)
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			targets = append(targets, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read targets file: %w", err)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no identifiers given; pass them as arguments or via --file")
	}
	return targets, nil
}
