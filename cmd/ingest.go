package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/myrad-labs/myrad/internal/model"
	"github.com/myrad-labs/myrad/internal/pipeline"
	"github.com/myrad-labs/myrad/internal/resilience"
)

var (
	ingestConcurrency int
	ingestRate        float64
	ingestRetries     int
	ingestDeadLetter  string
)

// maxSubmissionLine bounds a single JSONL line.
const maxSubmissionLine = 4 << 20

var ingestCmd = &cobra.Command{
	Use:   "ingest <submissions.jsonl>",
	Short: "Process a file of submissions, one JSON object per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "open submissions")
		}
		defer f.Close() //nolint:errcheck

		opts := ingestOptions{
			Concurrency: cfg.Ingest.MaxConcurrent,
			Retry:       cfg.Ingest.RetryPolicy(),
		}
		if ingestConcurrency > 0 {
			opts.Concurrency = ingestConcurrency
		}
		rps := cfg.Ingest.RatePerSec
		if cmd.Flags().Changed("rate") {
			rps = ingestRate
		}
		opts.Limiter = newLimiter(rps)
		if cmd.Flags().Changed("retries") {
			opts.Retry.Attempts = ingestRetries + 1
		}

		if ingestDeadLetter != "" {
			out, err := os.Create(ingestDeadLetter)
			if err != nil {
				return eris.Wrap(err, "create dead letter file")
			}
			defer out.Close() //nolint:errcheck
			opts.DeadLetters = resilience.NewDeadLetterWriter(out)
		}

		stats, err := ingestSubmissions(ctx, f, opts, env.Pipeline.Process)
		if err != nil {
			return err
		}
		if stats.Failed > 0 {
			return eris.Errorf("ingest: %d of %d submissions failed", stats.Failed, stats.Total())
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 0, "concurrent submissions (overrides ingest.max_concurrent)")
	ingestCmd.Flags().Float64Var(&ingestRate, "rate", 0, "submissions per second, 0 for unlimited (overrides ingest.rate_per_sec)")
	ingestCmd.Flags().IntVar(&ingestRetries, "retries", 0, "resubmissions after a transient failure (overrides ingest.retry_attempts)")
	ingestCmd.Flags().StringVar(&ingestDeadLetter, "dead-letter", "", "write failed submissions as JSONL to this file")
	rootCmd.AddCommand(ingestCmd)
}

// processFunc runs one submission through the pipeline.
type processFunc func(ctx context.Context, sub model.Submission) (*pipeline.Result, error)

// ingestOptions controls a batch run. The zero value processes one
// submission at a time, unthrottled, without retries or dead letters.
type ingestOptions struct {
	Concurrency int
	Limiter     *rate.Limiter
	Retry       resilience.RetryPolicy
	DeadLetters *resilience.DeadLetterWriter
}

// ingestStats counts submission outcomes.
type ingestStats struct {
	Stored   int64
	Fallback int64
	Failed   int64
}

// Total returns the number of submissions seen.
func (s ingestStats) Total() int64 { return s.Stored + s.Fallback + s.Failed }

// newLimiter returns nil when rps is not positive, meaning unlimited.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// ingestSubmissions reads JSONL submissions from r and processes them with
// bounded concurrency. A submission failing with a transient error is
// resubmitted with the same reclaim proof id per opts.Retry. Individual
// failures are counted, logged and dead-lettered but do not abort the batch.
// A read error or cancellation does.
func ingestSubmissions(ctx context.Context, r io.Reader, opts ingestOptions, process processFunc) (ingestStats, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	var stored, fallback, failed atomic.Int64
	deadLetter := func(line int, proofID string, raw []byte, err error) {
		if opts.DeadLetters == nil {
			return
		}
		if dlErr := opts.DeadLetters.Record(line, proofID, raw, err); dlErr != nil {
			zap.L().Warn("ingest: dead letter not written", zap.Int("line", line), zap.Error(dlErr))
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSubmissionLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var sub model.Submission
		if err := json.Unmarshal(raw, &sub); err != nil {
			failed.Add(1)
			zap.L().Warn("ingest: invalid submission line", zap.Int("line", line), zap.Error(err))
			deadLetter(line, "", raw, resilience.NewMalformedInput("line", "invalid JSON"))
			continue
		}

		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(gctx); err != nil {
				break
			}
		}
		if gctx.Err() != nil {
			break
		}

		lineNo := line
		rawLine := append([]byte(nil), raw...)
		g.Go(func() error {
			log := zap.L().With(
				zap.Int("line", lineNo),
				zap.String("reclaim_proof_id", sub.ReclaimProofID),
			)
			res, err := resilience.Retry(gctx, opts.Retry, "ingest", func(ctx context.Context) (*pipeline.Result, error) {
				return process(ctx, sub)
			})
			if err != nil {
				failed.Add(1)
				log.Error("ingest: submission failed", zap.Error(err))
				deadLetter(lineNo, sub.ReclaimProofID, rawLine, err)
				return nil
			}
			if res.Fallback {
				fallback.Add(1)
			} else {
				stored.Add(1)
			}
			return nil
		})
	}
	scanErr := sc.Err()

	if err := g.Wait(); err != nil {
		return ingestStats{}, eris.Wrap(err, "ingest")
	}

	stats := ingestStats{Stored: stored.Load(), Fallback: fallback.Load(), Failed: failed.Load()}
	zap.L().Info("ingest complete",
		zap.Int64("stored", stats.Stored),
		zap.Int64("fallback", stats.Fallback),
		zap.Int64("failed", stats.Failed),
	)

	if scanErr != nil {
		return stats, eris.Wrap(scanErr, "ingest: read submissions")
	}
	if err := ctx.Err(); err != nil {
		return stats, eris.Wrap(err, "ingest: interrupted")
	}
	return stats, nil
}
