package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
	"github.com/kimhsiao/waypoint/backend/internal/logging"
	"github.com/kimhsiao/waypoint/backend/internal/models"
)

// Batch step operations.
const (
	stepSeed    = "seed"
	stepShow    = "show"
	stepPropose = "propose"
	stepApply   = "apply"
	stepUndo    = "undo"
	stepHistory = "history"
	stepCleanup = "cleanup"
)

const maxStepLine = 4 << 20

// step is one line of a batch script.
type step struct {
	Op         string            `json:"op"`
	DocumentID string            `json:"document_id,omitempty"`
	Document   *models.Itinerary `json:"document,omitempty"`
	ChangeSet  *models.ChangeSet `json:"change_set,omitempty"`
	ToVersion  *int64            `json:"to_version,omitempty"`
	Force      bool              `json:"force,omitempty"`
}

type stepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stepResult struct {
	Line   int         `json:"line"`
	Op     string      `json:"op"`
	Result interface{} `json:"result,omitempty"`
	Error  *stepError  `json:"error,omitempty"`
}

func newBatchCmd(opts *rootOptions) *cobra.Command {
	var (
		printMetrics bool
		stopOnError  bool
	)
	cmd := &cobra.Command{
		Use:   "batch [script-file]",
		Short: "Run a JSON-lines script of steps in one process",
		Long: `batch runs one step per input line against a single engine, so the
in-memory stores and the idempotency cache live for the whole script. Blank
lines and lines starting with # are skipped. One JSON result is printed per
step; the command fails if any step failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return errors.Wrap(errors.ErrValidation, "open script", err)
				}
				defer f.Close()
				in = f
			}

			a, err := openApp(opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logging.Error("Failed to close waypoint", err)
				}
			}()

			ctx := cmd.Context()
			a.scheduler.Start(ctx)

			failed, total, err := runBatch(ctx, a, in, cmd.OutOrStdout(), stopOnError)
			if err != nil {
				return err
			}
			if printMetrics {
				if err := writeMetricsSummary(cmd.ErrOrStderr(), a); err != nil {
					return err
				}
			}
			if failed > 0 {
				return errors.Newf(errors.ErrValidation, "%d of %d steps failed", failed, total)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printMetrics, "metrics", false, "print engine counters to stderr when done")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first failed step")
	return cmd
}

// runBatch executes the script in order and reports how many steps failed.
func runBatch(ctx context.Context, a *app, in io.Reader, out io.Writer, stopOnError bool) (failed, total int, err error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStepLine)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		total++

		res := stepResult{Line: line}
		var s step
		if err := decodeJSON(bytes.NewReader(text), fmt.Sprintf("line %d", line), &s); err != nil {
			res.Error = toStepError(err)
		} else {
			res.Op = s.Op
			result, err := a.execute(ctx, &s)
			if err != nil {
				res.Error = toStepError(err)
			} else {
				res.Result = result
			}
		}

		if err := writeJSONLine(out, res); err != nil {
			return failed, total, err
		}
		if res.Error != nil {
			failed++
			if stopOnError {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return failed, total, errors.Wrap(errors.ErrValidation, "read script", err)
	}

	logging.Info("Batch finished", map[string]interface{}{"steps": total, "failed": failed})
	return failed, total, nil
}

// execute runs one step.
func (a *app) execute(ctx context.Context, s *step) (interface{}, error) {
	needsDocument := s.Op != stepCleanup && s.Op != stepSeed
	if needsDocument && s.DocumentID == "" {
		return nil, errors.Newf(errors.ErrValidation, "%s step needs a document_id", s.Op)
	}

	switch s.Op {
	case stepSeed:
		return a.seed(ctx, s.Document, s.Force)
	case stepShow:
		version := int64(-1)
		if s.ToVersion != nil {
			version = *s.ToVersion
		}
		return a.show(ctx, s.DocumentID, version)
	case stepPropose:
		return a.engine.Propose(ctx, s.DocumentID, s.ChangeSet)
	case stepApply:
		return a.engine.Apply(ctx, s.DocumentID, s.ChangeSet)
	case stepUndo:
		if s.ToVersion == nil {
			return nil, errors.New(errors.ErrValidation, "undo step needs to_version")
		}
		return a.engine.Undo(ctx, s.DocumentID, *s.ToVersion)
	case stepHistory:
		return a.engine.History(ctx, s.DocumentID)
	case stepCleanup:
		return a.sweep(ctx)
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown step %q", s.Op)
	}
}

func toStepError(err error) *stepError {
	return &stepError{Code: string(errors.CodeOf(err)), Message: err.Error()}
}

func writeJSONLine(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// writeMetricsSummary prints every counter sample of the app registry as
// "name{labels} value".
func writeMetricsSummary(w io.Writer, a *app) error {
	families, err := a.registry.Gather()
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "gather metrics", err)
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := ""
			for i, lp := range m.GetLabel() {
				if i > 0 {
					labels += ","
				}
				labels += fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			if labels != "" {
				labels = "{" + labels + "}"
			}
			lines = append(lines, fmt.Sprintf("%s%s %g", mf.GetName(), labels, m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
