package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ErrExecutionFailed возвращается watch, если execution завершился со статусом failed.
var ErrExecutionFailed = errors.New("execution failed")

// NewExecutionCmd создаёт группу команд для управления executions.
func NewExecutionCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Start and inspect executions",
	}

	cmd.AddCommand(
		newExecutionListCmd(clientFn, outputFn),
		newExecutionStartCmd(clientFn, outputFn),
		newExecutionShowCmd(clientFn, outputFn),
		newExecutionWatchCmd(clientFn, outputFn),
	)

	return cmd
}

func newExecutionListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListExecutionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			executions, err := clientFn().ListExecutions(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "WORKFLOW", "STATUS", "STARTED", "COMPLETED"}
			rows := make([][]string, len(executions))
			for i, e := range executions {
				name := e.WorkflowName
				if name == "" {
					name = e.WorkflowID
				}
				rows[i] = []string{e.ID, name, e.Status, e.StartedAt, e.CompletedAt}
			}

			out.Print(headers, rows, executions)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.WorkflowID, "workflow-id", "", "Filter by workflow ID")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (pending, running, completed, failed)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newExecutionStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		inputs      []string
		contextJSON string
		watch       bool
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start WORKFLOW_ID",
		Short: "Start a workflow execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			initial, err := parseInitialContext(contextJSON, inputs)
			if err != nil {
				return err
			}

			exec, err := client.StartExecution(cmd.Context(), args[0], initial)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Execution started: %s", exec.ID))
			if watch {
				return watchExecution(cmd.Context(), client, out, exec.ID, interval)
			}

			out.Print(
				[]string{"ID", "WORKFLOW_ID", "STATUS", "STARTED"},
				[][]string{{exec.ID, exec.WorkflowID, exec.Status, exec.StartedAt}},
				exec,
			)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Initial context values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&contextJSON, "context", "", "Initial context as a JSON object")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Wait for the execution to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --watch")

	return cmd
}

func newExecutionShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "show ID",
		Aliases: []string{"get"},
		Short:   "Show execution with step logs",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			detail, err := clientFn().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(detail)
				return nil
			}

			printExecutionHeader(out, detail)
			out.Line("")
			out.Table(logHeaders, logRows(detail.Logs))
			return nil
		},
	}
}

func newExecutionWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Follow an execution until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchExecution(cmd.Context(), clientFn(), outputFn(), args[0], interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")

	return cmd
}

// watchExecution опрашивает execution, печатая новые и изменившиеся попытки,
// пока статус не станет терминальным.
func watchExecution(ctx context.Context, client *Client, out *Output, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}

	seen := make(map[string]string) // log id -> последний выведенный статус
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		detail, err := client.GetExecution(ctx, id)
		if err != nil {
			return err
		}

		if !out.JSONMode() {
			for _, l := range detail.Logs {
				if seen[l.ID] == l.Status {
					continue
				}
				seen[l.ID] = l.Status
				out.Line("step %d attempt %d: %s%s", l.StepOrder, l.AttemptNumber, l.Status, logSuffix(l))
			}
		}

		if detail.IsTerminal() {
			if out.JSONMode() {
				out.JSON(detail)
			} else {
				out.Line("execution %s: %s", detail.ID, detail.Status)
			}
			if detail.Status == "failed" {
				return fmt.Errorf("%w: %s", ErrExecutionFailed, detail.ID)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseInitialContext собирает initial context из --context и --input.
// Значения --input перекрывают ключи из --context.
func parseInitialContext(contextJSON string, inputs []string) (map[string]any, error) {
	var initial map[string]any
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &initial); err != nil {
			return nil, fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}

	for _, kv := range inputs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		if initial == nil {
			initial = make(map[string]any)
		}
		initial[key] = value
	}
	return initial, nil
}

var logHeaders = []string{"STEP", "ATTEMPT", "STATUS", "DURATION", "OUTPUT / ERROR"}

func logRows(logs []ExecutionLog) [][]string {
	rows := make([][]string, len(logs))
	for i, l := range logs {
		duration := ""
		if l.DurationMs != nil {
			duration = strconv.FormatInt(*l.DurationMs, 10) + "ms"
		}
		text := ""
		switch {
		case l.Error != nil:
			text = *l.Error
		case l.OutputContent != nil:
			text = *l.OutputContent
		}
		rows[i] = []string{
			strconv.Itoa(l.StepOrder),
			strconv.Itoa(l.AttemptNumber),
			l.Status,
			duration,
			truncate(text, 70),
		}
	}
	return rows
}

func logSuffix(l ExecutionLog) string {
	if l.Error != nil {
		return " (" + truncate(*l.Error, 80) + ")"
	}
	if l.DurationMs != nil {
		return fmt.Sprintf(" (%dms)", *l.DurationMs)
	}
	return ""
}

func printExecutionHeader(out *Output, d *ExecutionDetail) {
	out.Line("ID:        %s", d.ID)
	if d.Workflow != nil {
		out.Line("Workflow:  %s (%s)", d.Workflow.Name, d.WorkflowID)
	} else {
		out.Line("Workflow:  %s", d.WorkflowID)
	}
	out.Line("Status:    %s", d.Status)
	out.Line("Started:   %s", d.StartedAt)
	if d.CompletedAt != "" {
		out.Line("Completed: %s", d.CompletedAt)
	}
}
