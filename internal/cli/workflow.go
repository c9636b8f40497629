package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowCreateCmd(clientFn, outputFn),
		newWorkflowDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			workflows, err := clientFn().ListWorkflows(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "CREATED"}
			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = []string{wf.ID, wf.Name, wf.CreatedAt}
			}

			out.Print(headers, rows, workflows)
			return nil
		},
	}
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:     "show ID",
		Aliases: []string{"get"},
		Short:   "Show workflow with steps",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			wf, err := clientFn().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(wf)
				return nil
			}

			out.Line("ID:      %s", wf.ID)
			out.Line("Name:    %s", wf.Name)
			if wf.Description != "" {
				out.Line("About:   %s", wf.Description)
			}
			out.Line("Created: %s", wf.CreatedAt)
			out.Line("")

			headers := []string{"ORDER", "PROVIDER", "MODEL", "PROMPT"}
			rows := make([][]string, len(wf.Steps))
			for i, s := range wf.Steps {
				rows[i] = []string{strconv.Itoa(s.Order), s.Provider(), s.Model(), truncate(s.PromptTemplate, 60)}
			}
			out.Table(headers, rows)
			return nil
		},
	}
}

func newWorkflowCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow from a JSON definition",
		Long: `Create a workflow from a JSON file (or stdin with -f -).

The file has the same shape as the POST /api/v1/workflows body:

  {"name": "...", "steps": [{"order": 1, "prompt_template": "...",
    "model_config": {"provider": "mock", "model": "..."}}]}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			definition, err := readDefinition(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			wf, err := clientFn().CreateWorkflow(cmd.Context(), definition)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow created: %s", wf.ID))
			out.Print(
				[]string{"ID", "NAME", "STEPS", "CREATED"},
				[][]string{{wf.ID, wf.Name, strconv.Itoa(len(wf.Steps)), wf.CreatedAt}},
				wf,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to JSON definition (- for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newWorkflowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Workflow deleted: %s", args[0]))
			return nil
		},
	}
}

// readDefinition читает JSON-описание workflow из файла или stdin.
func readDefinition(stdin io.Reader, file string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("definition %q is not valid JSON", file)
	}
	return json.RawMessage(data), nil
}
