package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/comfyflow/internal/template"
	"github.com/pitabwire/comfyflow/model"
)

func (a *app) testConnectionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Test the connection to the ComfyUI server",
		Long: `Test the connection to the ComfyUI server.

Exit codes:
  0: connection successful
  1: connection failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			s := a.buildServices(a.consoleLogger(), nil, nil)
			defer s.Close()

			fmt.Fprintf(out, "Testing connection to ComfyUI server at: %s\n", a.cfg.ComfyUI.URL)
			report := s.client.HealthCheck(cmd.Context(), "")
			if report.Connected {
				fmt.Fprintln(out, okMark("✓ Connection successful!"))
				if a.verbose {
					fmt.Fprintf(out, "  URL: %s\n", report.URL)
					fmt.Fprintf(out, "  Status: %d\n", report.StatusCode)
					fmt.Fprintf(out, "  Response time: %dms\n", report.ResponseTimeMs)
				}
				return nil
			}

			fmt.Fprintln(errOut, failMark("✗ Connection failed"))
			fmt.Fprintf(errOut, "  Error: %s\n", report.Error)
			if a.verbose {
				fmt.Fprintf(errOut, "  Attempted URL: %s\n", report.URL)
			}
			return exitError{}
		},
	}
}

// templateListing is one entry of `list-templates --detailed --json`.
type templateListing struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Category    *string                   `json:"category"`
	Parameters  map[string]parameterBrief `json:"parameters"`
}

type parameterBrief struct {
	Type        model.ParamType `json:"type"`
	Description string          `json:"description"`
	Default     model.Value     `json:"default"`
}

func (a *app) listTemplatesCommand() *cobra.Command {
	var (
		detailed bool
		category string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list-templates",
		Short: "List available workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			dir := a.cfg.Templates.Directory

			manager, err := template.NewManager(dir, nil, nil)
			if err != nil {
				if a.verbose {
					fmt.Fprintln(errOut, err)
				}
				fmt.Fprintln(errOut, "No templates found.")
				return nil
			}

			var ids []string
			if cmd.Flags().Changed("category") {
				ids, err = manager.ListByCategory(&category)
			} else {
				ids, err = manager.List()
			}
			if err != nil {
				return fmt.Errorf("listing templates: %w", err)
			}

			if len(ids) == 0 {
				switch {
				case asJSON:
					fmt.Fprintln(out, "[]")
				case category != "":
					fmt.Fprintf(out, "No templates found in category: %s\n", category)
				default:
					fmt.Fprintln(out, "No templates found.")
				}
				return nil
			}

			if asJSON && !detailed {
				return writeJSON(out, ids)
			}

			templates := make([]*model.Template, len(ids))
			for i, id := range ids {
				if templates[i], err = manager.Load(id); err != nil {
					return fmt.Errorf("loading template %s: %w", id, err)
				}
			}

			if asJSON {
				listing := make([]templateListing, len(ids))
				for i, t := range templates {
					params := make(map[string]parameterBrief, len(t.Parameters))
					for name, p := range t.Parameters {
						params[name] = parameterBrief{Type: p.Type, Description: p.Description, Default: p.Default}
					}
					listing[i] = templateListing{
						ID:          ids[i],
						Name:        t.Name,
						Description: t.Description,
						Category:    t.Category,
						Parameters:  params,
					}
				}
				return writeJSON(out, listing)
			}

			if detailed {
				fmt.Fprintf(out, "\nFound %d template(s):\n\n", len(ids))
				for i, t := range templates {
					cat := t.CategoryName()
					if cat == "" {
						cat = "None"
					}
					fmt.Fprintf(out, "ID:          %s\n", ids[i])
					fmt.Fprintf(out, "Name:        %s\n", t.Name)
					fmt.Fprintf(out, "Description: %s\n", t.Description)
					fmt.Fprintf(out, "Category:    %s\n", cat)
					if len(t.Parameters) > 0 {
						fmt.Fprintf(out, "Parameters:  %d\n", len(t.Parameters))
					}
					fmt.Fprintln(out)
				}
				return nil
			}

			fmt.Fprintf(out, "\nAvailable templates (%d):\n\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(out, "  • %s\n", id)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&detailed, "detailed", false, "show name, description and category")
	cmd.Flags().StringVar(&category, "category", "", "only list templates in this category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <prompt-id>",
		Short: "Show the execution status of a submitted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s := a.buildServices(a.consoleLogger(), nil, nil)
			defer s.Close()

			jobID := strings.TrimSpace(args[0])
			st, err := s.backend.QueryStatus(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, struct {
					PromptID string `json:"prompt_id"`
					model.WorkflowStatus
				}{jobID, st})
			}

			fmt.Fprintf(out, "Prompt:   %s\n", jobID)
			fmt.Fprintf(out, "State:    %s\n", st.State)
			if st.QueuePosition != nil {
				fmt.Fprintf(out, "Position: %d\n", *st.QueuePosition)
			}
			fmt.Fprintf(out, "Progress: %.0f%%\n", st.Progress*100)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the status as JSON")
	return cmd
}

func (a *app) cancelCommand() *cobra.Command {
	var interrupt bool
	cmd := &cobra.Command{
		Use:   "cancel <prompt-id>...",
		Short: "Remove queued jobs and optionally interrupt the running one",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !interrupt {
				return errors.New("requires at least one prompt id or --interrupt")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			s := a.buildServices(a.consoleLogger(), nil, nil)
			defer s.Close()

			ok, err := s.backend.Cancel(cmd.Context(), args, interrupt)
			if err != nil {
				return err
			}
			target := strings.Join(args, ", ")
			if target == "" {
				target = "running workflow"
			}
			if !ok {
				fmt.Fprintln(errOut, failMark("✗ Failed to cancel "+target))
				return exitError{}
			}
			fmt.Fprintln(out, okMark("✓ Cancelled "+target))
			return nil
		},
	}
	cmd.Flags().BoolVar(&interrupt, "interrupt", false, "also interrupt the job currently executing")
	return cmd
}

func (a *app) downloadCommand() *cobra.Command {
	var (
		subfolder string
		kind      string
		output    string
	)
	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download an artifact produced by the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			s := a.buildServices(a.consoleLogger(), nil, nil)
			defer s.Close()

			name := args[0]
			data, err := s.backend.FetchArtifact(cmd.Context(), name, subfolder, kind)
			if err != nil {
				return err
			}

			dest := output
			if dest == "" {
				dest = filepath.Base(name)
				if dir := a.cfg.ComfyUI.OutputDir; dir != "" {
					dest = filepath.Join(dir, dest)
				}
			}
			if dest == "-" {
				_, err := out.Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return fmt.Errorf("writing %s: %w", dest, err)
			}
			fmt.Fprintf(out, "%s Saved %s (%d bytes)\n", okMark("✓"), dest, len(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&subfolder, "subfolder", "", "subfolder the artifact was written to")
	cmd.Flags().StringVar(&kind, "type", "output", "artifact kind: output, input or temp")
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path, - for stdout")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
