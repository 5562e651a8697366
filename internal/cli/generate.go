package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pitabwire/comfyflow/model"
)

func (a *app) generateCommand() *cobra.Command {
	var (
		templateID string
		params     []string
		wait       bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate images from a workflow template",
		Example: `  comfyflow generate --template character-portrait --param prompt="a knight" --param seed=42
  comfyflow generate --template item-icon --param item=shield --wait=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			var progress func(string, float64)
			if wait && !asJSON {
				progress = func(jobID string, p float64) {
					fmt.Fprintf(errOut, "\r%s %3.0f%%", jobID, p*100)
					if p >= 1 {
						fmt.Fprintln(errOut)
					}
				}
			}
			s := a.buildServices(a.consoleLogger(), nil, progress)
			defer s.Close()

			var declared map[string]model.ParameterSpec
			if s.templates != nil {
				if tpl, err := s.templates.Get(templateID); err == nil {
					declared = tpl.Parameters
				}
			}
			values, err := parseParams(params, declared)
			if err != nil {
				return err
			}

			if !wait {
				graph, err := s.generator.Instantiate(cmd.Context(), templateID, values)
				if err != nil {
					return err
				}
				graph.CorrelationID = uuid.NewString()
				jobID, err := s.backend.Submit(cmd.Context(), graph)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, map[string]string{"prompt_id": jobID, "client_id": graph.CorrelationID})
				}
				fmt.Fprintf(out, "%s Submitted %s\n", okMark("✓"), jobID)
				return nil
			}

			res, err := s.generator.GenerateFromTemplate(cmd.Context(), templateID, values)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, res)
			}
			printResult(out, res)
			return nil
		},
	}
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "template id (file name without extension)")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "template parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the job to finish and report its artifacts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the result as JSON")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func printResult(w io.Writer, res *model.GenerationResult) {
	fmt.Fprintf(w, "%s Generated %d artifact(s) for %s\n", okMark("✓"), len(res.ArtifactPaths), res.JobID)
	if res.Seed != nil {
		fmt.Fprintf(w, "  Seed: %d\n", *res.Seed)
	}
	for _, p := range res.ArtifactPaths {
		fmt.Fprintf(w, "  • %s\n", p)
	}
}

// parseParams turns key=value pairs into parameter values. Values stay
// literal strings, which the engine coerces to the declared numeric types;
// only parameters declared bool turn "true" and "false" into booleans.
func parseParams(pairs []string, declared map[string]model.ParameterSpec) (map[string]model.Value, error) {
	out := make(map[string]model.Value, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", pair)
		}
		out[key] = parseParamValue(raw, declared[key].Type)
	}
	return out, nil
}

func parseParamValue(raw string, typ model.ParamType) model.Value {
	if typ == model.ParamBool {
		switch strings.TrimSpace(raw) {
		case "true":
			return model.Bool(true)
		case "false":
			return model.Bool(false)
		}
	}
	return model.String(raw)
}
