// ABOUTME: tool commands: apply a YAML catalog file, list, delete and dry-run tool bodies
// ABOUTME: Dry runs go straight to the execution engine and are neither audited nor counted

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/engine/expr"
	"github.com/2389/toolgate/internal/gateway"
	"github.com/2389/toolgate/internal/store"
)

// toolFile is the on-disk format accepted by "tool apply".
type toolFile struct {
	Tools []toolSpec `yaml:"tools"`
}

type toolSpec struct {
	Name             string      `yaml:"name"`
	Kind             string      `yaml:"kind"`
	Body             string      `yaml:"body"`
	AgentDescription string      `yaml:"agent_description"`
	HumanDescription string      `yaml:"human_description"`
	Active           *bool       `yaml:"active"`
	Parameters       []paramSpec `yaml:"parameters"`
}

type paramSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
}

// parseToolFile decodes and validates a tool catalog file.
func parseToolFile(r io.Reader) ([]toolSpec, error) {
	var f toolFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parsing tool file: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, errors.New("tool file defines no tools")
	}

	seen := make(map[string]bool, len(f.Tools))
	for i, t := range f.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("tools[%d]: duplicate tool name %q", i, t.Name)
		}
		seen[t.Name] = true
		if strings.TrimSpace(t.Body) == "" {
			return nil, fmt.Errorf("tool %s: body is required", t.Name)
		}
		kind, err := store.ParseToolKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		declared := make(map[string]bool, len(t.Parameters))
		for j, p := range t.Parameters {
			if p.Name == "" {
				return nil, fmt.Errorf("tool %s: parameters[%d]: name is required", t.Name, j)
			}
			declared[p.Name] = true
		}
		if kind == store.KindExpression {
			if err := checkExpression(t.Body, declared); err != nil {
				return nil, fmt.Errorf("tool %s: %w", t.Name, err)
			}
		}
	}
	return f.Tools, nil
}

// checkExpression parses an expression body and rejects names that no
// declared parameter binds.
func checkExpression(body string, declared map[string]bool) error {
	prog, err := expr.Parse(body)
	if err != nil {
		return err
	}
	for _, name := range prog.Identifiers() {
		if !declared[name] {
			return fmt.Errorf("body references undeclared parameter %q", name)
		}
	}
	return nil
}

// definition converts a file entry to store types. Kind was validated by parseToolFile.
func (t toolSpec) definition(createdBy string) (*store.ToolDefinition, []store.ToolParameter) {
	kind, _ := store.ParseToolKind(t.Kind)
	active := true
	if t.Active != nil {
		active = *t.Active
	}
	def := &store.ToolDefinition{
		Name:             t.Name,
		Kind:             kind,
		Body:             t.Body,
		AgentDescription: t.AgentDescription,
		HumanDescription: t.HumanDescription,
		Active:           active,
		CreatedBy:        createdBy,
	}
	params := make([]store.ToolParameter, len(t.Parameters))
	for i, p := range t.Parameters {
		params[i] = store.ToolParameter{
			Name:        p.Name,
			Type:        strings.ToUpper(p.Type),
			Required:    p.Required,
			Description: p.Description,
		}
	}
	return def, params
}

func newToolCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Manage the catalog of declaratively defined tools",
	}
	cmd.AddCommand(newToolApplyCmd(opts), newToolListCmd(opts), newToolDeleteCmd(opts), newToolTestCmd(opts))
	return cmd
}

func newToolApplyCmd(opts *rootOptions) *cobra.Command {
	var file, createdBy string
	cmd := &cobra.Command{
		Use:   "apply -f tools.yaml",
		Short: "Create or update catalog tools from a YAML file",
		Example: `  tools:
    - name: count_orders
      kind: QUERY_TEMPLATE
      body: "SELECT count(*) AS n FROM orders WHERE status = :status"
      agent_description: Count orders in a given status
      parameters:
        - {name: status, type: STRING, required: true}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening tool file: %w", err)
				}
				defer f.Close()
				in = f
			}
			specs, err := parseToolFile(in)
			if err != nil {
				return err
			}

			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				existing, err := core.Store.ListTools(cmd.Context())
				if err != nil {
					return err
				}
				byName := make(map[string]*store.ToolDefinition, len(existing))
				for _, t := range existing {
					byName[t.Name] = t
				}

				for _, spec := range specs {
					def, params := spec.definition(createdBy)
					if prev, ok := byName[spec.Name]; ok {
						def.ID = prev.ID
						def.CreatedBy = prev.CreatedBy
						if err := core.Store.UpdateTool(cmd.Context(), def, params); err != nil {
							return fmt.Errorf("updating tool %s: %w", spec.Name, err)
						}
						fmt.Fprintf(out, "updated %s\n", spec.Name)
						continue
					}
					if err := core.Store.CreateTool(cmd.Context(), def, params); err != nil {
						return fmt.Errorf("creating tool %s: %w", spec.Name, err)
					}
					fmt.Fprintf(out, "created %s (%s)\n", spec.Name, def.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Tool file to apply, or - for stdin")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Recorded author of new tools")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newToolListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List catalog tools, including inactive ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				tools, err := core.Store.ListTools(cmd.Context())
				if err != nil {
					return err
				}
				t := newTable("ID", "NAME", "KIND", "ACTIVE", "PARAMETERS", "DESCRIPTION")
				for _, def := range tools {
					params, err := core.Store.ListParameters(cmd.Context(), def.ID)
					if err != nil {
						return err
					}
					names := make([]string, len(params))
					for i, p := range params {
						names[i] = p.Name + ":" + string(catalog.ParsePrimitiveType(p.Type))
						if p.Required {
							names[i] += "*"
						}
					}
					t.AddRow(def.ID, def.Name, def.Kind, def.Active, strings.Join(names, " "), def.AgentDescription)
				}
				fmt.Fprintln(out, t)
				return nil
			})
		},
	}
}

func newToolDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a catalog tool and its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				if err := core.Store.DeleteTool(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("deleting tool %s: %w", args[0], err)
				}
				fmt.Fprintf(out, "tool %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func newToolTestCmd(opts *rootOptions) *cobra.Command {
	var kind, body, rawArgs string
	cmd := &cobra.Command{
		Use:     "test",
		Short:   "Run a tool body once without auditing or quota",
		Example: `  toolgate tool test --kind EXPRESSION --body "a * b" --args '{"a": 6, "b": 7}'`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := store.ParseToolKind(kind)
			if err != nil {
				return err
			}
			args, err := parseArgsJSON(rawArgs)
			if err != nil {
				return err
			}
			return withCore(cmd, opts, func(core *gateway.Core, out io.Writer) error {
				text, err := core.Engine.Execute(cmd.Context(), k, body, args)
				if err != nil {
					var execErr *engine.ExecutionError
					if errors.As(err, &execErr) {
						color.New(color.FgRed).Fprintln(out, execErr.Render())
						return errors.New("tool body failed")
					}
					return err
				}
				fmt.Fprintln(out, text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "EXPRESSION", "Tool kind (EXPRESSION or QUERY_TEMPLATE)")
	cmd.Flags().StringVar(&body, "body", "", "Tool body")
	cmd.Flags().StringVar(&rawArgs, "args", "{}", "Arguments as a JSON object")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

// parseArgsJSON decodes a JSON object keeping numbers as json.Number.
func parseArgsJSON(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
