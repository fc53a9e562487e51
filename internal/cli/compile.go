package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/transform"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// PlanView is the JSON rendering of a compiled plan.
type PlanView struct {
	Connection  string          `json:"connection"`
	Provider    string          `json:"provider"`
	Direction   ir.Direction    `json:"direction"`
	Order       []ir.EntityType `json:"order"`
	Units       []UnitView      `json:"units"`
	Deferred    []string        `json:"deferred,omitempty"`
	Fingerprint string          `json:"fingerprint"`
}

// UnitView is the JSON rendering of one compiled entity mapping.
type UnitView struct {
	Local         ir.EntityType   `json:"local"`
	Remote        string          `json:"remote"`
	Direction     ir.Direction    `json:"direction"`
	Key           string          `json:"key"`
	Modified      string          `json:"modified,omitempty"`
	Filter        string          `json:"filter,omitempty"`
	DependsOn     []ir.EntityType `json:"depends_on,omitempty"`
	Fields        []FieldView     `json:"fields"`
	Relationships []RelationView  `json:"relationships,omitempty"`
	Fingerprint   string          `json:"fingerprint"`
}

type FieldView struct {
	Local     string       `json:"local"`
	Remote    string       `json:"remote"`
	Direction ir.Direction `json:"direction"`
	Transform string       `json:"transform"`
	Required  bool         `json:"required,omitempty"`
}

type RelationView struct {
	Local          string        `json:"local"`
	Related        ir.EntityType `json:"related"`
	Remote         string        `json:"remote"`
	RemoteRelated  string        `json:"remote_related"`
	Direction      ir.Direction  `json:"direction"`
	AutoCreate     bool          `json:"auto_create,omitempty"`
	SyncNullValues bool          `json:"sync_null_values,omitempty"`
	Deferred       bool          `json:"deferred,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <config-dir>",
		Short: "Compile connection mappings to sync plans",
		Long: `Compile the CUE connection mappings in a directory to dependency-ordered
sync plans.

Every connection is validated and compiled the way a run compiles it:
transformations are parsed, relationships resolved against the entity
catalogue, and tolerated relationship cycles broken into deferred edges.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the JSON plans to a file")

	return cmd
}

func runCompile(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	compiled, err := compileDir(formatter, dir)
	if err != nil {
		return err
	}

	views := make([]PlanView, len(compiled))
	for i, c := range compiled {
		views[i] = planView(c.Plan)
	}
	if opts.Output != "" {
		if err := writePlansToFile(views, opts.Output); err != nil {
			return outputError(formatter, ExitCommandError, compiler.ErrCodeGeneric, fmt.Sprintf("writing output file: %v", err))
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(views)
	}
	fmt.Fprintf(formatter.Writer, "✓ Compiled %d connection(s)\n\n", len(compiled))
	for _, c := range compiled {
		writePlanText(formatter.Writer, c.Plan)
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "Wrote plans to %s\n", opts.Output)
	}
	return nil
}

// compiledConnection is a loaded connection configuration with its plan.
type compiledConnection struct {
	Config *ir.ConnectionConfig
	Plan   *compiler.Plan
}

// compileDir loads and compiles every connection in dir. Problems are
// reported through formatter; the returned error carries the exit code.
func compileDir(formatter *OutputFormatter, dir string) ([]compiledConnection, error) {
	result, loadErrs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if result == nil {
		return nil, outputLoadError(formatter, loadErrs[0])
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", result.FileCount, dir)

	problems := loadProblems(loadErrs)
	transforms := transform.NewRegistry()
	var compiled []compiledConnection
	for i := range result.Connections {
		cfg := &result.Connections[i]
		formatter.VerboseLog("Compiling connection: %s", cfg.Connection.ID)
		plan, err := compiler.Compile(cfg, transforms)
		if err != nil {
			problems = append(problems, configProblems(cfg.Connection.ID, err)...)
			continue
		}
		compiled = append(compiled, compiledConnection{Config: cfg, Plan: plan})
	}
	if len(problems) > 0 {
		return nil, outputValidationErrors(formatter, problems)
	}
	return compiled, nil
}

// writePlanText renders a plan for humans, one line per unit and step.
func writePlanText(w io.Writer, p *compiler.Plan) {
	fmt.Fprintf(w, "connection %s (%s, %s)\n", p.Connection.ID, p.Connection.Provider, p.Connection.Direction)
	fmt.Fprintf(w, "  order: %s\n", joinTypes(p.Order()))
	for i, u := range p.Units {
		fmt.Fprintf(w, "  %d. %s -> %s [%s]\n", i+1, u.LocalType, u.RemoteEntity, u.Direction)
		keys := "key " + u.KeyField
		if u.ModifiedField != "" {
			keys += ", modified " + u.ModifiedField
		}
		fmt.Fprintf(w, "     %s\n", keys)
		if u.FilterText != "" {
			fmt.Fprintf(w, "     filter %s\n", u.FilterText)
		}
		if len(u.DependsOn) > 0 {
			fmt.Fprintf(w, "     after %s\n", joinTypes(u.DependsOn))
		}
		for _, f := range u.Fields {
			tags := []string{string(f.Direction), transformKind(f.Transform)}
			if f.Required {
				tags = append(tags, "required")
			}
			fmt.Fprintf(w, "     field %s -> %s [%s]\n", f.LocalField, f.RemoteField, strings.Join(tags, ", "))
		}
		for _, r := range u.Relationships {
			tags := []string{string(r.Direction)}
			if r.AutoCreate {
				tags = append(tags, "auto_create")
			}
			if r.SyncNullValues {
				tags = append(tags, "sync_null_values")
			}
			if r.Deferred {
				tags = append(tags, "deferred")
			}
			fmt.Fprintf(w, "     ref %s -> %s (%s) [%s]\n", r.LocalField, r.RemoteField, r.RemoteRelatedEntity, strings.Join(tags, ", "))
		}
	}
	for _, e := range p.Deferred {
		fmt.Fprintf(w, "  deferred %s\n", e)
	}
	fmt.Fprintln(w)
}

func planView(p *compiler.Plan) PlanView {
	v := PlanView{
		Connection:  p.Connection.ID,
		Provider:    p.Connection.Provider,
		Direction:   p.Connection.Direction,
		Order:       p.Order(),
		Fingerprint: p.Fingerprint,
	}
	for _, e := range p.Deferred {
		v.Deferred = append(v.Deferred, e.String())
	}
	for _, u := range p.Units {
		uv := UnitView{
			Local:       u.LocalType,
			Remote:      u.RemoteEntity,
			Direction:   u.Direction,
			Key:         u.KeyField,
			Modified:    u.ModifiedField,
			Filter:      u.FilterText,
			DependsOn:   u.DependsOn,
			Fingerprint: u.Fingerprint,
		}
		for _, f := range u.Fields {
			uv.Fields = append(uv.Fields, FieldView{
				Local:     f.LocalField,
				Remote:    f.RemoteField,
				Direction: f.Direction,
				Transform: transformKind(f.Transform),
				Required:  f.Required,
			})
		}
		for _, r := range u.Relationships {
			uv.Relationships = append(uv.Relationships, RelationView{
				Local:          r.LocalField,
				Related:        r.RelatedType,
				Remote:         r.RemoteField,
				RemoteRelated:  r.RemoteRelatedEntity,
				Direction:      r.Direction,
				AutoCreate:     r.AutoCreate,
				SyncNullValues: r.SyncNullValues,
				Deferred:       r.Deferred,
			})
		}
		v.Units = append(v.Units, uv)
	}
	return v
}

func transformKind(t transform.Transformer) string {
	if kind, ok := t.Spec()["kind"]; ok {
		return ir.Text(kind)
	}
	return transform.KindIdentity
}

func joinTypes(types []ir.EntityType) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

// loadProblems turns loader errors into validation problems.
func loadProblems(errs []error) []compiler.ValidationError {
	out := make([]compiler.ValidationError, 0, len(errs))
	for _, err := range errs {
		var le *compiler.LoadError
		if errors.As(err, &le) {
			p := compiler.ValidationError{Field: "load", Message: le.Message, Code: le.Code}
			if le.Pos.IsValid() {
				p.Field = le.Pos.Filename()
				p.Line = le.Pos.Line()
			}
			out = append(out, p)
			continue
		}
		out = append(out, compiler.ValidationError{Field: "load", Message: err.Error(), Code: compiler.ErrCodeGeneric})
	}
	return out
}

// configProblems extracts the problems of a failed compilation, prefixing
// each field with the connection id.
func configProblems(connectionID string, err error) []compiler.ValidationError {
	var ce *compiler.ConfigurationError
	if !errors.As(err, &ce) {
		return []compiler.ValidationError{{Field: "connection." + connectionID, Message: err.Error(), Code: compiler.ErrCodeGeneric}}
	}
	out := make([]compiler.ValidationError, len(ce.Problems))
	for i, p := range ce.Problems {
		p.Field = connectionID + ": " + p.Field
		out[i] = p
	}
	return out
}

// outputLoadError reports a loader error that prevented reading the directory.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var le *compiler.LoadError
	if errors.As(err, &le) {
		return outputError(formatter, ExitCommandError, le.Code, le.Message)
	}
	return outputError(formatter, ExitCommandError, compiler.ErrCodeGeneric, err.Error())
}

func outputError(formatter *OutputFormatter, exitCode int, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return WrapExitError(exitCode, fmt.Sprintf("%s: %s", code, message), nil)
}

// writePlansToFile writes the plans as indented JSON.
func writePlansToFile(views []PlanView, filename string) error {
	data, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling plans: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
