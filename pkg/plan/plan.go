// Package plan loads and applies declarative upgrade plans: YAML
// inventories of the bulk renames, merges and removals a series upgrade
// carries, in the style of the apriori tables migration projects keep.
// Each step runs one library helper and can be gated on the target
// database through a guard expression.
package plan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vauxoo-dev/upgrade-util/pkg/expression"
	"github.com/vauxoo-dev/upgrade-util/pkg/upgrade"
)

// Plan is one parsed plan document. Steps apply in order.
type Plan struct {
	Name string `yaml:"name"`
	// Version pins the target series; Apply refuses a database on
	// another one.
	Version string `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

// Step is one operation. Exactly one operation field is set; When gates
// the step on the database at hand.
type Step struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`

	RenameModule     *RenameModule     `yaml:"rename_module"`
	MergeModule      *MergeModule      `yaml:"merge_module"`
	RemoveModule     *RemoveModule     `yaml:"remove_module"`
	NewModuleDep     *ModuleDep        `yaml:"new_module_dep"`
	RemoveModuleDeps *RemoveModuleDeps `yaml:"remove_module_deps"`
	RenameModel      *RenameModel      `yaml:"rename_model"`
	MergeModel       *MergeModel       `yaml:"merge_model"`
	RemoveModel      *RemoveModel      `yaml:"remove_model"`
	RenameField      *RenameField      `yaml:"rename_field"`
	RemoveField      *RemoveField      `yaml:"remove_field"`
	ChangeSelection  *ChangeSelection  `yaml:"change_selection"`
	RenameXMLID      *RenameXMLID      `yaml:"rename_xmlid"`
	RemoveRecord     *RemoveRecord     `yaml:"remove_record"`
}

type RenameModule struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

type MergeModule struct {
	Old         string `yaml:"old"`
	Into        string `yaml:"into"`
	WithoutDeps bool   `yaml:"without_deps"`
}

type RemoveModule struct {
	Name string `yaml:"name"`
}

type ModuleDep struct {
	Module string `yaml:"module"`
	Dep    string `yaml:"dep"`
}

type RemoveModuleDeps struct {
	Module string   `yaml:"module"`
	Deps   []string `yaml:"deps"`
}

type RenameModel struct {
	Old       string `yaml:"old"`
	New       string `yaml:"new"`
	KeepTable bool   `yaml:"keep_table"`
}

type MergeModel struct {
	Source    string            `yaml:"source"`
	Target    string            `yaml:"target"`
	KeepTable bool              `yaml:"keep_table"`
	Fields    map[string]string `yaml:"fields"`
}

type RemoveModel struct {
	Name string `yaml:"name"`
}

type RenameField struct {
	Model string `yaml:"model"`
	Old   string `yaml:"old"`
	New   string `yaml:"new"`
	// NoReferences leaves stored references to the old name alone.
	NoReferences bool `yaml:"no_references"`
}

type RemoveField struct {
	Model      string `yaml:"model"`
	Name       string `yaml:"name"`
	Cascade    bool   `yaml:"cascade"`
	KeepColumn bool   `yaml:"keep_column"`
}

type ChangeSelection struct {
	Model   string            `yaml:"model"`
	Field   string            `yaml:"field"`
	Mapping map[string]string `yaml:"mapping"`
}

type RenameXMLID struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

type RemoveRecord struct {
	XMLID string `yaml:"xmlid"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a plan document. Unknown keys are
// rejected, a typo in a step must not silently turn it into a no-op.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty plan document")
		}
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every step carries exactly one well-formed operation
// and a compilable guard.
func (p *Plan) Validate() error {
	if p.Version != "" {
		if _, err := upgrade.ParseVersion(p.Version); err != nil {
			return fmt.Errorf("plan version: %w", err)
		}
	}
	for i := range p.Steps {
		step := &p.Steps[i]
		ops := step.operations()
		if len(ops) == 0 {
			return fmt.Errorf("step %s: no operation", step.label(i))
		}
		if len(ops) > 1 {
			return fmt.Errorf("step %s: more than one operation (%s)",
				step.label(i), strings.Join(ops, ", "))
		}
		if step.When != "" {
			if err := expression.Check(step.When); err != nil {
				return fmt.Errorf("step %s: invalid guard: %w", step.label(i), err)
			}
		}
		if err := step.validateArgs(); err != nil {
			return fmt.Errorf("step %s: %w", step.label(i), err)
		}
	}
	return nil
}

// ApplyOptions tunes Apply. DryRun evaluates guards and logs the steps
// that would run without touching anything.
type ApplyOptions struct {
	DryRun bool
}

// Apply runs the plan against env, in order, inside whatever transaction
// env is bound to. The first failing step aborts the run.
func (p *Plan) Apply(ctx context.Context, env *upgrade.Env, opts ApplyOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Version != "" {
		want := upgrade.MustVersion(p.Version)
		have := env.Version()
		if !have.GTE(want) || !want.GTE(have) {
			return fmt.Errorf("plan targets series %s, database is on %s", want, have)
		}
	}

	guards := expression.New(env)
	logger := env.Logger()
	for i := range p.Steps {
		step := &p.Steps[i]
		label := step.label(i)
		if step.When != "" {
			ok, err := guards.EvalBool(ctx, step.When)
			if err != nil {
				return fmt.Errorf("step %s: %w", label, err)
			}
			if !ok {
				logger.Debug("skipping step, guard is false", zap.String("step", label))
				continue
			}
		}
		if opts.DryRun {
			logger.Info("would apply", zap.String("step", label))
			continue
		}
		logger.Info("applying", zap.String("step", label))
		if err := step.apply(ctx, env); err != nil {
			return fmt.Errorf("step %s: %w", label, err)
		}
	}
	return nil
}

func (s *Step) apply(ctx context.Context, env *upgrade.Env) error {
	switch {
	case s.RenameModule != nil:
		return env.RenameModule(ctx, s.RenameModule.Old, s.RenameModule.New)
	case s.MergeModule != nil:
		return env.MergeModule(ctx, s.MergeModule.Old, s.MergeModule.Into, s.MergeModule.WithoutDeps)
	case s.RemoveModule != nil:
		return env.RemoveModule(ctx, s.RemoveModule.Name)
	case s.NewModuleDep != nil:
		return env.NewModuleDep(ctx, s.NewModuleDep.Module, s.NewModuleDep.Dep)
	case s.RemoveModuleDeps != nil:
		return env.RemoveModuleDeps(ctx, s.RemoveModuleDeps.Module, s.RemoveModuleDeps.Deps...)
	case s.RenameModel != nil:
		return env.RenameModel(ctx, s.RenameModel.Old, s.RenameModel.New, !s.RenameModel.KeepTable)
	case s.MergeModel != nil:
		return env.MergeModel(ctx, s.MergeModel.Source, s.MergeModel.Target, upgrade.MergeModelOptions{
			KeepTable:     s.MergeModel.KeepTable,
			FieldsMapping: s.MergeModel.Fields,
		})
	case s.RemoveModel != nil:
		return env.RemoveModel(ctx, s.RemoveModel.Name)
	case s.RenameField != nil:
		return env.RenameField(ctx, s.RenameField.Model, s.RenameField.Old, s.RenameField.New,
			upgrade.RenameFieldOptions{NoReferenceUpdate: s.RenameField.NoReferences})
	case s.RemoveField != nil:
		return env.RemoveField(ctx, s.RemoveField.Model, s.RemoveField.Name,
			upgrade.RemoveFieldOptions{Cascade: s.RemoveField.Cascade, KeepColumn: s.RemoveField.KeepColumn})
	case s.ChangeSelection != nil:
		return env.ChangeFieldSelectionValues(ctx, s.ChangeSelection.Model, s.ChangeSelection.Field,
			s.ChangeSelection.Mapping, nil)
	case s.RenameXMLID != nil:
		_, err := env.RenameXMLID(ctx, s.RenameXMLID.Old, s.RenameXMLID.New)
		return err
	case s.RemoveRecord != nil:
		return env.RemoveRecordXMLID(ctx, s.RemoveRecord.XMLID)
	}
	return fmt.Errorf("no operation")
}

func (s *Step) validateArgs() error {
	switch {
	case s.RenameModule != nil:
		if s.RenameModule.Old == "" || s.RenameModule.New == "" {
			return fmt.Errorf("rename_module needs old and new")
		}
	case s.MergeModule != nil:
		if s.MergeModule.Old == "" || s.MergeModule.Into == "" {
			return fmt.Errorf("merge_module needs old and into")
		}
	case s.RemoveModule != nil:
		if s.RemoveModule.Name == "" {
			return fmt.Errorf("remove_module needs name")
		}
	case s.NewModuleDep != nil:
		if s.NewModuleDep.Module == "" || s.NewModuleDep.Dep == "" {
			return fmt.Errorf("new_module_dep needs module and dep")
		}
	case s.RemoveModuleDeps != nil:
		if s.RemoveModuleDeps.Module == "" || len(s.RemoveModuleDeps.Deps) == 0 {
			return fmt.Errorf("remove_module_deps needs module and deps")
		}
	case s.RenameModel != nil:
		if s.RenameModel.Old == "" || s.RenameModel.New == "" {
			return fmt.Errorf("rename_model needs old and new")
		}
	case s.MergeModel != nil:
		if s.MergeModel.Source == "" || s.MergeModel.Target == "" {
			return fmt.Errorf("merge_model needs source and target")
		}
	case s.RemoveModel != nil:
		if s.RemoveModel.Name == "" {
			return fmt.Errorf("remove_model needs name")
		}
	case s.RenameField != nil:
		if s.RenameField.Model == "" || s.RenameField.Old == "" || s.RenameField.New == "" {
			return fmt.Errorf("rename_field needs model, old and new")
		}
	case s.RemoveField != nil:
		if s.RemoveField.Model == "" || s.RemoveField.Name == "" {
			return fmt.Errorf("remove_field needs model and name")
		}
	case s.ChangeSelection != nil:
		if s.ChangeSelection.Model == "" || s.ChangeSelection.Field == "" || len(s.ChangeSelection.Mapping) == 0 {
			return fmt.Errorf("change_selection needs model, field and mapping")
		}
	case s.RenameXMLID != nil:
		if s.RenameXMLID.Old == "" || s.RenameXMLID.New == "" {
			return fmt.Errorf("rename_xmlid needs old and new")
		}
	case s.RemoveRecord != nil:
		if s.RemoveRecord.XMLID == "" {
			return fmt.Errorf("remove_record needs xmlid")
		}
	}
	return nil
}

func (s *Step) operations() []string {
	var ops []string
	add := func(name string, set bool) {
		if set {
			ops = append(ops, name)
		}
	}
	add("rename_module", s.RenameModule != nil)
	add("merge_module", s.MergeModule != nil)
	add("remove_module", s.RemoveModule != nil)
	add("new_module_dep", s.NewModuleDep != nil)
	add("remove_module_deps", s.RemoveModuleDeps != nil)
	add("rename_model", s.RenameModel != nil)
	add("merge_model", s.MergeModel != nil)
	add("remove_model", s.RemoveModel != nil)
	add("rename_field", s.RenameField != nil)
	add("remove_field", s.RemoveField != nil)
	add("change_selection", s.ChangeSelection != nil)
	add("rename_xmlid", s.RenameXMLID != nil)
	add("remove_record", s.RemoveRecord != nil)
	return ops
}

func (s *Step) label(i int) string {
	if s.Name != "" {
		return fmt.Sprintf("%q", s.Name)
	}
	if ops := s.operations(); len(ops) == 1 {
		return fmt.Sprintf("#%d (%s)", i+1, ops[0])
	}
	return fmt.Sprintf("#%d", i+1)
}
