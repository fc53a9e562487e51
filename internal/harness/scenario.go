package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
)

// Scenario describes one end-to-end sync exercise.
type Scenario struct {
	// Name identifies the scenario and its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Config is the directory holding the connection mappings. A relative
	// path is resolved against the scenario file by LoadScenario.
	Config string `yaml:"config"`

	// Connection selects the connection to run. It may be left empty when
	// Config defines exactly one.
	Connection string `yaml:"connection,omitempty"`

	// Local seeds the local store before the first step.
	Local []source.FixtureRecord `yaml:"local,omitempty"`

	// Remote seeds the CRM before the first step.
	Remote []RemoteRecord `yaml:"remote,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// RemoteRecord is one record on the CRM side.
type RemoteRecord struct {
	Entity string         `yaml:"entity"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

func (r RemoteRecord) object() (ir.Object, error) {
	return source.FixtureFields(r.Fields)
}

// Step is one action of a scenario. Exactly one of the action fields is
// set.
type Step struct {
	Run          *RunStep              `yaml:"run,omitempty"`
	PutLocal     *source.FixtureRecord `yaml:"put_local,omitempty"`
	DeleteLocal  *LocalRef             `yaml:"delete_local,omitempty"`
	PutRemote    *RemoteRecord         `yaml:"put_remote,omitempty"`
	RemoveRemote *RemoteRecord         `yaml:"remove_remote,omitempty"`

	// Expect checks the report of a run step.
	Expect *Expect `yaml:"expect,omitempty"`
}

// RunStep triggers one sync run.
type RunStep struct {
	Full bool `yaml:"full,omitempty"`
}

// LocalRef names a local record.
type LocalRef struct {
	Type ir.EntityType `yaml:"type"`
	ID   string        `yaml:"id"`
}

// Expect is matched against a run report. Unset counters are not checked.
type Expect struct {
	Status  ir.RunStatus `yaml:"status,omitempty"`
	Created *int         `yaml:"created,omitempty"`
	Updated *int         `yaml:"updated,omitempty"`
	Deleted *int         `yaml:"deleted,omitempty"`
	Skipped *int         `yaml:"skipped,omitempty"`
	Failed  *int         `yaml:"failed,omitempty"`
}

// Assertion validates the state left by a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Remote record (remote_record, remote_absent).
	Entity string `yaml:"entity,omitempty"`

	// Local record (local_record, local_absent, correlated).
	LocalType ir.EntityType `yaml:"local_type,omitempty"`

	ID string `yaml:"id,omitempty"`

	// Fields is a subset match against the record.
	Fields map[string]any `yaml:"fields,omitempty"`

	// RemoteID is the expected correlation target (correlated).
	RemoteID string `yaml:"remote_id,omitempty"`

	// Log filters (log_count). Empty filters match everything.
	Run       string `yaml:"run,omitempty"`
	Direction string `yaml:"direction,omitempty"`
	Action    string `yaml:"action,omitempty"`
	Status    string `yaml:"status,omitempty"`
	Count     *int   `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertRemoteRecord = "remote_record"
	AssertRemoteAbsent = "remote_absent"
	AssertLocalRecord  = "local_record"
	AssertLocalAbsent  = "local_absent"
	AssertCorrelated   = "correlated"
	AssertLogCount     = "log_count"
)

// LoadScenario reads a scenario file. Unknown keys are rejected, and a
// relative config directory is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Config != "" && !filepath.IsAbs(s.Config) {
		s.Config = filepath.Join(filepath.Dir(path), s.Config)
	}
	if err := Validate(s); err != nil {
		return nil, fmt.Errorf("%s: invalid scenario: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes scenario YAML without validating it.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return &s, nil
}

// Discover loads every *.yaml scenario in dir, sorted by file name.
func Discover(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Validate checks the structure of a scenario.
func Validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Config == "" {
		return fmt.Errorf("config is required")
	}
	if info, err := os.Stat(s.Config); err != nil || !info.IsDir() {
		return fmt.Errorf("config directory not found: %s", s.Config)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, r := range s.Local {
		if !r.Type.Valid() || r.ID == "" {
			return fmt.Errorf("local[%d]: type and id are required", i)
		}
	}
	for i, r := range s.Remote {
		if r.Entity == "" || r.ID == "" {
			return fmt.Errorf("remote[%d]: entity and id are required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Run != nil {
		set++
	}
	if step.PutLocal != nil {
		set++
		if !step.PutLocal.Type.Valid() || step.PutLocal.ID == "" {
			return fmt.Errorf("put_local: type and id are required")
		}
	}
	if step.DeleteLocal != nil {
		set++
		if !step.DeleteLocal.Type.Valid() || step.DeleteLocal.ID == "" {
			return fmt.Errorf("delete_local: type and id are required")
		}
	}
	if step.PutRemote != nil {
		set++
		if step.PutRemote.Entity == "" || step.PutRemote.ID == "" {
			return fmt.Errorf("put_remote: entity and id are required")
		}
	}
	if step.RemoveRemote != nil {
		set++
		if step.RemoveRemote.Entity == "" || step.RemoveRemote.ID == "" {
			return fmt.Errorf("remove_remote: entity and id are required")
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	if step.Expect != nil && step.Run == nil {
		return fmt.Errorf("expect is only allowed on run steps")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertRemoteRecord, AssertRemoteAbsent:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("entity and id are required for %s", a.Type)
		}
		if a.Type == AssertRemoteRecord && len(a.Fields) == 0 {
			return fmt.Errorf("fields are required for %s", a.Type)
		}
	case AssertLocalRecord, AssertLocalAbsent, AssertCorrelated:
		if !a.LocalType.Valid() || a.ID == "" {
			return fmt.Errorf("local_type and id are required for %s", a.Type)
		}
		if a.Type == AssertLocalRecord && len(a.Fields) == 0 {
			return fmt.Errorf("fields are required for %s", a.Type)
		}
	case AssertLogCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("a non-negative count is required for %s", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
