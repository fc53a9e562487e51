package transform

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/crmsync/internal/ir"
)

// Unmapped value policies for enum_map.
const (
	PolicyError       = "error"
	PolicyPassthrough = "passthrough"
	PolicyDefault     = "default"
)

type enumMapConfig struct {
	Values        map[string]string `json:"values"`
	OnUnmapped    string            `json:"on_unmapped"`
	DefaultLocal  *string           `json:"default_local"`
	DefaultRemote *string           `json:"default_remote"`
}

// enumMap is a bidirectional code lookup table.
type enumMap struct {
	cfg     enumMapConfig
	reverse map[string]string
}

func newEnumMap(config json.RawMessage) (Transformer, error) {
	var cfg enumMapConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Values) == 0 {
		return nil, fmt.Errorf("values must not be empty")
	}
	if cfg.OnUnmapped == "" {
		cfg.OnUnmapped = PolicyError
	}
	switch cfg.OnUnmapped {
	case PolicyError, PolicyPassthrough:
	case PolicyDefault:
		if cfg.DefaultLocal == nil && cfg.DefaultRemote == nil {
			return nil, fmt.Errorf("on_unmapped %q needs default_local or default_remote", PolicyDefault)
		}
	default:
		return nil, fmt.Errorf("unknown on_unmapped policy %q", cfg.OnUnmapped)
	}

	reverse := make(map[string]string, len(cfg.Values))
	for local, remote := range cfg.Values {
		if prev, dup := reverse[remote]; dup {
			return nil, fmt.Errorf("remote code %q is mapped from both %q and %q", remote, prev, local)
		}
		reverse[remote] = local
	}
	return &enumMap{cfg: cfg, reverse: reverse}, nil
}

func (m *enumMap) Apply(dir ir.Direction, v ir.Value) (ir.Value, error) {
	if ir.IsNull(v) {
		return ir.Null{}, nil
	}
	key := ir.Text(v)

	table, fallback := m.cfg.Values, m.cfg.DefaultRemote
	if dir == ir.DirectionRemoteToLocal {
		table, fallback = m.reverse, m.cfg.DefaultLocal
	}
	if out, ok := table[key]; ok {
		return ir.String(out), nil
	}

	switch m.cfg.OnUnmapped {
	case PolicyPassthrough:
		return v, nil
	case PolicyDefault:
		if fallback != nil {
			return ir.String(*fallback), nil
		}
	}
	return nil, &UnmappedValueError{Value: key, Direction: dir}
}

func (m *enumMap) Spec() ir.Object {
	values := make(ir.Object, len(m.cfg.Values))
	for k, v := range m.cfg.Values {
		values[k] = ir.String(v)
	}
	spec := ir.Object{
		"kind":        ir.String(KindEnumMap),
		"values":      values,
		"on_unmapped": ir.String(m.cfg.OnUnmapped),
	}
	if m.cfg.DefaultLocal != nil {
		spec["default_local"] = ir.String(*m.cfg.DefaultLocal)
	}
	if m.cfg.DefaultRemote != nil {
		spec["default_remote"] = ir.String(*m.cfg.DefaultRemote)
	}
	return spec
}
