package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/roach88/crmsync/internal/ir"
)

type stringTemplateConfig struct {
	Outbound string `json:"outbound"`
	Inbound  string `json:"inbound"`
}

// stringTemplate renders a Go text/template over the field value. A missing
// template for a direction passes the value through unchanged.
type stringTemplate struct {
	cfg      stringTemplateConfig
	outbound *template.Template
	inbound  *template.Template
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"default": func(def, s string) string {
		if s == "" {
			return def
		}
		return s
	},
}

func newStringTemplate(config json.RawMessage) (Transformer, error) {
	var cfg stringTemplateConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Outbound == "" && cfg.Inbound == "" {
		return nil, fmt.Errorf("at least one of outbound or inbound is required")
	}
	st := &stringTemplate{cfg: cfg}
	var err error
	if st.outbound, err = parseTemplate("outbound", cfg.Outbound); err != nil {
		return nil, err
	}
	if st.inbound, err = parseTemplate("inbound", cfg.Inbound); err != nil {
		return nil, err
	}
	return st, nil
}

func parseTemplate(name, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%s template: %w", name, err)
	}
	return t, nil
}

func (s *stringTemplate) Apply(dir ir.Direction, v ir.Value) (ir.Value, error) {
	tmpl := s.outbound
	if dir == ir.DirectionRemoteToLocal {
		tmpl = s.inbound
	}
	if tmpl == nil {
		if v == nil {
			return ir.Null{}, nil
		}
		return v, nil
	}
	if ir.IsNull(v) {
		return ir.Null{}, nil
	}

	var buf bytes.Buffer
	data := struct{ Value string }{Value: ir.Text(v)}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, &ValueError{Kind: KindStringTemplate, Value: data.Value, Reason: err.Error()}
	}
	return ir.String(buf.String()), nil
}

func (s *stringTemplate) Spec() ir.Object {
	return ir.Object{
		"kind":     ir.String(KindStringTemplate),
		"outbound": ir.String(s.cfg.Outbound),
		"inbound":  ir.String(s.cfg.Inbound),
	}
}
