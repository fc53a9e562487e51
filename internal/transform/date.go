package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/ir"
)

// Named layouts accepted by date_format besides raw Go layouts.
var namedLayouts = map[string]string{
	"rfc3339":  time.RFC3339,
	"date":     "2006-01-02",
	"datetime": "2006-01-02 15:04:05",
}

const layoutUnix = "unix"

type dateFormatConfig struct {
	Local    string `json:"local"`
	Remote   string `json:"remote"`
	Timezone string `json:"timezone"`
}

type dateFormat struct {
	cfg    dateFormatConfig
	local  string
	remote string
	loc    *time.Location
}

func newDateFormat(config json.RawMessage) (Transformer, error) {
	cfg := dateFormatConfig{Local: "rfc3339", Timezone: "UTC"}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Remote == "" {
		return nil, fmt.Errorf("remote layout is required")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
	}
	return &dateFormat{
		cfg:    cfg,
		local:  resolveLayout(cfg.Local),
		remote: resolveLayout(cfg.Remote),
		loc:    loc,
	}, nil
}

func resolveLayout(name string) string {
	if l, ok := namedLayouts[strings.ToLower(name)]; ok {
		return l
	}
	if strings.EqualFold(name, layoutUnix) {
		return layoutUnix
	}
	return name
}

func (d *dateFormat) Apply(dir ir.Direction, v ir.Value) (ir.Value, error) {
	if ir.IsNull(v) || ir.Text(v) == "" {
		return ir.Null{}, nil
	}
	from, to := d.local, d.remote
	if dir == ir.DirectionRemoteToLocal {
		from, to = d.remote, d.local
	}

	t, err := d.parse(from, v)
	if err != nil {
		return nil, &ValueError{Kind: KindDateFormat, Value: ir.Text(v), Reason: err.Error()}
	}
	if to == layoutUnix {
		return ir.Int(t.Unix()), nil
	}
	return ir.String(t.In(d.loc).Format(to)), nil
}

func (d *dateFormat) parse(layout string, v ir.Value) (time.Time, error) {
	if layout == layoutUnix {
		var secs int64
		switch val := v.(type) {
		case ir.Int:
			secs = int64(val)
		default:
			n, err := strconv.ParseInt(ir.Text(v), 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("not a unix timestamp")
			}
			secs = n
		}
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.ParseInLocation(layout, ir.Text(v), d.loc)
}

func (d *dateFormat) Spec() ir.Object {
	return ir.Object{
		"kind":     ir.String(KindDateFormat),
		"local":    ir.String(d.local),
		"remote":   ir.String(d.remote),
		"timezone": ir.String(d.cfg.Timezone),
	}
}
