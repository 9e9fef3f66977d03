package normalize

import (
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/welldata/prodstream/internal/model"
)

// Non-numeric production targets.
const (
	TargetDate     = "date"
	TargetWell     = "well"
	TargetFlowKind = "flow_kind"
)

// defaultAliases maps normalized header keys to a canonical production
// field or one of the Target constants. Canonical names map to themselves.
var defaultAliases = map[string]string{
	"date":        TargetDate,
	"timestamp":   TargetDate,
	"time":        TargetDate,
	"recordedat":  TargetDate,
	"recorded_at": TargetDate,

	"well":      TargetWell,
	"well_name": TargetWell,
	"wellname":  TargetWell,

	"flow_kind": TargetFlowKind,
	"flowkind":  TargetFlowKind,
	"flow":      TargetFlowKind,

	"temperature_down": model.FieldDownTemperature,
	"chock_size":       model.FieldChokeSize,
	"pressure_top":     model.FieldHeadPressure,
	"temprature_top":   model.FieldHeadTemperature,
	"temperature_top":  model.FieldHeadTemperature,
	"head_tempereture": model.FieldHeadTemperature,
	"chocke_pressure":  model.FieldChokePressure,
	"hover_open":       model.FieldWorkTime,
	"pressure_down":    model.FieldDownPressure,
}

// productionTimestampKeys lists timestamp columns in precedence order.
var productionTimestampKeys = []string{"date", "timestamp", "time", "recordedat", "recorded_at"}

// setter applies one raw cell to a production record.
type setter func(r *model.ProductionRecord, raw any) error

func numericSetter(field string) setter {
	return func(r *model.ProductionRecord, raw any) error {
		v, err := ParseValue(raw)
		if err != nil {
			return eris.Wrapf(err, "column %s", field)
		}
		r.SetField(field, v)
		return nil
	}
}

func setWell(r *model.ProductionRecord, raw any) error {
	switch v := raw.(type) {
	case string:
		r.WellName = strings.TrimSpace(v)
	case float64:
		r.WellName = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		if f, ok := asFloat(v); ok {
			r.WellName = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return nil
}

func setFlowKind(r *model.ProductionRecord, raw any) error {
	switch v := raw.(type) {
	case string:
		r.FlowKind = strings.TrimSpace(v)
	default:
		if f, ok := asFloat(v); ok {
			r.FlowKind = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return nil
}

// buildSetters resolves an alias table into normalized key → setter.
// Date columns are handled separately and get no setter.
func buildSetters(aliases map[string]string) (map[string]setter, error) {
	out := make(map[string]setter, len(aliases)+len(model.ProductionFields))
	for _, f := range model.ProductionFields {
		out[f] = numericSetter(f)
	}
	for alias, target := range aliases {
		key := Key(alias)
		switch {
		case target == TargetDate:
			continue
		case target == TargetWell:
			out[key] = setWell
		case target == TargetFlowKind:
			out[key] = setFlowKind
		case model.IsProductionField(target):
			out[key] = numericSetter(target)
		default:
			return nil, eris.Errorf("normalize: alias %q targets unknown field %q", alias, target)
		}
	}
	return out, nil
}

// LoadAliases reads a YAML mapping of header alias to canonical field.
func LoadAliases(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read aliases %s", path)
	}
	var aliases map[string]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, eris.Wrapf(err, "normalize: parse aliases %s", path)
	}
	return aliases, nil
}
