package gridconfig

import (
	errgo "gopkg.in/errgo.v1"

	"github.com/gridlog/gridlog/sensor"
)

// formulas holds the builtin derived-value formulas, keyed by the
// name used in a request's derive field. Each entry records the
// number of inputs it expects and the computation.
var formulas = map[string]struct {
	inputs  int
	compute func(in []float64) float64
}{
	// irradiance converts a pyranometer millivolt reading to W/m²
	// with temperature compensation: inputs are the millivolt value
	// and the sensor temperature in °C.
	"irradiance": {
		inputs: 2,
		compute: func(in []float64) float64 {
			mv, t := in[0], in[1]
			return mv / 54.57 * 1000 / (1 + 0.0005*(t-25))
		},
	},
	// power multiplies a voltage and a current reading.
	"power": {
		inputs: 2,
		compute: func(in []float64) float64 {
			return in[0] * in[1]
		},
	},
}

// Formula returns the derived-request parameters for the named
// builtin formula applied to the given inputs.
func Formula(name string, inputs []string) (sensor.Derived, error) {
	f, ok := formulas[name]
	if !ok {
		return sensor.Derived{}, errgo.Newf("unknown formula %q", name)
	}
	if len(inputs) != f.inputs {
		return sensor.Derived{}, errgo.Newf("formula %q needs %d inputs; got %d", name, f.inputs, len(inputs))
	}
	compute := f.compute
	return sensor.Derived{
		Inputs: inputs,
		Compute: func(vals []sensor.Value) (sensor.Value, error) {
			in := make([]float64, len(vals))
			for i, v := range vals {
				if v.Kind() == sensor.String {
					return sensor.Value{}, errgo.Newf("input %q is not numeric", inputs[i])
				}
				in[i] = v.Float()
			}
			return sensor.FloatValue(compute(in)), nil
		},
	}, nil
}
