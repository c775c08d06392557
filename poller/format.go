package poller

import (
	"fmt"
	"math"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

// Formatter applies an optional transform expression to a raw value and
// renders it for display.
type Formatter struct {
	source    string
	program   *vm.Program
	precision *int32
}

// NewFormatter compiles transform, an expression over the float64 variable
// `value`. An empty transform passes the raw value through.
func NewFormatter(transform string, precision *int32) (*Formatter, error) {
	f := &Formatter{source: transform, precision: precision}
	if transform == "" {
		return f, nil
	}
	program, err := expr.Compile(transform, expr.Env(map[string]interface{}{"value": float64(0)}), expr.AsFloat64())
	if err != nil {
		return nil, fmt.Errorf("compile transform %q: %w", transform, err)
	}
	f.program = program
	return f, nil
}

// Evaluate returns the transformed value and its display text.
func (f *Formatter) Evaluate(raw float32) (float64, string, error) {
	if f.program == nil {
		value := float64(raw)
		if !isFinite(value) {
			return value, formatNonFinite(value), nil
		}
		return value, f.render(decimal.NewFromFloat32(raw)), nil
	}
	out, err := expr.Run(f.program, map[string]interface{}{"value": float64(raw)})
	if err != nil {
		return 0, "", fmt.Errorf("transform %q: %w", f.source, err)
	}
	value, ok := out.(float64)
	if !ok {
		return 0, "", fmt.Errorf("transform %q returned %T", f.source, out)
	}
	if !isFinite(value) {
		return value, formatNonFinite(value), nil
	}
	return value, f.render(decimal.NewFromFloat(value)), nil
}

func (f *Formatter) render(d decimal.Decimal) string {
	if f.precision != nil {
		return d.StringFixed(*f.precision)
	}
	return d.String()
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatNonFinite(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
