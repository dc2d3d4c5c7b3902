package space

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// #region kinds

// Kind identifies the distribution family of a dimension.
type Kind string

const (
	Uniform    Kind = "uniform"
	LogUniform Kind = "loguniform"
	Normal     Kind = "normal"
	RandInt    Kind = "randint"
)

// #endregion kinds

// #region dimension

// Dimension is one named axis of a search space with its distribution
// descriptor. Low/High bound uniform, loguniform and randint; Mu/Sigma
// parameterize normal.
type Dimension struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Low   float64 `json:"low,omitempty"`
	High  float64 `json:"high,omitempty"`
	Mu    float64 `json:"mu,omitempty"`
	Sigma float64 `json:"sigma,omitempty"`
}

// Validate checks the descriptor's numeric parameters.
func (d Dimension) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("dimension has no name")
	}
	if strings.ContainsAny(d.Name, "~=,;/ ") {
		return fmt.Errorf("dimension %q: name contains reserved characters", d.Name)
	}
	switch d.Kind {
	case Uniform:
		if !(d.Low < d.High) {
			return fmt.Errorf("dimension %q: uniform needs low < high, got (%v, %v)", d.Name, d.Low, d.High)
		}
	case LogUniform:
		if !(d.Low > 0 && d.Low < d.High) {
			return fmt.Errorf("dimension %q: loguniform needs 0 < low < high, got (%v, %v)", d.Name, d.Low, d.High)
		}
	case RandInt:
		if d.Low != math.Trunc(d.Low) || d.High != math.Trunc(d.High) {
			return fmt.Errorf("dimension %q: randint bounds must be integers, got (%v, %v)", d.Name, d.Low, d.High)
		}
		if !(d.Low <= d.High) {
			return fmt.Errorf("dimension %q: randint needs low <= high, got (%v, %v)", d.Name, d.Low, d.High)
		}
	case Normal:
		if !(d.Sigma > 0) {
			return fmt.Errorf("dimension %q: normal needs sigma > 0, got %v", d.Name, d.Sigma)
		}
	default:
		return fmt.Errorf("dimension %q: unknown kind %q", d.Name, d.Kind)
	}
	return nil
}

// Sample draws one value from the dimension's distribution.
func (d Dimension) Sample(rng *rand.Rand) float64 {
	switch d.Kind {
	case Uniform:
		return d.Low + rng.Float64()*(d.High-d.Low)
	case LogUniform:
		lo, hi := math.Log(d.Low), math.Log(d.High)
		return math.Exp(lo + rng.Float64()*(hi-lo))
	case RandInt:
		span := int64(d.High) - int64(d.Low) + 1
		return float64(int64(d.Low) + rng.Int63n(span))
	case Normal:
		return d.Mu + d.Sigma*rng.NormFloat64()
	}
	return math.NaN()
}

// Contains reports whether v lies in the dimension's domain.
func (d Dimension) Contains(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	switch d.Kind {
	case Uniform, LogUniform:
		return v >= d.Low && v <= d.High
	case RandInt:
		return v == math.Trunc(v) && v >= d.Low && v <= d.High
	case Normal:
		return true
	}
	return false
}

// Levels returns count representative values spanning the domain, used for
// lattice-style enumeration. Normal dimensions span mu ± 2 sigma.
func (d Dimension) Levels(count int) []float64 {
	if count < 1 {
		return nil
	}
	switch d.Kind {
	case RandInt:
		span := int(d.High-d.Low) + 1
		if count >= span {
			out := make([]float64, 0, span)
			for v := d.Low; v <= d.High; v++ {
				out = append(out, v)
			}
			return out
		}
		out := make([]float64, count)
		for i := range out {
			frac := float64(i) / float64(count-1)
			out[i] = math.Round(d.Low + frac*(d.High-d.Low))
		}
		return dedupe(out)
	case LogUniform:
		lo, hi := math.Log(d.Low), math.Log(d.High)
		out := make([]float64, count)
		if count == 1 {
			out[0] = math.Exp((lo + hi) / 2)
			return out
		}
		for i := range out {
			frac := float64(i) / float64(count-1)
			out[i] = math.Exp(lo + frac*(hi-lo))
		}
		return out
	case Normal:
		lo, hi := d.Mu-2*d.Sigma, d.Mu+2*d.Sigma
		return linspace(lo, hi, count)
	default:
		return linspace(d.Low, d.High, count)
	}
}

// String renders the dimension in declaration syntax, e.g. "lr~loguniform(1e-05,1)".
func (d Dimension) String() string {
	var a, b float64
	if d.Kind == Normal {
		a, b = d.Mu, d.Sigma
	} else {
		a, b = d.Low, d.High
	}
	return fmt.Sprintf("%s~%s(%s,%s)", d.Name, d.Kind, formatFloat(a), formatFloat(b))
}

// FormatValue renders a drawn value the way the dimension expects it to
// appear on a command line.
func (d Dimension) FormatValue(v float64) string {
	if d.Kind == RandInt {
		return strconv.FormatInt(int64(v), 10)
	}
	return formatFloat(v)
}

// #endregion dimension

// #region parse

// ParseDimension parses one "name~kind(a,b)" declaration into a Dimension.
func ParseDimension(spec string) (Dimension, error) {
	name, rest, ok := strings.Cut(spec, "~")
	if !ok {
		return Dimension{}, fmt.Errorf("dimension %q: missing '~'", spec)
	}
	open := strings.IndexByte(rest, '(')
	if open < 0 || !strings.HasSuffix(rest, ")") {
		return Dimension{}, fmt.Errorf("dimension %q: expected kind(args)", spec)
	}
	kind := Kind(strings.TrimSpace(rest[:open]))
	argList := rest[open+1 : len(rest)-1]

	args := strings.Split(argList, ",")
	if len(args) != 2 {
		return Dimension{}, fmt.Errorf("dimension %q: %s takes 2 arguments, got %d", spec, kind, len(args))
	}
	vals := make([]float64, 2)
	for i, a := range args {
		v, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return Dimension{}, fmt.Errorf("dimension %q: bad argument %q: %w", spec, a, err)
		}
		vals[i] = v
	}

	d := Dimension{Name: strings.TrimSpace(name), Kind: kind}
	if kind == Normal {
		d.Mu, d.Sigma = vals[0], vals[1]
	} else {
		d.Low, d.High = vals[0], vals[1]
	}
	if err := d.Validate(); err != nil {
		return Dimension{}, err
	}
	return d, nil
}

// IsDimensionSpec reports whether s looks like a dimension declaration.
// Used by the command surface to spot declarations among template arguments.
func IsDimensionSpec(s string) bool {
	name, rest, ok := strings.Cut(s, "~")
	if !ok || name == "" {
		return false
	}
	return strings.IndexByte(rest, '(') > 0 && strings.HasSuffix(rest, ")")
}

// #endregion parse

// #region helpers

func linspace(lo, hi float64, count int) []float64 {
	out := make([]float64, count)
	if count == 1 {
		out[0] = (lo + hi) / 2
		return out
	}
	for i := range out {
		frac := float64(i) / float64(count-1)
		out[i] = lo + frac*(hi-lo)
	}
	return out
}

func dedupe(vals []float64) []float64 {
	out := vals[:0]
	for _, v := range vals {
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// #endregion helpers
