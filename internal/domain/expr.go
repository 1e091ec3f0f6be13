package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a climate-data operator understood by the transcoding tool.
type Op string

// Supported operators.
const (
	OpSetName      Op = "setname"
	OpChName       Op = "chname"
	OpSetAttribute Op = "setattribute"
	OpSelTimestep  Op = "seltimestep"
	OpMonMean      Op = "monmean"
	OpMonSum       Op = "monsum"
	OpDayMin       Op = "daymin"
	OpDayMax       Op = "daymax"
	OpDayMean      Op = "daymean"
	OpDivC         Op = "divc"
	OpMulC         Op = "mulc"
	OpSub          Op = "sub"
	OpAdd          Op = "add"
	OpMergeTime    Op = "mergetime"
	OpEnsMean      Op = "ensmean"
	OpEnsMedian    Op = "ensmedian"
	OpEnsPctl      Op = "enspctl"
	OpYMonMean     Op = "ymonmean"
)

// variadic marks operators that take one or more inputs. The tool needs
// those inputs bracketed when chained.
const variadic = -1

type opSpec struct {
	arity  int
	params func([]string) error
}

var (
	identRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	timestepRe  = regexp.MustCompile(`^-?[0-9]+(/-?[0-9]+)?$`)
	attributeRe = regexp.MustCompile(`^[A-Za-z0-9_]*@[A-Za-z_][A-Za-z0-9_]*=[^,\s\[\]]+$`)
)

var operators = map[Op]opSpec{
	OpSetName:      {arity: 1, params: exactly(1, matches(identRe))},
	OpChName:       {arity: 1, params: pairs(matches(identRe))},
	OpSetAttribute: {arity: 1, params: atLeast(1, matches(attributeRe))},
	OpSelTimestep:  {arity: 1, params: exactly(1, matches(timestepRe))},
	OpMonMean:      {arity: 1, params: exactly(0, nil)},
	OpMonSum:       {arity: 1, params: exactly(0, nil)},
	OpDayMin:       {arity: 1, params: exactly(0, nil)},
	OpDayMax:       {arity: 1, params: exactly(0, nil)},
	OpDayMean:      {arity: 1, params: exactly(0, nil)},
	OpYMonMean:     {arity: 1, params: exactly(0, nil)},
	OpDivC:         {arity: 1, params: exactly(1, isFloat)},
	OpMulC:         {arity: 1, params: exactly(1, isFloat)},
	OpSub:          {arity: 2, params: exactly(0, nil)},
	OpAdd:          {arity: 2, params: exactly(0, nil)},
	OpMergeTime:    {arity: variadic, params: exactly(0, nil)},
	OpEnsMean:      {arity: variadic, params: exactly(0, nil)},
	OpEnsMedian:    {arity: variadic, params: exactly(0, nil)},
	OpEnsPctl:      {arity: variadic, params: exactly(1, isPercentile)},
}

// Expr is a typed operator tree. A leaf carries a File path and no Op;
// every other node applies Op with Params to its Inputs in order.
type Expr struct {
	Op     Op       `json:"op,omitempty"`
	Params []string `json:"params,omitempty"`
	Inputs []Expr   `json:"inputs,omitempty"`
	File   string   `json:"file,omitempty"`
}

// File returns a leaf expression reading path.
func File(path string) Expr { return Expr{File: path} }

// Apply builds an operator node.
func Apply(op Op, params []string, inputs ...Expr) Expr {
	return Expr{Op: op, Params: params, Inputs: inputs}
}

// SetName renames the single variable of in.
func SetName(name string, in Expr) Expr { return Apply(OpSetName, []string{name}, in) }

// ChName renames variable from to to.
func ChName(from, to string, in Expr) Expr { return Apply(OpChName, []string{from, to}, in) }

// SetAttribute sets attribute attr of variable v to value.
func SetAttribute(v, attr, value string, in Expr) Expr {
	return Apply(OpSetAttribute, []string{v + "@" + attr + "=" + value}, in)
}

// SelTimestep selects timesteps from..to (one-based, negative counts from
// the end).
func SelTimestep(from, to int, in Expr) Expr {
	return Apply(OpSelTimestep, []string{fmt.Sprintf("%d/%d", from, to)}, in)
}

func MonMean(in Expr) Expr  { return Apply(OpMonMean, nil, in) }
func MonSum(in Expr) Expr   { return Apply(OpMonSum, nil, in) }
func DayMin(in Expr) Expr   { return Apply(OpDayMin, nil, in) }
func DayMax(in Expr) Expr   { return Apply(OpDayMax, nil, in) }
func DayMean(in Expr) Expr  { return Apply(OpDayMean, nil, in) }
func YMonMean(in Expr) Expr { return Apply(OpYMonMean, nil, in) }

// DivC divides every value by c.
func DivC(c float64, in Expr) Expr { return Apply(OpDivC, []string{formatFloat(c)}, in) }

// MulC multiplies every value by c.
func MulC(c float64, in Expr) Expr { return Apply(OpMulC, []string{formatFloat(c)}, in) }

// Sub computes a - b.
func Sub(a, b Expr) Expr { return Apply(OpSub, nil, a, b) }

// Add computes a + b.
func Add(a, b Expr) Expr { return Apply(OpAdd, nil, a, b) }

func MergeTime(ins ...Expr) Expr { return Apply(OpMergeTime, nil, ins...) }
func EnsMean(ins ...Expr) Expr   { return Apply(OpEnsMean, nil, ins...) }
func EnsMedian(ins ...Expr) Expr { return Apply(OpEnsMedian, nil, ins...) }

// EnsPctl computes the p-th percentile across inputs.
func EnsPctl(p float64, ins ...Expr) Expr {
	return Apply(OpEnsPctl, []string{formatFloat(p)}, ins...)
}

// Deaccumulate turns a running total into per-step increments by
// subtracting each timestep from its successor.
func Deaccumulate(in Expr) Expr {
	return Sub(SelTimestep(2, -1, in), SelTimestep(1, -2, in))
}

// IsLeaf reports whether e reads a file directly.
func (e Expr) IsLeaf() bool { return e.Op == "" }

// Validate checks operator names, arity, parameters and file leaves
// recursively.
func (e Expr) Validate() error {
	if e.IsLeaf() {
		return validatePath(e.File)
	}
	spec, ok := operators[e.Op]
	if !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidExpr, e.Op)
	}
	if spec.arity == variadic {
		if len(e.Inputs) == 0 {
			return fmt.Errorf("%w: %s needs at least one input", ErrInvalidExpr, e.Op)
		}
	} else if len(e.Inputs) != spec.arity {
		return fmt.Errorf("%w: %s takes %d input(s), got %d", ErrInvalidExpr, e.Op, spec.arity, len(e.Inputs))
	}
	if spec.params != nil {
		if err := spec.params(e.Params); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidExpr, e.Op, err)
		}
	}
	for _, in := range e.Inputs {
		if err := in.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Args renders e in the tool's chained-operator syntax, one argv token per
// element. Callers should Validate first.
func (e Expr) Args() []string {
	return e.appendArgs(nil)
}

func (e Expr) appendArgs(dst []string) []string {
	if e.IsLeaf() {
		return append(dst, e.File)
	}
	tok := "-" + string(e.Op)
	if len(e.Params) > 0 {
		tok += "," + strings.Join(e.Params, ",")
	}
	dst = append(dst, tok)
	bracket := operators[e.Op].arity == variadic
	if bracket {
		dst = append(dst, "[")
	}
	for _, in := range e.Inputs {
		dst = in.appendArgs(dst)
	}
	if bracket {
		dst = append(dst, "]")
	}
	return dst
}

// Command is the canonical single-string form of e.
func (e Expr) Command() string {
	return strings.Join(e.Args(), " ")
}

// Files lists every file leaf in e in render order.
func (e Expr) Files() []string {
	if e.IsLeaf() {
		return []string{e.File}
	}
	var out []string
	for _, in := range e.Inputs {
		out = append(out, in.Files()...)
	}
	return out
}

func (e Expr) String() string { return e.Command() }

// Digest returns the hex-encoded SHA-256 of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func validatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty file path", ErrInvalidExpr)
	case strings.HasPrefix(p, "-"):
		return fmt.Errorf("%w: file path %q looks like an operator", ErrInvalidExpr, p)
	case p == "[" || p == "]":
		return fmt.Errorf("%w: file path %q is a bracket", ErrInvalidExpr, p)
	case strings.ContainsAny(p, " \t\n\r"):
		return fmt.Errorf("%w: file path %q contains whitespace", ErrInvalidExpr, p)
	}
	return nil
}

func exactly(n int, each func(string) error) func([]string) error {
	return func(ps []string) error {
		if len(ps) != n {
			return fmt.Errorf("want %d parameter(s), got %d", n, len(ps))
		}
		return eachParam(ps, each)
	}
}

func atLeast(n int, each func(string) error) func([]string) error {
	return func(ps []string) error {
		if len(ps) < n {
			return fmt.Errorf("want at least %d parameter(s), got %d", n, len(ps))
		}
		return eachParam(ps, each)
	}
}

func pairs(each func(string) error) func([]string) error {
	return func(ps []string) error {
		if len(ps) == 0 || len(ps)%2 != 0 {
			return fmt.Errorf("want old,new name pairs, got %d parameter(s)", len(ps))
		}
		return eachParam(ps, each)
	}
}

func eachParam(ps []string, each func(string) error) error {
	if each == nil {
		return nil
	}
	for _, p := range ps {
		if err := each(p); err != nil {
			return err
		}
	}
	return nil
}

func matches(re *regexp.Regexp) func(string) error {
	return func(p string) error {
		if !re.MatchString(p) {
			return fmt.Errorf("parameter %q is not allowed", p)
		}
		return nil
	}
}

func isFloat(p string) error {
	if _, err := strconv.ParseFloat(p, 64); err != nil {
		return fmt.Errorf("parameter %q is not a number", p)
	}
	return nil
}

func isPercentile(p string) error {
	v, err := strconv.ParseFloat(p, 64)
	if err != nil || v < 0 || v > 100 {
		return fmt.Errorf("parameter %q is not a percentile", p)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
