package domain

import "fmt"

// FieldKind selects how a field's source expression is derived from raw
// model output.
type FieldKind string

const (
	KindPlain  FieldKind = "plain"
	KindMean   FieldKind = "mean"
	KindDayMin FieldKind = "daymin"
	KindDayMax FieldKind = "daymax"
	KindAccum  FieldKind = "accum"
	KindRate   FieldKind = "rate"
)

// Leads selects the aggregated timesteps kept in the store (one-based,
// inclusive). The default drops the partial spin-up month and keeps six
// lead months.
type Leads struct {
	From int `toml:"from"`
	To   int `toml:"to"`
}

// DefaultLeads keeps timesteps 2 through 7.
var DefaultLeads = Leads{From: 2, To: 7}

// Field describes one destination variable.
type Field struct {
	Name  string    `toml:"name"`
	Kind  FieldKind `toml:"kind"`
	Files []string  `toml:"files"`
	Leads Leads     `toml:"leads"`

	// SourceVar is the raw variable renamed to Name by the rate kind.
	SourceVar string `toml:"source_var"`
	// Divisor converts the de-accumulated increment to a rate.
	Divisor float64 `toml:"divisor"`
	// Units is attached to the renamed variable by the rate kind.
	Units string `toml:"units"`

	// Drop lists extra variables removed before the region write.
	Drop []string `toml:"drop"`
}

// Validate checks that the field definition can produce a source for every
// run.
func (f Field) Validate() error {
	if !identRe.MatchString(f.Name) {
		return fmt.Errorf("field name %q is not a valid variable name", f.Name)
	}
	if len(f.Files) == 0 {
		return fmt.Errorf("field %s: no input files", f.Name)
	}
	switch f.Kind {
	case KindPlain, KindMean, KindDayMin, KindDayMax, KindAccum:
		if len(f.Files) != 1 {
			return fmt.Errorf("field %s: kind %s takes one file, got %d", f.Name, f.Kind, len(f.Files))
		}
	case KindRate:
		if len(f.Files) != 2 {
			return fmt.Errorf("field %s: kind rate takes two files, got %d", f.Name, len(f.Files))
		}
		if f.SourceVar == "" {
			return fmt.Errorf("field %s: kind rate needs source_var", f.Name)
		}
		if f.Divisor == 0 {
			return fmt.Errorf("field %s: kind rate needs a non-zero divisor", f.Name)
		}
	case "":
		return fmt.Errorf("field %s: kind is required", f.Name)
	default:
		return fmt.Errorf("field %s: unknown kind %q", f.Name, f.Kind)
	}
	if f.Kind != KindPlain && f.Kind != KindRate {
		if l := f.leads(); l.From == 0 || l.To == 0 {
			return fmt.Errorf("field %s: leads must be non-zero", f.Name)
		}
	}
	return nil
}

func (f Field) leads() Leads {
	if f.Leads == (Leads{}) {
		return DefaultLeads
	}
	return f.Leads
}

// Source builds the source descriptor for run. It is a pure function of the
// archive layout, the run and the field; upstream existence is not checked.
func (f Field) Source(a Archive, run ForecastRun) Source {
	in := File(a.OutputPath(run, f.Files[0]))
	l := f.leads()

	switch f.Kind {
	case KindPlain:
		return Source{Path: in.File}
	case KindMean:
		return Command(SetName(f.Name, SelTimestep(l.From, l.To, MonMean(in))))
	case KindDayMin:
		return Command(SetName(f.Name, SelTimestep(l.From, l.To, MonMean(DayMin(in)))))
	case KindDayMax:
		return Command(SetName(f.Name, SelTimestep(l.From, l.To, MonMean(DayMax(in)))))
	case KindAccum:
		return Command(SetName(f.Name, SelTimestep(l.From, l.To, MonSum(Deaccumulate(in)))))
	case KindRate:
		sum := Add(in, File(a.OutputPath(run, f.Files[1])))
		e := MonMean(DivC(f.Divisor, Deaccumulate(sum)))
		e = ChName(f.SourceVar, f.Name, e)
		if f.Units != "" {
			e = SetAttribute(f.Name, "units", f.Units, e)
		}
		return Command(e)
	}
	return Source{Path: in.File}
}

// Source is either a plain file path or an operator expression to be
// transcoded.
type Source struct {
	Path string `json:"path,omitempty"`
	Expr *Expr  `json:"expr,omitempty"`
}

// Command wraps e as a transcoded source.
func Command(e Expr) Source { return Source{Expr: &e} }

// IsCommand reports whether s must be transcoded before use.
func (s Source) IsCommand() bool { return s.Expr != nil }

func (s Source) String() string {
	if s.Expr != nil {
		return s.Expr.Command()
	}
	return s.Path
}

// ManifestEntry is one (source, destination-region) unit of work.
type ManifestEntry struct {
	Field  string
	Run    ForecastRun
	Source Source
	Region Region
}
