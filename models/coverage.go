package models

// CounterType is one of the six JaCoCo counter granularities.
type CounterType string

const (
	CounterInstruction CounterType = "INSTRUCTION"
	CounterBranch      CounterType = "BRANCH"
	CounterLine        CounterType = "LINE"
	CounterComplexity  CounterType = "COMPLEXITY"
	CounterMethod      CounterType = "METHOD"
	CounterClass       CounterType = "CLASS"
)

// CounterTypes lists every counter type in report order.
var CounterTypes = []CounterType{
	CounterInstruction, CounterBranch, CounterLine,
	CounterComplexity, CounterMethod, CounterClass,
}

// CoverageSummary holds one percentage per counter type, each rounded to two
// decimals and zero when the counter had no data.
type CoverageSummary struct {
	InstructionPct float64 `json:"instruction_pct"`
	BranchPct      float64 `json:"branch_pct"`
	LinePct        float64 `json:"line_pct"`
	ComplexityPct  float64 `json:"complexity_pct"`
	MethodPct      float64 `json:"method_pct"`
	ClassPct       float64 `json:"class_pct"`
}

// Get returns the percentage for t.
func (s CoverageSummary) Get(t CounterType) float64 {
	switch t {
	case CounterInstruction:
		return s.InstructionPct
	case CounterBranch:
		return s.BranchPct
	case CounterLine:
		return s.LinePct
	case CounterComplexity:
		return s.ComplexityPct
	case CounterMethod:
		return s.MethodPct
	case CounterClass:
		return s.ClassPct
	}
	return 0
}

// With returns a copy of s with the percentage for t replaced.
func (s CoverageSummary) With(t CounterType, pct float64) CoverageSummary {
	switch t {
	case CounterInstruction:
		s.InstructionPct = pct
	case CounterBranch:
		s.BranchPct = pct
	case CounterLine:
		s.LinePct = pct
	case CounterComplexity:
		s.ComplexityPct = pct
	case CounterMethod:
		s.MethodPct = pct
	case CounterClass:
		s.ClassPct = pct
	}
	return s
}
