package coverage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/models"
)

const sampleReport = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<!DOCTYPE report PUBLIC "-//JACOCO//DTD Report 1.1//EN" "report.dtd">
<report name="demo">
  <sessioninfo id="s1" start="1" dump="2"/>
  <package name="com/example">
    <class name="com/example/App">
      <method name="main" desc="()V" line="3">
        <counter type="LINE" missed="100" covered="0"/>
      </method>
      <counter type="LINE" missed="100" covered="0"/>
    </class>
    <counter type="LINE" missed="100" covered="0"/>
  </package>
  <counter type="INSTRUCTION" missed="10" covered="30"/>
  <counter type="BRANCH" missed="1" covered="3"/>
  <counter type="LINE" missed="2" covered="5"/>
  <counter type="COMPLEXITY" missed="0" covered="0"/>
  <counter type="METHOD" missed="1" covered="2"/>
  <counter type="CLASS" missed="0" covered="1"/>
</report>`

func writeReport(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "jacoco.xml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestAggregateReportLevelCountersOnly(t *testing.T) {
	s, err := Aggregate(writeReport(t, sampleReport))
	require.NoError(t, err)

	assert.Equal(t, 75.0, s.InstructionPct)
	assert.Equal(t, 75.0, s.BranchPct)
	assert.Equal(t, 71.43, s.LinePct)
	assert.Equal(t, 0.0, s.ComplexityPct)
	assert.Equal(t, 66.67, s.MethodPct)
	assert.Equal(t, 100.0, s.ClassPct)
}

func TestAggregateIsIdempotent(t *testing.T) {
	p := writeReport(t, sampleReport)
	a, err := Aggregate(p)
	require.NoError(t, err)
	b, err := Aggregate(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAggregateSumsAcrossFiles(t *testing.T) {
	one := writeReport(t, `<report name="a"><counter type="LINE" missed="1" covered="1"/></report>`)
	two := writeReport(t, `<report name="b"><counter type="LINE" missed="0" covered="2"/></report>`)
	s, err := Aggregate(one, two)
	require.NoError(t, err)
	assert.Equal(t, 75.0, s.LinePct)
	assert.Equal(t, 0.0, s.BranchPct)
}

func TestAggregatePercentagesInRange(t *testing.T) {
	cases := []Counts{{0, 0}, {1, 0}, {0, 1}, {3, 7}, {999999, 1}}
	for _, c := range cases {
		pct := c.Pct()
		assert.GreaterOrEqual(t, pct, 0.0)
		assert.LessOrEqual(t, pct, 100.0)
	}
	assert.Equal(t, 0.0, Counts{}.Pct())
}

func TestAggregateErrors(t *testing.T) {
	cases := map[string]string{
		"malformed":  `<report><counter type="LINE"`,
		"wrong root": `<coverage line-rate="1"/>`,
		"bad number": `<report><counter type="LINE" missed="x" covered="1"/></report>`,
		"empty":      ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Aggregate(writeReport(t, body))
			assert.ErrorIs(t, err, ErrReportUnavailable)
		})
	}

	_, err := Aggregate(filepath.Join(t.TempDir(), "missing.xml"))
	assert.ErrorIs(t, err, ErrReportUnavailable)

	_, err = Aggregate()
	assert.ErrorIs(t, err, ErrReportUnavailable)
}

func TestReadIntoTotals(t *testing.T) {
	totals := Totals{}
	require.NoError(t, Read(totals, strings.NewReader(sampleReport)))
	assert.Equal(t, Counts{Covered: 5, Missed: 2}, totals[models.CounterLine])
}
