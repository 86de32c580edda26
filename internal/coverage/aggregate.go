// Package coverage reads JaCoCo XML reports and reduces them to a
// CoverageSummary.
package coverage

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/CosmoTheDev/covscan/models"
)

// ErrReportUnavailable is returned when no usable report could be read.
var ErrReportUnavailable = errors.New("coverage report unavailable")

// Counts holds raw covered/missed totals for one counter type.
type Counts struct {
	Covered int64
	Missed  int64
}

// Pct returns covered/(covered+missed)*100 rounded to two decimals, or 0
// when there is no data.
func (c Counts) Pct() float64 {
	total := c.Covered + c.Missed
	if total <= 0 {
		return 0
	}
	return math.Round(float64(c.Covered)/float64(total)*100*100) / 100
}

// Totals maps counter type to summed counts.
type Totals map[models.CounterType]Counts

// Summary converts the totals to percentages.
func (t Totals) Summary() models.CoverageSummary {
	var s models.CoverageSummary
	for _, ct := range models.CounterTypes {
		s = s.With(ct, t[ct].Pct())
	}
	return s
}

// Aggregate sums the report-level counters of every path and returns the
// percentages. All paths must parse.
func Aggregate(paths ...string) (models.CoverageSummary, error) {
	if len(paths) == 0 {
		return models.CoverageSummary{}, fmt.Errorf("no report paths: %w", ErrReportUnavailable)
	}
	totals := Totals{}
	for _, p := range paths {
		if err := addFile(totals, p); err != nil {
			return models.CoverageSummary{}, err
		}
	}
	return totals.Summary(), nil
}

func addFile(totals Totals, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, ErrReportUnavailable)
	}
	defer f.Close()
	if err := Read(totals, f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Read streams one report from r into totals. Only <counter> elements that
// are direct children of the root <report> element are counted; package,
// class and method counters are nested deeper and ignored.
func Read(totals Totals, r io.Reader) error {
	// The DOCTYPE pointing at report.dtd arrives as a Directive token and is
	// never resolved.
	dec := xml.NewDecoder(r)

	depth := 0
	sawRoot := false
	local := Totals{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("parsing report: %v: %w", err, ErrReportUnavailable)
		}
		switch el := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				if el.Name.Local != "report" {
					return fmt.Errorf("root element %q is not <report>: %w", el.Name.Local, ErrReportUnavailable)
				}
				sawRoot = true
				continue
			}
			if depth == 2 && el.Name.Local == "counter" {
				if err := addCounter(local, el); err != nil {
					return err
				}
			}
		case xml.EndElement:
			depth--
		}
	}
	if !sawRoot {
		return fmt.Errorf("empty document: %w", ErrReportUnavailable)
	}
	for k, v := range local {
		cur := totals[k]
		cur.Covered += v.Covered
		cur.Missed += v.Missed
		totals[k] = cur
	}
	return nil
}

func addCounter(totals Totals, el xml.StartElement) error {
	var typ string
	var covered, missed int64
	for _, a := range el.Attr {
		var err error
		switch a.Name.Local {
		case "type":
			typ = a.Value
		case "covered":
			covered, err = strconv.ParseInt(a.Value, 10, 64)
		case "missed":
			missed, err = strconv.ParseInt(a.Value, 10, 64)
		}
		if err != nil {
			return fmt.Errorf("counter %s=%q: %w", a.Name.Local, a.Value, ErrReportUnavailable)
		}
	}
	if covered < 0 || missed < 0 {
		return fmt.Errorf("negative counter %s: %w", typ, ErrReportUnavailable)
	}
	ct := models.CounterType(typ)
	cur := totals[ct]
	cur.Covered += covered
	cur.Missed += missed
	totals[ct] = cur
	return nil
}
