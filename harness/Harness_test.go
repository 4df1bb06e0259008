package harness

import (
	"testing"

	"github.com/popgrowth/deepar/data/preprocess"
)

func TestFilterYearsKeepsOnlyInRangeObservations(t *testing.T) {
	series := map[string]preprocess.Series{
		"A": {Years: []int{1999, 2000, 2001, 2002}, Values: []float64{1, 2, 3, 4}},
	}
	out := filterYears(series, 2000, 2001)
	a := out["A"]
	if len(a.Years) != 2 || a.Years[0] != 2000 || a.Years[1] != 2001 {
		t.Fatalf("unexpected filtered years: %+v", a)
	}
	if len(a.Values) != 2 || a.Values[0] != 2 || a.Values[1] != 3 {
		t.Fatalf("unexpected filtered values: %+v", a)
	}
}

func TestSplitConditionRespectsWindowAndSplit(t *testing.T) {
	s := preprocess.Series{
		Years:  []int{2004, 2005, 2006, 2007, 2008, 2009, 2010, 2011},
		Values: []float64{1, 2, 3, 4, 5, 6, 7, 8},
	}
	histValues, histYears, actualValues, actualYears := splitCondition(s, 2009, 2023, 3)

	if len(histYears) != 3 || histYears[0] != 2006 || histYears[2] != 2008 {
		t.Fatalf("unexpected history years: %+v", histYears)
	}
	if len(histValues) != 3 || histValues[2] != 5 {
		t.Fatalf("unexpected history values: %+v", histValues)
	}
	if len(actualYears) != 3 || actualYears[0] != 2009 || actualYears[2] != 2011 {
		t.Fatalf("unexpected actual years: %+v", actualYears)
	}
	if len(actualValues) != 3 || actualValues[0] != 6 {
		t.Fatalf("unexpected actual values: %+v", actualValues)
	}
}

func TestAlignTruncatesOrPads(t *testing.T) {
	truncated := align([]float64{1, 2, 3, 4}, 2)
	if len(truncated) != 2 || truncated[0] != 1 || truncated[1] != 2 {
		t.Fatalf("unexpected truncation: %+v", truncated)
	}

	padded := align([]float64{1}, 3)
	if len(padded) != 3 || padded[0] != 1 || padded[1] != 0 || padded[2] != 0 {
		t.Fatalf("unexpected padding: %+v", padded)
	}
}

func TestRenderTableReturnsNonEmptyForMixedResults(t *testing.T) {
	results := []ModelResult{
		{Model: "proposed", Entity: "B"},
		{Model: "multi_nonar", Entity: "A"},
		{Model: "proposed", Entity: "A"},
	}
	table := renderTable(results)
	if table == "" {
		t.Fatalf("renderTable returned empty string")
	}
}
