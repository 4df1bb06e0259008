package preprocess

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "source.csv")
	if err := os.WriteFile(path, []byte(rows), 0o644); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}
	return path
}

func TestLoadSortsAndFilters(t *testing.T) {
	path := writeCSV(t, "entity,year,value,percentage\n"+
		"Canada,2001,31.0,0.0\n"+
		"Canada,2000,30.0,0.0\n"+
		"World,2000,6000.0,0.0\n"+
		"Estimates,1999,1.0,0.0\n")

	catalog, series, err := Load(path, map[string]struct{}{"Estimates": {}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if catalog.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", catalog.Len())
	}
	if _, ok := catalog.Index("Estimates"); ok {
		t.Fatalf("rejected entity %q still present in catalog", "Estimates")
	}

	canada := series["Canada"]
	if len(canada.Years) != 2 || canada.Years[0] != 2000 || canada.Years[1] != 2001 {
		t.Fatalf("Canada not sorted by year: %+v", canada)
	}
	if canada.Values[0] != 30.0 || canada.Values[1] != 31.0 {
		t.Fatalf("Canada values misaligned with sorted years: %+v", canada)
	}
}

func TestLoadSourceNotFound(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.csv"), nil)
	if err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestLoadSchemaMismatch(t *testing.T) {
	path := writeCSV(t, "country,year,value,percentage\nCanada,2000,30.0,0.0\n")
	if _, _, err := Load(path, nil); err == nil {
		t.Fatal("expected schema mismatch error")
	}
}

func TestLoadNonMonotonicYear(t *testing.T) {
	path := writeCSV(t, "entity,year,value,percentage\n"+
		"Canada,2000,30.0,0.0\n"+
		"Canada,2000,30.5,0.0\n")
	if _, _, err := Load(path, nil); err == nil {
		t.Fatal("expected non-monotonic year error for duplicate years")
	}
}

func TestCatalogIndexIsLexicographic(t *testing.T) {
	catalog := NewCatalog(map[string]struct{}{"World": {}, "Canada": {}, "Albania": {}})
	if catalog.Entity(0) != "Albania" || catalog.Entity(1) != "Canada" || catalog.Entity(2) != "World" {
		t.Fatalf("catalog not lexicographically ordered: %v", catalog.Entities())
	}
}
