package catalog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/store"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "filters.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func reduction(v int) *int { return &v }

func sampleRecordFilter() *filter.Definition {
	return &filter.Definition{
		ID:                        "high_value",
		Name:                      "High Value Orders",
		Description:               "Keeps only orders whose total exceeds a threshold",
		Category:                  "orders",
		FilterType:                filter.TypeRecord,
		Query:                     "filter(data, .total > {threshold})",
		EstimatedReductionPercent: reduction(60),
		CompatibleEndpoints:       []string{"get_orders"},
		Parameters: map[string]filter.Parameter{
			"threshold": {Type: "number", Default: 100.0, Description: "Minimum order total"},
		},
		Tags: []string{"orders", "revenue"},
		TestCases: []filter.TestCase{
			{
				Name: "drops low value orders",
				Input: []interface{}{
					map[string]interface{}{"id": "o1", "total": 150.0},
					map[string]interface{}{"id": "o2", "total": 50.0},
				},
				Expected: []interface{}{
					map[string]interface{}{"id": "o1", "total": 150.0},
				},
			},
		},
	}
}

func sampleFieldFilter() *filter.Definition {
	return &filter.Definition{
		ID:                  "summary",
		Name:                "Order Summary",
		Category:            "orders",
		FilterType:          filter.TypeField,
		Query:               `map(data, {"id": .id, "status": .status, "total": .total})`,
		CompatibleEndpoints: []string{"get_orders"},
		Tags:                []string{"orders", "projection"},
	}
}

func TestCreateAndGetByID(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := c.GetByID(ctx, "high_value")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("filter not found after create")
	}
	if got.Name != "High Value Orders" {
		t.Errorf("name = %q", got.Name)
	}
	if got.FilterType != filter.TypeRecord {
		t.Errorf("filter type = %q", got.FilterType)
	}
	if got.Author != "system" {
		t.Errorf("author default = %q, want system", got.Author)
	}
	if got.EstimatedReductionPercent == nil || *got.EstimatedReductionPercent != 60 {
		t.Errorf("estimated reduction = %v, want 60", got.EstimatedReductionPercent)
	}
	if len(got.CompatibleEndpoints) != 1 || got.CompatibleEndpoints[0] != "get_orders" {
		t.Errorf("endpoints = %v", got.CompatibleEndpoints)
	}
	param, ok := got.Parameters["threshold"]
	if !ok {
		t.Fatal("threshold parameter missing")
	}
	if param.Type != "number" || param.Default != 100.0 {
		t.Errorf("parameter = %+v", param)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v", got.Tags)
	}
	if len(got.TestCases) != 1 {
		t.Fatalf("test cases = %d, want 1", len(got.TestCases))
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}
}

func TestGetByID_Absent(t *testing.T) {
	c := newTestCatalog(t)

	got, err := c.GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent filter, got %+v", got)
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := c.Create(ctx, sampleRecordFilter())
	if err == nil {
		t.Fatal("expected duplicate id to fail")
	}
	if errhandling.CategoryOf(err) != errhandling.CategoryStore {
		t.Errorf("category = %v, want store_error", errhandling.CategoryOf(err))
	}
}

func TestCreate_StructuralErrors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		def  *filter.Definition
	}{
		{"missing id", &filter.Definition{Name: "x", FilterType: filter.TypeRecord, Query: "data"}},
		{"missing name", &filter.Definition{ID: "x", FilterType: filter.TypeRecord, Query: "data"}},
		{"bad type", &filter.Definition{ID: "x", Name: "x", FilterType: "bogus", Query: "data"}},
		{"missing query", &filter.Definition{ID: "x", Name: "x", FilterType: filter.TypeRecord}},
		{"chain without steps", &filter.Definition{ID: "x", Name: "x", FilterType: filter.TypeChain}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Create(ctx, tt.def)
			if err == nil {
				t.Fatal("expected error")
			}
			if errhandling.CategoryOf(err) != errhandling.CategoryValidation {
				t.Errorf("category = %v, want validation_error", errhandling.CategoryOf(err))
			}
		})
	}
}

func TestCreate_ChainValidation(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Create(ctx, sampleFieldFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	chain := &filter.Definition{
		ID:         "pipeline",
		Name:       "Pipeline",
		Category:   "orders",
		FilterType: filter.TypeChain,
		ChainSteps: []filter.ChainStep{
			{Order: 1, FilterID: "high_value"},
			{Order: 2, FilterID: "summary"},
		},
	}
	if err := c.Create(ctx, chain); err != nil {
		t.Fatalf("Create chain: %v", err)
	}

	t.Run("missing step filter", func(t *testing.T) {
		bad := &filter.Definition{
			ID: "bad1", Name: "Bad", FilterType: filter.TypeChain,
			ChainSteps: []filter.ChainStep{{Order: 1, FilterID: "ghost"}},
		}
		if err := c.Create(ctx, bad); err == nil {
			t.Fatal("expected missing step filter to fail")
		}
	})

	t.Run("chain of chains", func(t *testing.T) {
		bad := &filter.Definition{
			ID: "bad2", Name: "Bad", FilterType: filter.TypeChain,
			ChainSteps: []filter.ChainStep{{Order: 1, FilterID: "pipeline"}},
		}
		err := c.Create(ctx, bad)
		if err == nil {
			t.Fatal("expected chain of chains to fail")
		}
		if errhandling.CategoryOf(err) != errhandling.CategoryValidation {
			t.Errorf("category = %v, want validation_error", errhandling.CategoryOf(err))
		}
	})
}

func TestResolveChain(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Create(ctx, sampleFieldFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	chain := &filter.Definition{
		ID: "pipeline", Name: "Pipeline", FilterType: filter.TypeChain,
		ChainSteps: []filter.ChainStep{
			{Order: 2, FilterID: "summary"},
			{Order: 1, FilterID: "high_value"},
		},
	}
	if err := c.Create(ctx, chain); err != nil {
		t.Fatalf("Create chain: %v", err)
	}

	resolved, err := c.ResolveChain(ctx, "pipeline")
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(resolved.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(resolved.Steps))
	}
	if resolved.Steps[0].FilterID != "high_value" || resolved.Steps[1].FilterID != "summary" {
		t.Errorf("step order wrong: %s, %s", resolved.Steps[0].FilterID, resolved.Steps[1].FilterID)
	}
	for _, step := range resolved.Steps {
		if step.Definition == nil {
			t.Errorf("step %s has no loaded definition", step.FilterID)
		}
	}
}

func TestResolveChain_Errors(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("unknown chain", func(t *testing.T) {
		_, err := c.ResolveChain(ctx, "ghost")
		if !errhandling.IsNotFound(err) {
			t.Errorf("expected not_found, got %v", err)
		}
	})

	t.Run("not a chain", func(t *testing.T) {
		_, err := c.ResolveChain(ctx, "high_value")
		if errhandling.CategoryOf(err) != errhandling.CategoryInvalidSelector {
			t.Errorf("expected invalid_selector, got %v", err)
		}
	})

	t.Run("step references deactivated filter", func(t *testing.T) {
		if err := c.Create(ctx, sampleFieldFilter()); err != nil {
			t.Fatalf("Create: %v", err)
		}
		chain := &filter.Definition{
			ID: "pipeline", Name: "Pipeline", FilterType: filter.TypeChain,
			ChainSteps: []filter.ChainStep{{Order: 1, FilterID: "summary"}},
		}
		if err := c.Create(ctx, chain); err != nil {
			t.Fatalf("Create chain: %v", err)
		}
		if err := c.Deactivate(ctx, "summary"); err != nil {
			t.Fatalf("Deactivate: %v", err)
		}
		_, err := c.ResolveChain(ctx, "pipeline")
		if !errhandling.IsNotFound(err) {
			t.Errorf("expected not_found for dangling step, got %v", err)
		}
	})
}

func TestDeactivate(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if err := c.Create(ctx, sampleRecordFilter()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Deactivate(ctx, "high_value"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	got, err := c.GetByID(ctx, "high_value")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Error("deactivated filter should be invisible")
	}

	if err := c.Deactivate(ctx, "high_value"); !errhandling.IsNotFound(err) {
		t.Errorf("second deactivate: expected not_found, got %v", err)
	}
}

func TestSearch(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	t.Run("by endpoint", func(t *testing.T) {
		defs, err := c.Search(ctx, Query{Endpoint: "get_inventory"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(defs) != 2 {
			t.Errorf("got %d filters, want 2", len(defs))
		}
	})

	t.Run("conjunctive criteria", func(t *testing.T) {
		defs, err := c.Search(ctx, Query{
			Endpoint:   "get_orders",
			FilterType: filter.TypeField,
			SearchTerm: "summary",
		})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(defs) != 1 || defs[0].ID != "summary" {
			t.Errorf("got %v", defs)
		}
	})

	t.Run("tags match any", func(t *testing.T) {
		defs, err := c.Search(ctx, Query{Tags: []string{"minimal", "nonexistent"}})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(defs) != 2 {
			t.Errorf("got %d filters, want 2", len(defs))
		}
	})

	t.Run("case insensitive term", func(t *testing.T) {
		defs, err := c.Search(ctx, Query{SearchTerm: "HIGH VALUE"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(defs) != 2 {
			t.Errorf("got %d filters, want 2", len(defs))
		}
	})

	t.Run("no match", func(t *testing.T) {
		defs, err := c.Search(ctx, Query{Category: "nonexistent"})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(defs) != 0 {
			t.Errorf("got %d filters, want 0", len(defs))
		}
	})
}

func TestLoadSeed_Idempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	first, err := c.LoadSeed(ctx)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if first.Imported == 0 || first.Failed != 0 {
		t.Fatalf("first seed: imported=%d failed=%d", first.Imported, first.Failed)
	}

	second, err := c.LoadSeed(ctx)
	if err != nil {
		t.Fatalf("second LoadSeed: %v", err)
	}
	if second.Imported != 0 {
		t.Errorf("second seed imported %d filters, want 0", second.Imported)
	}
	if second.Failed != first.Imported {
		t.Errorf("second seed failed=%d, want %d", second.Failed, first.Imported)
	}
}

func TestImportJSON_SchemaRejection(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"missing filters key", `{"metadata": {}}`},
		{"bad filter type", `{"filters": [{"id": "x", "name": "x", "filter_type": "bogus"}]}`},
		{"filter missing id", `{"filters": [{"name": "x", "filter_type": "record"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ImportJSON(ctx, []byte(tt.raw))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if errhandling.CategoryOf(err) != errhandling.CategoryValidation {
				t.Errorf("category = %v, want validation_error", errhandling.CategoryOf(err))
			}
		})
	}
}

func TestImport_ChainListedBeforeSteps(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	chain := filter.Definition{
		ID: "pipeline", Name: "A Pipeline", Category: "orders",
		FilterType: filter.TypeChain,
		ChainSteps: []filter.ChainStep{
			{Order: 1, FilterID: "high_value"},
			{Order: 2, FilterID: "summary"},
		},
	}
	doc := &filter.Document{
		Filters: []filter.Definition{chain, *sampleRecordFilter(), *sampleFieldFilter()},
	}

	result, err := c.Import(ctx, doc)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("import failures: %v", result.Errors)
	}
	if result.Imported != 3 {
		t.Errorf("imported %d, want 3", result.Imported)
	}

	resolved, err := c.ResolveChain(ctx, "pipeline")
	if err != nil {
		t.Fatalf("ResolveChain: %v", err)
	}
	if len(resolved.Steps) != 2 {
		t.Errorf("chain steps = %d, want 2", len(resolved.Steps))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestCatalog(t)
	ctx := context.Background()

	if _, err := src.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	doc, err := src.Export(ctx, "orders", "")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if doc.Metadata.FilterCount != len(doc.Filters) {
		t.Errorf("metadata count %d != %d filters", doc.Metadata.FilterCount, len(doc.Filters))
	}
	if len(doc.Filters) == 0 {
		t.Fatal("export produced no filters")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	dst := newTestCatalog(t)
	result, err := dst.ImportJSON(ctx, raw)
	if err != nil {
		t.Fatalf("ImportJSON: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("import failures: %v", result.Errors)
	}
	if result.Imported != len(doc.Filters) {
		t.Errorf("imported %d, want %d", result.Imported, len(doc.Filters))
	}

	got, err := dst.GetByID(ctx, "high_value_summary")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("chain missing after round trip")
	}
	if len(got.ChainSteps) != 2 {
		t.Errorf("chain steps = %d, want 2", len(got.ChainSteps))
	}
}

func TestValidate(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	t.Run("passing test cases", func(t *testing.T) {
		result, err := c.Validate(ctx, sampleRecordFilter())
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !result.Valid {
			t.Fatalf("expected valid, errors: %v", result.Errors)
		}
		if len(result.TestResults) != 1 || result.TestResults[0].Status != filter.TestStatusPassed {
			t.Errorf("test results = %+v", result.TestResults)
		}
	})

	t.Run("wrong expectation is a warning", func(t *testing.T) {
		def := sampleRecordFilter()
		def.TestCases[0].Expected = []interface{}{}
		result, err := c.Validate(ctx, def)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !result.Valid {
			t.Error("failed expectation should not invalidate the filter")
		}
		if len(result.Warnings) == 0 {
			t.Error("expected a warning")
		}
		if result.TestResults[0].Status != filter.TestStatusFailed {
			t.Errorf("status = %v", result.TestResults[0].Status)
		}
	})

	t.Run("broken query is invalid", func(t *testing.T) {
		def := sampleRecordFilter()
		def.Query = "filter(data, .total >"
		def.Parameters = nil
		result, err := c.Validate(ctx, def)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if result.Valid {
			t.Error("expected invalid")
		}
		if result.TestResults[0].Status != filter.TestStatusError {
			t.Errorf("status = %v", result.TestResults[0].Status)
		}
	})

	t.Run("structural error", func(t *testing.T) {
		def := sampleRecordFilter()
		def.Query = ""
		result, err := c.Validate(ctx, def)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if result.Valid || len(result.Errors) == 0 {
			t.Errorf("expected structural error, got %+v", result)
		}
	})

	t.Run("undeclared parameter warns", func(t *testing.T) {
		def := sampleFieldFilter()
		def.Query = "filter(data, .total > {threshold})"
		result, err := c.Validate(ctx, def)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if len(result.Warnings) == 0 {
			t.Error("expected undeclared parameter warning")
		}
	})

	t.Run("chain validated structurally", func(t *testing.T) {
		if err := c.Create(ctx, sampleRecordFilter()); err != nil {
			t.Fatalf("Create: %v", err)
		}
		def := &filter.Definition{
			ID: "pipeline", Name: "Pipeline", FilterType: filter.TypeChain,
			ChainSteps: []filter.ChainStep{{Order: 1, FilterID: "high_value"}},
		}
		result, err := c.Validate(ctx, def)
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if !result.Valid {
			t.Errorf("expected valid chain, errors: %v", result.Errors)
		}
	})
}

func TestStats(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.LoadSeed(ctx); err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Health.Status != "healthy" {
		t.Errorf("health status = %q", stats.Health.Status)
	}
	if stats.FilterBreakdown["record"] != 3 {
		t.Errorf("record count = %d, want 3", stats.FilterBreakdown["record"])
	}
	if stats.FilterBreakdown["field"] != 4 {
		t.Errorf("field count = %d, want 4", stats.FilterBreakdown["field"])
	}
	if stats.FilterBreakdown["chain"] != 1 {
		t.Errorf("chain count = %d, want 1", stats.FilterBreakdown["chain"])
	}
	if stats.CategoryBreakdown["orders"] != 5 {
		t.Errorf("orders count = %d, want 5", stats.CategoryBreakdown["orders"])
	}
}
