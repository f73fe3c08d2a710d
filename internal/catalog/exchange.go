package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

//go:embed schema/filter-document-schema.json
var documentSchemaJSON []byte

//go:embed seeddata/filters.json
var seedDocumentJSON []byte

const documentSchemaURL = "https://zigi.dev/schemas/filter-document.json"

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

// compiledDocumentSchema compiles the embedded document schema exactly once.
func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = fmt.Errorf("parsing embedded document schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(documentSchemaURL, doc); err != nil {
			documentSchemaErr = fmt.Errorf("registering document schema: %w", err)
			return
		}
		documentSchema, documentSchemaErr = compiler.Compile(documentSchemaURL)
	})
	return documentSchema, documentSchemaErr
}

// Import inserts every definition in the document, best effort: a failing
// definition is recorded and skipped, the rest still import. A definition
// whose id already exists counts as failed, never as an overwrite.
// Non-chain filters import first so that chains resolve their step
// references regardless of document order.
func (c *Catalog) Import(ctx context.Context, doc *filter.Document) (*filter.ImportResult, error) {
	result := &filter.ImportResult{}

	var chains []*filter.Definition
	for i := range doc.Filters {
		def := &doc.Filters[i]
		if def.FilterType == filter.TypeChain {
			chains = append(chains, def)
			continue
		}
		if err := c.importOne(ctx, def, result); err != nil {
			return nil, err
		}
	}
	for _, def := range chains {
		if err := c.importOne(ctx, def, result); err != nil {
			return nil, err
		}
	}

	logger.Info("filter import finished",
		slog.Int("imported", result.Imported),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// importOne creates one definition, folding expected failures into the
// result. Only store access errors propagate.
func (c *Catalog) importOne(ctx context.Context, def *filter.Definition, result *filter.ImportResult) error {
	existing, err := c.GetByID(ctx, def.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		result.Failed++
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s: filter already exists", def.ID))
		return nil
	}
	if err := c.Create(ctx, def); err != nil {
		result.Failed++
		result.Errors = append(result.Errors,
			fmt.Sprintf("%s: %v", def.ID, err))
		return nil
	}
	result.Imported++
	return nil
}

// ImportJSON validates raw against the document schema, then imports it.
// Schema violations reject the whole document before any row is written.
func (c *Catalog) ImportJSON(ctx context.Context, raw []byte) (*filter.ImportResult, error) {
	schema, err := compiledDocumentSchema()
	if err != nil {
		return nil, errhandling.NewValidationError("document schema unavailable", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, errhandling.NewValidationError("document is not valid JSON", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, errhandling.NewValidationError(
			fmt.Sprintf("document failed schema validation: %v", err), err)
	}

	var doc filter.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errhandling.NewValidationError("decoding filter document", err)
	}
	return c.Import(ctx, &doc)
}

// Export collects active definitions, optionally narrowed by category and
// filter type, into a portable document.
func (c *Catalog) Export(ctx context.Context, category string, filterType filter.Type) (*filter.Document, error) {
	defs, err := c.Search(ctx, Query{Category: category, FilterType: filterType})
	if err != nil {
		return nil, err
	}

	doc := &filter.Document{
		Metadata: filter.DocumentMetadata{
			Version:     "1.0.0",
			ExportedAt:  time.Now().UTC().Format(time.RFC3339),
			FilterCount: len(defs),
			Category:    category,
			FilterType:  string(filterType),
		},
		Filters: defs,
	}
	return doc, nil
}

// LoadSeed imports the embedded starter filter set. Already-present filters
// are skipped, so seeding an existing catalog is harmless.
func (c *Catalog) LoadSeed(ctx context.Context) (*filter.ImportResult, error) {
	return c.ImportJSON(ctx, seedDocumentJSON)
}
