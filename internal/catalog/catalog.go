// Package catalog is the domain layer over the schema store: it is the only
// component that reads or writes filter definitions, and it enforces the
// data-model invariants (chain steps reference existing record/field
// filters, ids are unique, inactive filters stay invisible).
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
	"github.com/Pelmog/zigi-amazon-mcp/internal/store"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

// Catalog provides create/read/search/validate operations over filter
// definitions. All durable state lives in the store; the catalog itself is
// stateless and safe for concurrent use.
type Catalog struct {
	store *store.Store
}

// New creates a catalog over an opened store.
func New(s *store.Store) *Catalog {
	return &Catalog{store: s}
}

// querier abstracts *sql.DB and *sql.Tx so child-record loaders work both
// for plain reads and inside create transactions.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetByID loads a filter definition with every related sub-collection.
// Absent or inactive filters return (nil, nil): not-found is an expected
// outcome, not an error.
func (c *Catalog) GetByID(ctx context.Context, filterID string) (*filter.Definition, error) {
	return c.getByID(ctx, c.store.DB(), filterID)
}

func (c *Catalog) getByID(ctx context.Context, q querier, filterID string) (*filter.Definition, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, description, category, filter_type, query, author,
		       version, estimated_reduction_percent, is_active, created_at, updated_at
		FROM filters
		WHERE id = ? AND is_active = 1`, filterID)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errhandling.NewStoreError(fmt.Sprintf("loading filter %s", filterID), err)
	}

	if err := c.loadChildren(ctx, q, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Query holds the conjunctive search criteria. Zero values mean
// "unconstrained"; search is always restricted to active filters.
type Query struct {
	Endpoint   string
	Category   string
	FilterType filter.Type
	SearchTerm string
	Tags       []string
}

// Search returns active definitions matching every supplied criterion,
// ordered by category then name for deterministic discovery output.
func (c *Catalog) Search(ctx context.Context, q Query) ([]filter.Definition, error) {
	where := []string{"f.is_active = 1"}
	var args []any

	if q.Endpoint != "" {
		where = append(where,
			"EXISTS (SELECT 1 FROM filter_endpoints fe WHERE fe.filter_id = f.id AND fe.endpoint_name = ?)")
		args = append(args, q.Endpoint)
	}
	if q.Category != "" {
		where = append(where, "f.category = ?")
		args = append(args, q.Category)
	}
	if q.FilterType != "" {
		where = append(where, "f.filter_type = ?")
		args = append(args, string(q.FilterType))
	}
	if q.SearchTerm != "" {
		where = append(where, "(LOWER(f.name) LIKE ? OR LOWER(f.description) LIKE ?)")
		pattern := "%" + strings.ToLower(q.SearchTerm) + "%"
		args = append(args, pattern, pattern)
	}
	if len(q.Tags) > 0 {
		placeholders := strings.Repeat("?,", len(q.Tags))
		placeholders = placeholders[:len(placeholders)-1]
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM filter_tags ft WHERE ft.filter_id = f.id AND ft.tag IN (%s))", placeholders))
		for _, tag := range q.Tags {
			args = append(args, tag)
		}
	}

	query := fmt.Sprintf(`
		SELECT f.id, f.name, f.description, f.category, f.filter_type, f.query,
		       f.author, f.version, f.estimated_reduction_percent, f.is_active,
		       f.created_at, f.updated_at
		FROM filters f
		WHERE %s
		ORDER BY f.category, f.name`, strings.Join(where, " AND "))

	rows, err := c.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errhandling.NewStoreError("searching filters", err)
	}
	defer rows.Close()

	var defs []filter.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, errhandling.NewStoreError("scanning filter row", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, errhandling.NewStoreError("iterating filter rows", err)
	}

	for i := range defs {
		if err := c.loadChildren(ctx, c.store.DB(), &defs[i]); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// ResolveChain resolves a chain id into its ordered, fully-loaded steps.
// Chains of chains are invalid by construction; a step that references a
// missing or chain-typed filter is rejected rather than skipped, since
// skipping would silently change the chain's semantics.
func (c *Catalog) ResolveChain(ctx context.Context, chainID string) (*filter.Chain, error) {
	def, err := c.GetByID(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, errhandling.NewNotFoundError(chainID)
	}
	if def.FilterType != filter.TypeChain {
		return nil, errhandling.NewInvalidSelectorError(
			fmt.Sprintf("filter %q is a %s filter, not a chain", chainID, def.FilterType), nil)
	}

	steps := make([]filter.Step, 0, len(def.ChainSteps))
	for _, cs := range def.ChainSteps {
		stepDef, err := c.GetByID(ctx, cs.FilterID)
		if err != nil {
			return nil, err
		}
		if stepDef == nil {
			return nil, &errhandling.ClassifiedError{
				Category: errhandling.CategoryNotFound,
				Message:  fmt.Sprintf("chain step references unknown filter %q", cs.FilterID),
				FilterID: chainID,
			}
		}
		if stepDef.FilterType == filter.TypeChain {
			return nil, errhandling.NewInvalidSelectorError(
				fmt.Sprintf("chain %q step references chain filter %q: chains of chains are not allowed", chainID, cs.FilterID), nil)
		}
		steps = append(steps, filter.Step{
			Order:      cs.Order,
			FilterID:   cs.FilterID,
			Definition: stepDef,
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	return &filter.Chain{
		ChainID:            def.ID,
		Name:               def.Name,
		Description:        def.Description,
		Steps:              steps,
		EstimatedReduction: def.EstimatedReductionPercent,
	}, nil
}

// Create inserts a definition and all its sub-records atomically: either
// every table gets its rows or none does. Duplicate ids and chains whose
// steps reference missing or chain-typed filters are rejected.
func (c *Catalog) Create(ctx context.Context, def *filter.Definition) error {
	if err := checkStructure(def); err != nil {
		return err
	}

	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if def.FilterType == filter.TypeChain {
			if err := c.checkChainSteps(ctx, tx, def); err != nil {
				return err
			}
		}
		return insertDefinition(ctx, tx, def)
	})
	if err != nil {
		logger.Warn("filter creation failed",
			slog.String("filter_id", def.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("filter created",
		slog.String("filter_id", def.ID),
		slog.String("filter_type", string(def.FilterType)),
	)
	return nil
}

// Deactivate soft-deletes a filter. Deactivated filters disappear from
// discovery and application but their rows are kept.
func (c *Catalog) Deactivate(ctx context.Context, filterID string) error {
	res, err := c.store.DB().ExecContext(ctx,
		"UPDATE filters SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND is_active = 1",
		filterID)
	if err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("deactivating filter %s", filterID), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errhandling.NewStoreError("reading affected rows", err)
	}
	if affected == 0 {
		return errhandling.NewNotFoundError(filterID)
	}

	logger.Info("filter deactivated", slog.String("filter_id", filterID))
	return nil
}

// Stats combines store health with per-type and per-category counts of
// active filters.
type Stats struct {
	Health            store.Health   `json:"health"`
	FilterBreakdown   map[string]int `json:"filter_breakdown"`
	CategoryBreakdown map[string]int `json:"category_breakdown"`
}

// Stats returns catalog statistics for operability.
func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Health:            c.store.Health(ctx),
		FilterBreakdown:   make(map[string]int),
		CategoryBreakdown: make(map[string]int),
	}

	rows, err := c.store.DB().QueryContext(ctx,
		"SELECT filter_type, COUNT(*) FROM filters WHERE is_active = 1 GROUP BY filter_type")
	if err != nil {
		return nil, errhandling.NewStoreError("counting filters by type", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, errhandling.NewStoreError("scanning type breakdown", err)
		}
		stats.FilterBreakdown[ft] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errhandling.NewStoreError("iterating type breakdown", err)
	}

	catRows, err := c.store.DB().QueryContext(ctx,
		"SELECT category, COUNT(*) FROM filters WHERE is_active = 1 GROUP BY category")
	if err != nil {
		return nil, errhandling.NewStoreError("counting filters by category", err)
	}
	defer catRows.Close()
	for catRows.Next() {
		var category string
		var n int
		if err := catRows.Scan(&category, &n); err != nil {
			return nil, errhandling.NewStoreError("scanning category breakdown", err)
		}
		stats.CategoryBreakdown[category] = n
	}
	if err := catRows.Err(); err != nil {
		return nil, errhandling.NewStoreError("iterating category breakdown", err)
	}

	return stats, nil
}

// checkStructure performs the creation-time structural checks shared with
// validation.
func checkStructure(def *filter.Definition) error {
	if def == nil {
		return errhandling.NewValidationError("definition is nil", nil)
	}
	if def.ID == "" {
		return errhandling.NewValidationError("filter id is required", nil)
	}
	if def.Name == "" {
		return errhandling.NewValidationError("filter name is required", nil)
	}
	if !def.FilterType.Valid() {
		return errhandling.NewValidationError(
			fmt.Sprintf("invalid filter type %q", def.FilterType), nil)
	}
	if def.FilterType != filter.TypeChain && strings.TrimSpace(def.Query) == "" {
		return errhandling.NewValidationError(
			"filter query is required for non-chain filters", nil)
	}
	if def.FilterType == filter.TypeChain && len(def.ChainSteps) == 0 {
		return errhandling.NewValidationError(
			"chain filters must declare chain steps", nil)
	}
	return nil
}

// checkChainSteps verifies inside the create transaction that every step
// references an existing, active, non-chain filter.
func (c *Catalog) checkChainSteps(ctx context.Context, q querier, def *filter.Definition) error {
	for _, step := range def.ChainSteps {
		var stepType string
		err := q.QueryRowContext(ctx,
			"SELECT filter_type FROM filters WHERE id = ? AND is_active = 1",
			step.FilterID).Scan(&stepType)
		if errors.Is(err, sql.ErrNoRows) {
			return errhandling.NewValidationError(
				fmt.Sprintf("chain step references non-existent filter %q", step.FilterID), nil)
		}
		if err != nil {
			return errhandling.NewStoreError("checking chain step", err)
		}
		if filter.Type(stepType) == filter.TypeChain {
			return errhandling.NewValidationError(
				fmt.Sprintf("chain step references chain filter %q: chains of chains are not allowed", step.FilterID), nil)
		}
	}
	return nil
}

// insertDefinition writes the base row and every child table.
func insertDefinition(ctx context.Context, tx *sql.Tx, def *filter.Definition) error {
	var reduction any
	if def.EstimatedReductionPercent != nil {
		reduction = *def.EstimatedReductionPercent
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO filters (id, name, description, category, filter_type,
		                     query, author, version, estimated_reduction_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Description, def.Category, string(def.FilterType),
		def.Query, orDefault(def.Author, "system"), orDefault(def.Version, "1.0.0"), reduction)
	if err != nil {
		return errhandling.NewStoreError(fmt.Sprintf("inserting filter %s", def.ID), err)
	}

	for _, endpoint := range def.CompatibleEndpoints {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO filter_endpoints (filter_id, endpoint_name) VALUES (?, ?)",
			def.ID, endpoint); err != nil {
			return errhandling.NewStoreError("inserting filter endpoint", err)
		}
	}

	for name, param := range def.Parameters {
		var defaultValue any
		if param.Default != nil {
			encoded, err := json.Marshal(param.Default)
			if err != nil {
				return errhandling.NewValidationError(
					fmt.Sprintf("parameter %q default is not serializable", name), err)
			}
			defaultValue = string(encoded)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO filter_parameters (filter_id, parameter_name, parameter_type,
			                               default_value, is_required, description)
			VALUES (?, ?, ?, ?, ?, ?)`,
			def.ID, name, orDefault(param.Type, "string"), defaultValue,
			param.Required, param.Description); err != nil {
			return errhandling.NewStoreError("inserting filter parameter", err)
		}
	}

	for _, example := range def.Examples {
		params, err := json.Marshal(example.Parameters)
		if err != nil {
			return errhandling.NewValidationError("example parameters are not serializable", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO filter_examples (filter_id, example_name, description, parameters)
			VALUES (?, ?, ?, ?)`,
			def.ID, example.Name, example.Description, string(params)); err != nil {
			return errhandling.NewStoreError("inserting filter example", err)
		}
	}

	for _, tag := range def.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO filter_tags (filter_id, tag) VALUES (?, ?)",
			def.ID, tag); err != nil {
			return errhandling.NewStoreError("inserting filter tag", err)
		}
	}

	for _, tc := range def.TestCases {
		input, err := json.Marshal(tc.Input)
		if err != nil {
			return errhandling.NewValidationError("test case input is not serializable", err)
		}
		expected, err := json.Marshal(tc.Expected)
		if err != nil {
			return errhandling.NewValidationError("test case expectation is not serializable", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO filter_tests (filter_id, test_name, test_data, expected_result)
			VALUES (?, ?, ?, ?)`,
			def.ID, tc.Name, string(input), string(expected)); err != nil {
			return errhandling.NewStoreError("inserting filter test case", err)
		}
	}

	if def.FilterType == filter.TypeChain {
		for _, step := range def.ChainSteps {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO filter_chains (chain_filter_id, step_order, step_filter_id) VALUES (?, ?, ?)",
				def.ID, step.Order, step.FilterID); err != nil {
				return errhandling.NewStoreError("inserting chain step", err)
			}
		}
	}

	return nil
}

// loadChildren populates every sub-collection of def.
func (c *Catalog) loadChildren(ctx context.Context, q querier, def *filter.Definition) error {
	var err error
	if def.CompatibleEndpoints, err = loadStrings(ctx, q,
		"SELECT endpoint_name FROM filter_endpoints WHERE filter_id = ? ORDER BY endpoint_name", def.ID); err != nil {
		return err
	}
	if def.Tags, err = loadStrings(ctx, q,
		"SELECT tag FROM filter_tags WHERE filter_id = ? ORDER BY tag", def.ID); err != nil {
		return err
	}
	if def.Parameters, err = loadParameters(ctx, q, def.ID); err != nil {
		return err
	}
	if def.Examples, err = loadExamples(ctx, q, def.ID); err != nil {
		return err
	}
	if def.TestCases, err = loadTestCases(ctx, q, def.ID); err != nil {
		return err
	}
	if def.FilterType == filter.TypeChain {
		if def.ChainSteps, err = loadChainSteps(ctx, q, def.ID); err != nil {
			return err
		}
	}
	return nil
}

func loadStrings(ctx context.Context, q querier, query, filterID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, filterID)
	if err != nil {
		return nil, errhandling.NewStoreError("loading filter sub-records", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errhandling.NewStoreError("scanning sub-record", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func loadParameters(ctx context.Context, q querier, filterID string) (map[string]filter.Parameter, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT parameter_name, parameter_type, default_value, is_required, description
		FROM filter_parameters WHERE filter_id = ?`, filterID)
	if err != nil {
		return nil, errhandling.NewStoreError("loading filter parameters", err)
	}
	defer rows.Close()

	params := make(map[string]filter.Parameter)
	for rows.Next() {
		var (
			name, paramType, description string
			defaultValue                 sql.NullString
			required                     bool
		)
		if err := rows.Scan(&name, &paramType, &defaultValue, &required, &description); err != nil {
			return nil, errhandling.NewStoreError("scanning filter parameter", err)
		}
		param := filter.Parameter{
			Type:        paramType,
			Required:    required,
			Description: description,
		}
		if defaultValue.Valid {
			var decoded interface{}
			if err := json.Unmarshal([]byte(defaultValue.String), &decoded); err == nil {
				param.Default = decoded
			} else {
				// Legacy rows stored defaults as raw text.
				param.Default = defaultValue.String
			}
		}
		params[name] = param
	}
	if len(params) == 0 {
		return nil, rows.Err()
	}
	return params, rows.Err()
}

func loadExamples(ctx context.Context, q querier, filterID string) ([]filter.Example, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT example_name, description, parameters
		FROM filter_examples WHERE filter_id = ? ORDER BY id`, filterID)
	if err != nil {
		return nil, errhandling.NewStoreError("loading filter examples", err)
	}
	defer rows.Close()

	var examples []filter.Example
	for rows.Next() {
		var ex filter.Example
		var params string
		if err := rows.Scan(&ex.Name, &ex.Description, &params); err != nil {
			return nil, errhandling.NewStoreError("scanning filter example", err)
		}
		if params != "" {
			_ = json.Unmarshal([]byte(params), &ex.Parameters)
		}
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

func loadTestCases(ctx context.Context, q querier, filterID string) ([]filter.TestCase, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT test_name, test_data, expected_result
		FROM filter_tests WHERE filter_id = ? ORDER BY id`, filterID)
	if err != nil {
		return nil, errhandling.NewStoreError("loading filter test cases", err)
	}
	defer rows.Close()

	var cases []filter.TestCase
	for rows.Next() {
		var tc filter.TestCase
		var input, expected string
		if err := rows.Scan(&tc.Name, &input, &expected); err != nil {
			return nil, errhandling.NewStoreError("scanning filter test case", err)
		}
		if err := json.Unmarshal([]byte(input), &tc.Input); err != nil {
			return nil, errhandling.NewStoreError("decoding test case input", err)
		}
		if err := json.Unmarshal([]byte(expected), &tc.Expected); err != nil {
			return nil, errhandling.NewStoreError("decoding test case expectation", err)
		}
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func loadChainSteps(ctx context.Context, q querier, chainID string) ([]filter.ChainStep, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT step_order, step_filter_id
		FROM filter_chains WHERE chain_filter_id = ? ORDER BY step_order`, chainID)
	if err != nil {
		return nil, errhandling.NewStoreError("loading chain steps", err)
	}
	defer rows.Close()

	var steps []filter.ChainStep
	for rows.Next() {
		var step filter.ChainStep
		if err := rows.Scan(&step.Order, &step.FilterID); err != nil {
			return nil, errhandling.NewStoreError("scanning chain step", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDefinition scans the base filters columns.
func scanDefinition(row rowScanner) (*filter.Definition, error) {
	var (
		def                  filter.Definition
		filterType           string
		reduction            sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&def.ID, &def.Name, &def.Description, &def.Category,
		&filterType, &def.Query, &def.Author, &def.Version,
		&reduction, &def.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	def.FilterType = filter.Type(filterType)
	if reduction.Valid {
		v := int(reduction.Int64)
		def.EstimatedReductionPercent = &v
	}
	def.CreatedAt = parseTimestamp(createdAt)
	def.UpdatedAt = parseTimestamp(updatedAt)
	return &def, nil
}

// parseTimestamp handles the formats SQLite produces for CURRENT_TIMESTAMP
// alongside RFC 3339 values written by importers.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
