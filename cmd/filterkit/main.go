// Package main provides the CLI entry point for the filterkit catalog.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Pelmog/zigi-amazon-mcp/internal/catalog"
	"github.com/Pelmog/zigi-amazon-mcp/internal/config"
	"github.com/Pelmog/zigi-amazon-mcp/internal/engine"
	"github.com/Pelmog/zigi-amazon-mcp/internal/errhandling"
	"github.com/Pelmog/zigi-amazon-mcp/internal/logger"
	"github.com/Pelmog/zigi-amazon-mcp/internal/store"
	"github.com/Pelmog/zigi-amazon-mcp/pkg/filter"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitParseError      = 2
	ExitRuntimeError    = 3
)

var (
	// Global flags
	configPath string
	verbose    bool
	quiet      bool

	// Apply command flags
	applyFilterID string
	applyChain    string
	applyCustom   string
	applyParams   string
	applyEndpoint string
	applyReduce   bool

	// Search command flags
	searchEndpoint string
	searchCategory string
	searchType     string
	searchTerm     string
	searchTags     string

	// Export command flags
	exportCategory string
	exportType     string

	// Build information (set via ldflags during build)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitRuntimeError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "filterkit",
	Short: "Filterkit - Filter catalog for shrinking API responses",
	Long: `Filterkit manages a catalog of reusable response filters and applies
them to JSON documents to cut oversized API responses down to the
fields a consumer actually needs.

Examples:
  # Load the starter filter set
  filterkit seed

  # Apply a stored filter to a captured response
  filterkit apply --filter high_value response.json

  # See which filters an endpoint supports
  filterkit search --endpoint get_orders`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if verbose {
			logger.SetLevel(slog.LevelDebug)
		} else if quiet {
			logger.SetLevel(slog.LevelError)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the catalog database",
	Long: `Open the catalog database and apply any pending schema migrations.

Opening the database always migrates it, so this command exists to
upgrade the schema explicitly during deployments.`,
	Run: runMigrate,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the built-in starter filter set",
	Long: `Import the embedded starter filters into the catalog.

Filters that already exist are skipped, so seeding is safe to repeat.`,
	Run: runSeed,
}

var importCmd = &cobra.Command{
	Use:   "import <document-file>",
	Short: "Import filters from a JSON document",
	Long: `Import filter definitions from a filter document file.

The document is validated against the filter document schema before
any filter is written. Individual filters that fail to import do not
abort the rest of the document.

Exit codes:
  0 - All filters imported
  1 - Document rejected or some filters failed
  2 - File is not valid JSON`,
	Args: cobra.ExactArgs(1),
	Run:  runImport,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export catalog filters as a JSON document",
	Long: `Export active filters to a portable JSON document on stdout.

Use --category and --type to narrow the export.

Examples:
  filterkit export > filters.json
  filterkit export --category orders --type field`,
	Run: runExport,
}

var applyCmd = &cobra.Command{
	Use:   "apply <document-file>",
	Short: "Apply filtering to a JSON document",
	Long: `Apply a reduction strategy to a JSON document and print the result
envelope. Strategies are honored in priority order: --chain, --filter,
--custom, --reduce. With none of them the document passes through
unchanged.

Examples:
  filterkit apply --filter high_value --params '{"threshold": 250}' response.json
  filterkit apply --chain high_value,summary response.json
  filterkit apply --custom 'filter(data, .total > 500)' response.json
  filterkit apply --endpoint get_orders --reduce response.json`,
	Args: cobra.ExactArgs(1),
	Run:  runApply,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the filter catalog",
	Long: `List active filters matching every given criterion.

Examples:
  filterkit search --endpoint get_orders
  filterkit search --type record --term "high value"
  filterkit search --tags orders,minimal`,
	Run: runSearch,
}

var validateCmd = &cobra.Command{
	Use:   "validate <filter-id-or-file>",
	Short: "Validate a filter definition",
	Long: `Validate a filter definition. The argument is either the id of a
stored filter or the path to a JSON definition file.

Structural problems and erroring test cases make the filter invalid.
Test cases whose output merely differs from the stored expectation
are reported as warnings.

Exit codes:
  0 - Filter is valid
  1 - Filter is invalid or unknown
  2 - File is not valid JSON`,
	Args: cobra.ExactArgs(1),
	Run:  runValidateFilter,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print catalog statistics",
	Long:  "Print database health plus per-type and per-category filter counts as JSON.",
	Run:   runStats,
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <filter-id>",
	Short: "Deactivate a filter",
	Long: `Soft-delete a filter. It disappears from discovery and application
but its definition is kept in the database.`,
	Args: cobra.ExactArgs(1),
	Run:  runDeactivate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version, commit hash, and build date information.",
	Run:   runVersion,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-error output")

	// Apply command flags
	applyCmd.Flags().StringVar(&applyFilterID, "filter", "", "Stored filter id to apply")
	applyCmd.Flags().StringVar(&applyChain, "chain", "", "Stored chain id, or comma-separated filter ids to apply in order")
	applyCmd.Flags().StringVar(&applyCustom, "custom", "", "One-off filter expression")
	applyCmd.Flags().StringVar(&applyParams, "params", "", "Filter parameters as a JSON object")
	applyCmd.Flags().StringVar(&applyEndpoint, "endpoint", "", "Endpoint the document came from")
	applyCmd.Flags().BoolVar(&applyReduce, "reduce", false, "Apply the endpoint's default reduction filter")

	// Search command flags
	searchCmd.Flags().StringVar(&searchEndpoint, "endpoint", "", "Compatible endpoint name")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "Filter category")
	searchCmd.Flags().StringVar(&searchType, "type", "", "Filter type (record, field, chain)")
	searchCmd.Flags().StringVar(&searchTerm, "term", "", "Term to match in name or description")
	searchCmd.Flags().StringVar(&searchTags, "tags", "", "Comma-separated tags (any match)")

	// Export command flags
	exportCmd.Flags().StringVar(&exportCategory, "category", "", "Only export this category")
	exportCmd.Flags().StringVar(&exportType, "type", "", "Only export this filter type")

	// Add commands
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(versionCmd)
}

// openCatalog loads configuration, applies logging settings, and opens the
// catalog. It exits the process on failure.
func openCatalog() (*catalog.Catalog, *store.Store) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to load configuration: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	format := logger.ParseFormat(cfg.Logging.Format)
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Invalid log level %q\n", cfg.Logging.Level)
		os.Exit(ExitValidationError)
	}
	if verbose {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelError
	}
	logger.SetLevelAndFormat(level, format)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to open catalog database: %v\n", err)
		os.Exit(ExitRuntimeError)
	}
	return catalog.New(s), s
}

func runMigrate(_ *cobra.Command, _ []string) {
	c, s := openCatalog()
	defer s.Close()

	health := s.Health(context.Background())
	if health.Status != "healthy" {
		fmt.Fprintf(os.Stderr, "✗ Database unhealthy: %s\n", health.Error)
		os.Exit(ExitRuntimeError)
	}

	if !quiet {
		fmt.Printf("✓ Database ready: %s\n", s.Path())
		if verbose {
			stats, err := c.Stats(context.Background())
			if err == nil {
				fmt.Printf("  Active filters: %d\n", stats.Health.TotalFilters)
			}
		}
	}
	os.Exit(ExitSuccess)
}

func runSeed(_ *cobra.Command, _ []string) {
	c, s := openCatalog()
	defer s.Close()

	result, err := c.LoadSeed(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Seeding failed: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	printImportResult(result)
	os.Exit(ExitSuccess)
}

func runImport(_ *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to read %s: %v\n", args[0], err)
		os.Exit(ExitRuntimeError)
	}
	if !json.Valid(raw) {
		fmt.Fprintf(os.Stderr, "✗ %s is not valid JSON\n", args[0])
		os.Exit(ExitParseError)
	}

	c, s := openCatalog()
	defer s.Close()

	result, err := c.ImportJSON(context.Background(), raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Import rejected: %v\n", err)
		os.Exit(ExitValidationError)
	}

	printImportResult(result)
	if result.Failed > 0 {
		os.Exit(ExitValidationError)
	}
	os.Exit(ExitSuccess)
}

func runExport(_ *cobra.Command, _ []string) {
	c, s := openCatalog()
	defer s.Close()

	doc, err := c.Export(context.Background(), exportCategory, filter.Type(exportType))
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Export failed: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to encode document: %v\n", err)
		os.Exit(ExitRuntimeError)
	}
	os.Exit(ExitSuccess)
}

func runApply(_ *cobra.Command, args []string) {
	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to read %s: %v\n", args[0], err)
		os.Exit(ExitRuntimeError)
	}
	var document interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %s is not valid JSON: %v\n", args[0], err)
		os.Exit(ExitParseError)
	}

	c, s := openCatalog()
	defer s.Close()

	req := engine.EnhancedRequest{
		Endpoint:       applyEndpoint,
		FilterID:       applyFilterID,
		CustomFilter:   applyCustom,
		ParamsJSON:     applyParams,
		ReduceResponse: applyReduce,
	}
	if applyChain != "" {
		req.FilterChain = splitList(applyChain)
	}

	result := engine.New(c).ApplyEnhanced(context.Background(), document, req)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to encode result: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	if !result.Success {
		os.Exit(errorExitCode(result))
	}
	os.Exit(ExitSuccess)
}

func runSearch(_ *cobra.Command, _ []string) {
	c, s := openCatalog()
	defer s.Close()

	query := catalog.Query{
		Endpoint:   searchEndpoint,
		Category:   searchCategory,
		FilterType: filter.Type(searchType),
		SearchTerm: searchTerm,
	}
	if searchTags != "" {
		query.Tags = splitList(searchTags)
	}

	defs, err := c.Search(context.Background(), query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Search failed: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	if len(defs) == 0 {
		if !quiet {
			fmt.Println("No filters matched")
		}
		os.Exit(ExitSuccess)
	}

	for _, def := range defs {
		fmt.Printf("%s  [%s/%s]  %s\n", def.ID, def.Category, def.FilterType, def.Name)
		if verbose {
			if def.Description != "" {
				fmt.Printf("    %s\n", def.Description)
			}
			if def.EstimatedReductionPercent != nil {
				fmt.Printf("    Estimated reduction: %d%%\n", *def.EstimatedReductionPercent)
			}
			if len(def.CompatibleEndpoints) > 0 {
				fmt.Printf("    Endpoints: %s\n", strings.Join(def.CompatibleEndpoints, ", "))
			}
		}
	}
	if !quiet {
		fmt.Printf("\n%d filter(s)\n", len(defs))
	}
	os.Exit(ExitSuccess)
}

func runValidateFilter(_ *cobra.Command, args []string) {
	c, s := openCatalog()
	defer s.Close()

	var def *filter.Definition
	if raw, err := os.ReadFile(args[0]); err == nil {
		def = &filter.Definition{}
		if err := json.Unmarshal(raw, def); err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s is not a valid filter definition: %v\n", args[0], err)
			os.Exit(ExitParseError)
		}
	} else {
		stored, err := c.GetByID(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			os.Exit(ExitRuntimeError)
		}
		if stored == nil {
			fmt.Fprintf(os.Stderr, "✗ No filter %q and no such file\n", args[0])
			os.Exit(ExitValidationError)
		}
		def = stored
	}

	result, err := c.Validate(context.Background(), def)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Validation failed to run: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	for _, msg := range result.Errors {
		fmt.Fprintf(os.Stderr, "✗ %s\n", msg)
	}
	for _, msg := range result.Warnings {
		fmt.Fprintf(os.Stderr, "⚠ %s\n", msg)
	}
	if verbose {
		for _, tr := range result.TestResults {
			fmt.Printf("  test %q: %s\n", tr.TestName, tr.Status)
		}
	}

	if !result.Valid {
		os.Exit(ExitValidationError)
	}
	if !quiet {
		fmt.Printf("✓ Filter %q is valid\n", def.ID)
	}
	os.Exit(ExitSuccess)
}

func runStats(_ *cobra.Command, _ []string) {
	c, s := openCatalog()
	defer s.Close()

	stats, err := c.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ Stats failed: %v\n", err)
		os.Exit(ExitRuntimeError)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(stats); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Failed to encode stats: %v\n", err)
		os.Exit(ExitRuntimeError)
	}
	os.Exit(ExitSuccess)
}

func runDeactivate(_ *cobra.Command, args []string) {
	c, s := openCatalog()
	defer s.Close()

	if err := c.Deactivate(context.Background(), args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		if errhandling.IsNotFound(err) {
			os.Exit(ExitValidationError)
		}
		os.Exit(ExitRuntimeError)
	}

	if !quiet {
		fmt.Printf("✓ Filter %q deactivated\n", args[0])
	}
	os.Exit(ExitSuccess)
}

func runVersion(_ *cobra.Command, _ []string) {
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Commit: %s\n", commit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

func printImportResult(result *filter.ImportResult) {
	if !quiet {
		fmt.Printf("✓ Imported %d filter(s), %d failed\n", result.Imported, result.Failed)
	}
	for _, msg := range result.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
	}
}

// errorExitCode maps a failed result envelope to an exit code: caller
// mistakes exit 1, engine and storage failures exit 3.
func errorExitCode(result *filter.Result) int {
	switch result.Metadata["error_code"] {
	case string(errhandling.CategoryNotFound),
		string(errhandling.CategoryInvalidSelector),
		string(errhandling.CategoryMissingParameter),
		string(errhandling.CategoryValidation):
		return ExitValidationError
	default:
		return ExitRuntimeError
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
