// Package main provides the Hugin CLI entry point.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/hugin/pkg/compile"
	"github.com/orneryd/hugin/pkg/config"
	"github.com/orneryd/hugin/pkg/schema"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	cfg, err := config.LoadFromFile(config.FindConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "hugin",
		Short: "Hugin - Cypher to ClickHouse SQL compiler",
		Long: `Hugin compiles openCypher read queries into ClickHouse SQL using a
declarative mapping from graph labels and relationship types onto
relational tables.

Variable-length traversals become recursive CTEs, shortest paths become
window-function ranking, and multi-type endpoints become UNION ALL
branches with JSON property access.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hugin %s (commit %s, built %s, %s)\n", version, commit, buildTime, runtime.Version())
		},
	})

	compileCmd := &cobra.Command{
		Use:   "compile [query]",
		Short: "Compile a Cypher query to ClickHouse SQL",
		Long: `Compile reads a Cypher query from the argument, --file, or stdin and
prints the generated SQL plus the ordered parameter slot names.`,
		RunE: runCompile,
	}
	addQueryFlags(compileCmd, cfg)
	compileCmd.Flags().Bool("params", true, "Print parameter slot names after the SQL")
	compileCmd.Flags().Bool("columns", false, "Print output column names after the SQL")
	rootCmd.AddCommand(compileCmd)

	explainCmd := &cobra.Command{
		Use:   "explain [query]",
		Short: "Print the optimized logical plan for a Cypher query",
		RunE:  runExplain,
	}
	addQueryFlags(explainCmd, cfg)
	rootCmd.AddCommand(explainCmd)

	schemasCmd := &cobra.Command{
		Use:   "schemas",
		Short: "List the schemas found in the schema directory",
		RunE:  runSchemas,
	}
	schemasCmd.Flags().String("schema-dir", cfg.Schemas.Dir, "Directory of schema YAML files")
	rootCmd.AddCommand(schemasCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func addQueryFlags(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().String("schema", "", "Schema name to compile against (resolved in --schema-dir)")
	cmd.Flags().String("schema-file", "", "Schema YAML file to compile against")
	cmd.Flags().String("schema-dir", cfg.Schemas.Dir, "Directory of schema YAML files")
	cmd.Flags().String("file", "", "Read the query from a file instead of the argument")
	cmd.Flags().String("tenant", "", "Tenant identity for plan-cache isolation")
	cmd.Flags().Int("max-hops", cfg.Compiler.MaxHops, "Bound for open-ended variable-length traversals")
	cmd.Flags().Int("cache-size", cfg.Cache.Size, "Plan cache capacity in templates (0 disables)")
	cmd.Flags().Bool("allow-cartesian", cfg.Compiler.AllowCartesianProduct, "Allow cross joins for disconnected patterns")
}

func runCompile(cmd *cobra.Command, args []string) error {
	compiler, schemaName, err := compilerFromFlags(cmd)
	if err != nil {
		return err
	}
	query, err := readQuery(cmd, args)
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")

	out, err := compiler.CompileRequest(compile.Request{Query: query, Schema: schemaName, Tenant: tenant})
	if err != nil {
		return err
	}

	fmt.Println(out.SQL)
	if show, _ := cmd.Flags().GetBool("params"); show && len(out.Params) > 0 {
		fmt.Printf("-- params: %s\n", strings.Join(out.Params, ", "))
	}
	if show, _ := cmd.Flags().GetBool("columns"); show {
		fmt.Printf("-- columns: %s\n", strings.Join(out.Columns, ", "))
	}
	return nil
}

func runExplain(cmd *cobra.Command, args []string) error {
	compiler, schemaName, err := compilerFromFlags(cmd)
	if err != nil {
		return err
	}
	query, err := readQuery(cmd, args)
	if err != nil {
		return err
	}
	tree, err := compiler.Explain(query, schemaName)
	if err != nil {
		return err
	}
	fmt.Print(tree)
	return nil
}

func runSchemas(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("schema-dir")
	schemas, err := loadSchemaDir(dir)
	if err != nil {
		return err
	}
	if len(schemas) == 0 {
		fmt.Printf("No schemas found in %s\n", dir)
		return nil
	}
	for _, s := range schemas {
		fmt.Printf("%s\t%d labels, %d relationship types\n", s.Name, len(s.Nodes), len(s.Relationships))
	}
	return nil
}

// compilerFromFlags builds a single-use compiler over the schemas named by
// the flags. --schema-file wins over --schema + --schema-dir.
func compilerFromFlags(cmd *cobra.Command) (*compile.Compiler, string, error) {
	registry := schema.NewRegistry()
	var schemaName string

	if file, _ := cmd.Flags().GetString("schema-file"); file != "" {
		s, err := schema.LoadFromFile(file)
		if err != nil {
			return nil, "", err
		}
		if _, err := registry.Register(s); err != nil {
			return nil, "", err
		}
		schemaName = s.Name
	} else {
		dir, _ := cmd.Flags().GetString("schema-dir")
		schemas, err := loadSchemaDir(dir)
		if err != nil {
			return nil, "", err
		}
		for _, s := range schemas {
			if _, err := registry.Register(s); err != nil {
				return nil, "", err
			}
		}
		schemaName, _ = cmd.Flags().GetString("schema")
		if schemaName == "" {
			if len(schemas) == 1 {
				schemaName = schemas[0].Name
			} else {
				return nil, "", fmt.Errorf("--schema is required when %d schemas are registered", len(schemas))
			}
		}
	}

	maxHops, _ := cmd.Flags().GetInt("max-hops")
	cacheSize, _ := cmd.Flags().GetInt("cache-size")
	allowCartesian, _ := cmd.Flags().GetBool("allow-cartesian")
	compiler, err := compile.New(registry, compile.Options{
		MaxHops:               maxHops,
		CacheSize:             cacheSize,
		AllowCartesianProduct: allowCartesian,
	})
	if err != nil {
		return nil, "", err
	}
	return compiler, schemaName, nil
}

func readQuery(cmd *cobra.Command, args []string) (string, error) {
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	query := strings.TrimSpace(string(data))
	if query == "" {
		return "", fmt.Errorf("no query given: pass it as an argument, via --file, or on stdin")
	}
	return query, nil
}

func loadSchemaDir(dir string) ([]*schema.Schema, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	var schemas []*schema.Schema
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		s, err := schema.LoadFromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		schemas = append(schemas, s)
	}
	return schemas, nil
}
