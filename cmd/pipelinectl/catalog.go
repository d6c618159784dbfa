package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"resource-pipeline/internal/app"
	"resource-pipeline/internal/prompts"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the resource catalog",
}

var catalogCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the catalog graph and its prompt templates",
	Long:  "Loads the catalog, prints the generation order and fails when a strategic prompt or implementation guide has no template.",
	RunE:  runCatalogCheck,
}

func init() {
	catalogCmd.AddCommand(catalogCheckCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	graph, err := app.Catalog(cfg)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	templates, err := prompts.New(cfg.TemplatesDir)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog version %d, %d resources\n", graph.Version(), len(graph.Resources()))
	for i, id := range graph.TopologicalOrder() {
		r, _ := graph.Get(id)
		deps := "-"
		if len(r.Dependencies) > 0 {
			deps = strings.Join(r.Dependencies, ", ")
		}
		fmt.Fprintf(out, "%2d. %-24s tier %d  %-14s deps: %s\n", i+1, id, r.Tier, r.Category, deps)
	}
	if missing := templates.Missing(graph.PromptIDs()); len(missing) > 0 {
		return fmt.Errorf("missing templates: %s", strings.Join(missing, ", "))
	}
	fmt.Fprintln(out, "all prompt templates present")
	return nil
}
