package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/portal-orchestrator/internal/store"
)

var targetsFilter string

func init() {
	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the stored targets",
	}

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Insert or update targets from a YAML batch file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTargetsImport,
	}
	targetsCmd.AddCommand(importCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored targets",
		RunE:  runTargetsList,
	}
	listCmd.Flags().StringVar(&targetsFilter, "filter", string(store.FilterAll), "all, lookup_pending or filing_pending")
	targetsCmd.AddCommand(listCmd)

	rootCmd.AddCommand(targetsCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return st, nil
}

func runTargetsImport(cmd *cobra.Command, args []string) error {
	bf, err := loadBatchFile(args[0])
	if err != nil {
		return err
	}
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	for _, t := range bf.Targets {
		if err := st.UpsertTarget(cmd.Context(), t); err != nil {
			return fmt.Errorf("upserting %s: %w", t.ID, err)
		}
	}
	fmt.Printf("Imported %d target(s) from %s\n", len(bf.Targets), args[0])
	return nil
}

func runTargetsList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListTargets(cmd.Context(), store.TargetFilter(targetsFilter))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACCOUNT\tNAME\tLOOKUP\tFILING\tDOCS\tUPDATED")
	for _, r := range records {
		lookup := orDash(r.LookupStatus)
		filing := orDash(r.FilingStatus)
		if r.FilingYear > 0 {
			filing = fmt.Sprintf("%s (%d)", filing, r.FilingYear)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Account, orDash(r.Name), lookup, filing, len(r.Documents), humanize.Time(r.UpdatedAt))
	}
	w.Flush()
	fmt.Printf("%s target(s)\n", humanize.Comma(int64(len(records))))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
