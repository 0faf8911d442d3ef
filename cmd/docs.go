package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/screening-cli/internal/docstore"
	"github.com/sells-group/screening-cli/internal/pipeline"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage a project's full-text documents",
}

// -- docs put --

var docsPutCmd = &cobra.Command{
	Use:   "put <project-id> <file.pdf>...",
	Short: "Store PDFs; the document ID is the file name without extension",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs, err := initDocStore(ctx)
		if err != nil {
			return err
		}

		for _, path := range args[1:] {
			id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			f, err := os.Open(path)
			if err != nil {
				return eris.Wrapf(err, "docs put: open %s", path)
			}
			err = docs.Put(ctx, args[0], id, f)
			f.Close() //nolint:errcheck
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", id)
		}
		return nil
	},
}

// -- docs get --

var docsGetCmd = &cobra.Command{
	Use:   "get <project-id> <document-id>",
	Short: "Write a stored PDF to --out or stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		outPath, _ := cmd.Flags().GetString("out")

		docs, err := initDocStore(ctx)
		if err != nil {
			return err
		}
		body, err := docs.Get(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		defer body.Close() //nolint:errcheck

		var w io.Writer = cmd.OutOrStdout()
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "docs get: create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}
		_, err = io.Copy(w, body)
		return eris.Wrap(err, "docs get: copy")
	},
}

// -- docs list --

var docsListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List stored document IDs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		docs, err := initDocStore(ctx)
		if err != nil {
			return err
		}
		ids, err := docs.List(ctx, args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// -- docs check --

var docsCheckCmd = &cobra.Command{
	Use:   "check <project-id>",
	Short: "Report document availability against included articles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		docs, err := initDocStore(ctx)
		if err != nil {
			return err
		}
		avail, err := docstore.NewAvailabilityChecker(docs, pipeline.NewOverrideLedger(st)).
			CheckAvailability(ctx, args[0])
		if err != nil {
			return err
		}

		if format != "table" {
			return writeStructured(cmd.OutOrStdout(), format, avail)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Documents: %d present, %d expected\n", avail.TotalPresent, avail.TotalExpected)
		return nil
	},
}

func init() {
	docsGetCmd.Flags().String("out", "", "output file (default: stdout)")
	docsCheckCmd.Flags().String("format", "table", "output format (table, json, yaml)")

	docsCmd.AddCommand(docsPutCmd)
	docsCmd.AddCommand(docsGetCmd)
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsCheckCmd)
	rootCmd.AddCommand(docsCmd)
}
