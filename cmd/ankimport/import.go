package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conorfennell/ankimport/internal/importer"
)

var importOwner string

var importCmd = &cobra.Command{
	Use:   "import --owner <id> <file.apkg>",
	Short: "Import a deck package from disk",
	Long: `Runs one import locally, exactly as the HTTP API would, and prints the
result as JSON. The exit status is non-zero when the import fails,
including when too many cards failed even though some were committed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read package: %w", err)
		}

		svc, err := openServices(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.importer.Import(cmd.Context(), importOwner, data, filepath.Base(args[0]))
		return printResult(cmd.OutOrStdout(), res, err)
	},
}

func init() {
	importCmd.Flags().StringVar(&importOwner, "owner", "", "Owner id the cards are imported for")
	_ = importCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(importCmd)
}

// printResult writes the result contract for res or err and returns err.
func printResult(w io.Writer, res *importer.Result, err error) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err == nil {
		return enc.Encode(res)
	}

	out := map[string]any{"success": false, "error": err.Error()}
	var ie *importer.Error
	if errors.As(err, &ie) {
		out["error"] = ie.Message
		out["code"] = ie.Code
		if ie.ImportID != "" {
			out["importId"] = ie.ImportID
		}
		if ie.Details != nil {
			out["details"] = ie.Details
		}
	}
	if encErr := enc.Encode(out); encErr != nil {
		return encErr
	}
	return err
}
