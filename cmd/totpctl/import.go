package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// maxImportSize bounds payloads read from files or stdin.
const maxImportSize = 1 << 20

var importFile string

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Read the payload from a file")
}

var importCmd = &cobra.Command{
	Use:   "import [payload|-]",
	Short: "Import accounts from an otpauth URI or migration export",
	Long: `Import accounts from an otpauth://totp URI or an
otpauth-migration://offline?data=... export.

Accounts are added in order. Import stops at the first failure; accounts
added before it are kept.

Examples:
  # Single URI
  totpctl import 'otpauth://totp/Example:alice?secret=JBSWY3DPEHPK3PXP'

  # Migration export decoded from a QR code
  zbarimg -q --raw export.png | totpctl import -

  # From a file
  totpctl import --file export.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: executeImport,
}

func executeImport(cmd *cobra.Command, args []string) error {
	blob, err := importPayload(cmd, args)
	if err != nil {
		return err
	}

	n, err := auth.Import(blob)
	if n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d account(s)\n", n)
	}
	return err
}

func importPayload(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case importFile != "" && len(args) > 0:
		return "", fmt.Errorf("specify either a payload argument or --file, not both")
	case importFile != "":
		f, err := os.Open(importFile)
		if err != nil {
			return "", fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()
		return readPayload(f)
	case len(args) == 0 || args[0] == "-":
		return readPayload(cmd.InOrStdin())
	default:
		return args[0], nil
	}
}

func readPayload(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImportSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}
	if len(data) > maxImportSize {
		return "", fmt.Errorf("payload exceeds %d bytes", maxImportSize)
	}
	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return "", fmt.Errorf("empty payload")
	}
	return payload, nil
}
