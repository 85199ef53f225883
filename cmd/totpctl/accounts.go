package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/forest6511/totpctl/pkg/importer"
)

var (
	addSecret  string
	editSecret string
	listJSON   bool
	secretQR   bool
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(verifyCmd)

	addCmd.Flags().StringVar(&addSecret, "secret", "", "Base32 secret (prompted with hidden input when omitted)")
	editCmd.Flags().StringVar(&editSecret, "secret", "", "Replace the Base32 secret")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	secretCmd.Flags().BoolVar(&secretQR, "qr", false, "Render the account as an otpauth QR code")
}

// addCmd creates an account
var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an account",
	Long: `Add an account from a Base32 secret.

Secrets shorter than 26 characters are padded with 'A' before use.

Examples:
  totpctl add "GitHub:alice"
  totpctl add "Example:bob" --secret JBSWY3DPEHPK3PXP`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := addSecret
		if secret == "" {
			var err error
			secret, err = readSecret(cmd, "Enter secret: ")
			if err != nil {
				return err
			}
		}
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return fmt.Errorf("secret cannot be empty")
		}

		account, err := auth.Add(args[0], secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", account.Name, account.ID)
		return nil
	},
}

// editCmd renames an account and optionally replaces its secret
var editCmd = &cobra.Command{
	Use:   "edit <id> <name>",
	Short: "Rename an account or replace its secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.Edit(args[0], args[1], strings.TrimSpace(editSecret)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
		return nil
	},
}

// deleteCmd removes an account and its secret
var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

// listCmd prints every account with its current code
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their current codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		accounts, err := auth.List()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if listJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(accounts)
		}

		if len(accounts) == 0 {
			fmt.Fprintln(out, "No accounts found")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCODE\tEXPIRES")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Code, time.Unix(a.ExpiresAt, 0).Format(time.TimeOnly))
		}
		return w.Flush()
	},
}

// secretCmd prints the stored secret of an account
var secretCmd = &cobra.Command{
	Use:   "secret <id>",
	Short: "Print the stored Base32 secret of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := auth.RawSecret(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !secretQR {
			fmt.Fprintln(out, secret)
			return nil
		}

		account, err := auth.Lookup(args[0])
		if err != nil {
			return err
		}
		qr, err := qrcode.New(importer.KeyURI(account.Name, secret), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("failed to render QR code: %w", err)
		}
		fmt.Fprint(out, qr.ToString(false))
		return nil
	},
}

// verifyCmd checks a code against an account
var verifyCmd = &cobra.Command{
	Use:   "verify <id> <code>",
	Short: "Check a code against an account (one step of drift allowed)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := auth.Verify(args[0], strings.TrimSpace(args[1]))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("code does not match")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Code OK")
		return nil
	},
}
