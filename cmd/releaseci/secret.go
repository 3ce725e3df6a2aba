package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/haatos/releaseci/internal/secrets"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	secretScope       string
	secretDescription string
)

func init() {
	secretSetCmd.Flags().StringVar(&secretScope, "scope", string(secrets.ScopeAny), "scope the secret is resolvable under")
	secretSetCmd.Flags().StringVar(&secretDescription, "description", "", "free-form description")
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretLsCmd)
	secretCmd.AddCommand(secretRmCmd)
}

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored credentials",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create a secret or replace its value",
	Long: `Create a secret or replace its value. The value is read from stdin so
it never appears on a command line or in shell history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		scope := secrets.Scope(secretScope)
		if !secrets.ValidScope(scope) {
			return fmt.Errorf("invalid scope %q", secretScope)
		}

		value, err := readSecretValue()
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("secret value is empty")
		}

		if err := a.adapter.Put(
			cmd.Context(), args[0], scope, secretDescription, value,
		); err != nil {
			return err
		}
		fmt.Printf("secret %s stored\n", args[0])
		return nil
	},
}

var secretLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored secrets (metadata only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.adapter.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, rec := range records {
			fmt.Printf("%s\t%s\t%s\n", rec.Name, rec.Scope, rec.Description)
		}
		return nil
	},
}

var secretRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.adapter.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("secret %s deleted\n", args[0])
		return nil
	},
}

// readSecretValue prompts without echo on a terminal and falls back to
// reading stdin whole when piped, so multi-line values like PEM keys work.
func readSecretValue() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Value: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	b, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\n"), nil
}
