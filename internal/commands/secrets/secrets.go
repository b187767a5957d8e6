// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets implements the flux secrets command group over the
// server's encrypted vault.
package secrets

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fluxio/flux/internal/commands/shared"
)

var secretUnmask bool

// NewCommand creates the secrets command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage vault secrets",
		Long: `Manage secrets in the server's encrypted vault. Workflows declare
the secrets they need; the server injects them into task execution at
claim time. Plaintext never reaches the repository.

Examples:
  flux secrets set api_key
  echo -n "sk-..." | flux secrets set api_key
  flux secrets get api_key --unmask
  flux secrets list
  flux secrets remove api_key`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRemoveCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Long: `Store a secret in the vault. The value is read from stdin when
piped, or prompted for with hidden input otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecretValue()
			if err != nil {
				return err
			}
			if value == "" {
				return shared.NewUsageError("secret value must not be empty", nil)
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := c.SetSecret(cmd.Context(), args[0], value); err != nil {
				return err
			}
			fmt.Printf("secret %s stored\n", args[0])
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			value, err := c.GetSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if secretUnmask {
				fmt.Println(value)
			} else {
				fmt.Println(mask(value))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&secretUnmask, "unmask", false, "Show the full value")

	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			names, err := c.ListSecrets(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			if err := c.DeleteSecret(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("secret %s removed\n", args[0])
			return nil
		},
	}
}

// readSecretValue takes the value from piped stdin, or prompts with
// hidden input on a terminal.
func readSecretValue() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "Value: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func mask(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}
