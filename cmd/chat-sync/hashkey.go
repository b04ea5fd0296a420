package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/spf13/cobra"
)

var generateKey bool

func init() {
	hashKeyCmd.Flags().BoolVar(&generateKey, "generate", false, "generate a new random key instead of reading one")
	rootCmd.AddCommand(hashKeyCmd)
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [name]",
	Short: "Hash an MCP API key for MCP_API_KEYS",
	Long: "Reads a key from stdin (or generates one with --generate) and prints the bcrypt hash. " +
		"With a name, prints a ready-to-use name:hash entry.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key, hash string

		if generateKey {
			k, h, err := auth.GenerateKey()
			if err != nil {
				return err
			}

			key, hash = k, h
			fmt.Fprintf(cmd.ErrOrStderr(), "key: %s\n", key)
		} else {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter key: ")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				return fmt.Errorf("no input")
			}

			key = strings.TrimSpace(scanner.Text())
			if key == "" {
				return fmt.Errorf("empty key")
			}

			h, err := auth.HashKey(key)
			if err != nil {
				return err
			}

			hash = h
		}

		if len(args) == 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], hash)
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), hash)

		return nil
	},
}
