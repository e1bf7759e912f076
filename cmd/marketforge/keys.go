package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alanyoungcy/marketforge/internal/crypto"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the deployer key",
	}
	cmd.AddCommand(newKeysEncryptCmd())
	return cmd
}

func newKeysEncryptCmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a deployer private key to a keystore file",
		Long: `Encrypt reads a hex private key and a password and writes an
encrypted keystore file (mode 0600). Point wallet.encrypted_key_path at it and
supply the password through MARKETFORGE_WALLET_KEY_PASSWORD.

When stdin is a terminal both values are prompted for without echo.
Otherwise the key and the password are read as the first two lines of stdin.

EXAMPLES:
  marketforge keys encrypt --output deployer.key.json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex, password, err := readKeyAndPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			addr, err := crypto.WriteEncryptedKey(outputFile, keyHex, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Encrypted key for %s written to %s\n", addr, outputFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "deployer.key.json", "keystore file to create")

	return cmd
}

func readKeyAndPassword(in io.Reader, prompt io.Writer) (string, string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		fmt.Fprint(prompt, "Private key (hex): ")
		key, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", "", fmt.Errorf("reading key: %w", err)
		}
		fmt.Fprint(prompt, "Password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", "", fmt.Errorf("reading password: %w", err)
		}
		return checkKeyInput(string(key), string(pw))
	}

	// Non-terminal, read two lines
	reader := bufio.NewReader(in)
	key, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", "", fmt.Errorf("reading key: %w", err)
	}
	pw, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", "", fmt.Errorf("reading password: %w", err)
	}
	return checkKeyInput(key, pw)
}

func checkKeyInput(key, password string) (string, string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "0x")
	password = strings.TrimRight(password, "\r\n")
	if key == "" {
		return "", "", fmt.Errorf("private key is empty")
	}
	if password == "" {
		return "", "", fmt.Errorf("password is empty")
	}
	return key, password, nil
}
