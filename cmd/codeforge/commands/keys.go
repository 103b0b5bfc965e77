package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/codeforge/pkg/codeforge/config"
	"github.com/jholhewres/codeforge/pkg/codeforge/credentials"
)

// newKeysCmd creates `codeforge keys`, which manages API keys in the OS
// keyring.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage model API keys in the OS keyring",
		Long: `Keys are stored under the same names as their environment variables
(HF_TOKEN, GROQ_API_KEY_2, ...). Environment variables take precedence.

Examples:
  codeforge keys set groq
  codeforge keys set groq --slot 2
  codeforge keys status
  codeforge keys delete kimi`,
	}
	cmd.AddCommand(newKeysSetCmd(), newKeysDeleteCmd(), newKeysStatusCmd())
	return cmd
}

func newKeysSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <family>",
		Short: "Store an API key (read without echo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			prefix, err := familyPrefix(cfg, args[0])
			if err != nil {
				return err
			}
			slot, _ := cmd.Flags().GetInt("slot")

			secret, err := readSecret(cmd, fmt.Sprintf("%s key: ", args[0]))
			if err != nil {
				return err
			}
			if err := credentials.StoreKey(prefix, slot, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s).\n", keyName(prefix, slot), credentials.Mask(secret))
			return nil
		},
	}
	cmd.Flags().Int("slot", 0, "numbered slot (0 = bare variable, n = PREFIX_n)")
	return cmd
}

func newKeysDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <family>",
		Short: "Remove an API key from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			prefix, err := familyPrefix(cfg, args[0])
			if err != nil {
				return err
			}
			slot, _ := cmd.Flags().GetInt("slot")
			if err := credentials.DeleteKey(prefix, slot); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", keyName(prefix, slot))
			return nil
		},
	}
	cmd.Flags().Int("slot", 0, "numbered slot (0 = bare variable, n = PREFIX_n)")
	return cmd
}

func newKeysStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many keys each family has",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			var lookup credentials.LookupFunc = credentials.EnvLookup
			if cfg.Credentials.UseKeyring {
				lookup = credentials.KeyringLookup(credentials.EnvLookup)
			}

			prefixes := cfg.CredentialPrefixes()
			families := make([]string, 0, len(prefixes))
			for f := range prefixes {
				families = append(families, f)
			}
			sort.Strings(families)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAMILY\tVARIABLE\tKEYS\tFIRST")
			for _, f := range families {
				keys := credentials.Load(prefixes[f], lookup)
				first := "-"
				if len(keys) > 0 {
					first = credentials.Mask(keys[0])
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f, prefixes[f], len(keys), first)
			}
			return tw.Flush()
		},
	}
}

func familyPrefix(cfg *config.Config, family string) (string, error) {
	prefixes := cfg.CredentialPrefixes()
	prefix, ok := prefixes[strings.ToLower(family)]
	if !ok {
		known := make([]string, 0, len(prefixes))
		for f := range prefixes {
			known = append(known, f)
		}
		sort.Strings(known)
		return "", fmt.Errorf("unknown family %q (known: %s)", family, strings.Join(known, ", "))
	}
	return prefix, nil
}

func keyName(prefix string, slot int) string {
	if slot <= 0 {
		return prefix
	}
	return fmt.Sprintf("%s_%d", prefix, slot)
}

// readSecret prompts without echo on a terminal and reads one line
// otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	var secret string
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		secret = string(b)
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading key: %w", err)
		}
		secret = line
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("empty key")
	}
	return secret, nil
}
