package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/anime-embed-crawler/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

// prompt is one question asked by config init.
type prompt struct {
	key      string
	question string
	parse    func(string) (any, error)
}

func asString(s string) (any, error) { return s, nil }

func asInt(s string) (any, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return n, nil
}

func asFloat(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

var initPrompts = []prompt{
	{"catalog.dsn", "Catalog Postgres DSN", asString},
	{"catalog.table", "Catalog table", asString},
	{"provider.base_url", "Provider base URL", asString},
	{"provider.min_interval", "Minimum interval between provider requests", asString},
	{"worker.concurrency", "Number of workers", asInt},
	{"kv.badger.path", "State directory", asString},
	{"mapping.similarity_threshold", "Title similarity threshold (0-1)", asFloat},
	{"discovery.strategy", "Priority strategy (balanced, airing, popularity)", asString},
}

func newConfigInitCmd() *cobra.Command {
	var (
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a config file by answering a few questions",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New("")
			if err != nil {
				return err
			}
			if err := ask(cmd.InOrStdin(), cmd.OutOrStdout(), v, initPrompts); err != nil {
				return err
			}
			if _, err := config.FromViper(v); err != nil {
				return fmt.Errorf("invalid answers: %w", err)
			}
			if force {
				err = v.WriteConfigAs(output)
			} else {
				err = v.SafeWriteConfigAs(output)
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "config.yaml", "file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// ask reads one answer per prompt. An empty answer keeps the default.
func ask(in io.Reader, out io.Writer, v *viper.Viper, prompts []prompt) error {
	scanner := bufio.NewScanner(in)
	for _, p := range prompts {
		fmt.Fprintf(out, "%s [%v]: ", p.question, v.Get(p.key))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read answer: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}
		answer := strings.TrimSpace(scanner.Text())
		if answer == "" {
			continue
		}
		val, err := p.parse(answer)
		if err != nil {
			return fmt.Errorf("%s: %w", p.key, err)
		}
		v.Set(p.key, val)
	}
	return nil
}

// secretKeys are masked by config show.
var secretKeys = []string{"server.api_key", "kv.postgres.dsn", "catalog.dsn"}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			v, err := config.New(s.cfgFile)
			if err != nil {
				return err
			}
			if _, err := config.FromViper(v); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
			}
			for _, k := range secretKeys {
				if v.GetString(k) != "" {
					v.Set(k, "********")
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(v.AllSettings()); err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			return nil
		},
	}
}
