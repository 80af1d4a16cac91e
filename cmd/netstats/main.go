package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/netusage/pkg/api/client"
	"github.com/splax/netusage/pkg/collector"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

type globalFlags struct {
	configPath string
	apiBase    string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "netstats",
		Short: "Network usage accounting CLI",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath(), "CLI config TOML path")
	root.PersistentFlags().StringVar(&g.apiBase, "api", "", "API base URL (overrides config)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Print raw JSON")

	root.AddCommand(
		newLoginCmd(g),
		newQueryCmd(g),
		newAppOpsCmd(g),
		newCallersCmd(g),
		newIngestCmd(g),
		newArchiveCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print netstats version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
			},
		},
	)
	return root
}

// session loads the CLI config and builds an API client from it.
func (g *globalFlags) session() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return cliConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(g.apiBase) != "" {
		cfg.APIBaseURL = g.apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func (g *globalFlags) authedSession() (string, *apiclient.Client, error) {
	cfg, client, err := g.session()
	if err != nil {
		return "", nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return "", nil, errors.New("please login first using 'netstats login'")
	}
	return token, client, nil
}

func newLoginCmd(g *globalFlags) *cobra.Command {
	var identity, secret string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange caller credentials for an access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(identity) == "" {
				return errors.New("--identity is required")
			}
			if secret == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("--secret is required when stdin is not a terminal")
				}
				fmt.Fprint(cmd.ErrOrStderr(), "Secret: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = string(raw)
			}
			cfg, client, err := g.session()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			resp, err := client.IssueToken(ctx, identity, secret)
			if err != nil {
				return err
			}
			cfg.AccessToken = resp.Token
			if err := saveConfig(g.configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (uid %d), token valid for %s\n",
				resp.Caller.Identity, resp.Caller.UID, time.Duration(resp.ExpiresIn)*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "Caller identity (package name)")
	cmd.Flags().StringVar(&secret, "secret", "", "Caller secret (prompted when omitted)")
	return cmd
}

func newQueryCmd(g *globalFlags) *cobra.Command {
	var network, subscriber, start, end string
	var uid int
	cmd := &cobra.Command{
		Use:       "query <device|user|summary|details>",
		Short:     "Query network usage over a time window",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"device", "user", "summary", "details"},
		RunE: func(cmd *cobra.Command, args []string) error {
			startMS, endMS, err := parseWindow(start, end, time.Now())
			if err != nil {
				return err
			}
			q := apiclient.Query{Network: network, Subscriber: subscriber, Start: startMS, End: endMS}
			token, client, err := g.authedSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var buckets []apiclient.Bucket
			switch args[0] {
			case "device", "user":
				var b apiclient.Bucket
				if args[0] == "device" {
					b, err = client.QueryDevice(ctx, token, q)
				} else {
					b, err = client.QueryUser(ctx, token, q)
				}
				buckets = []apiclient.Bucket{b}
			case "summary":
				buckets, err = client.QuerySummary(ctx, token, q)
			case "details":
				if cmd.Flags().Changed("uid") {
					buckets, err = client.QueryDetailsForUID(ctx, token, q, uid)
				} else {
					buckets, err = client.QueryDetails(ctx, token, q)
				}
			default:
				return fmt.Errorf("unknown query %q", args[0])
			}
			if errors.Is(err, apiclient.ErrPermissionDenied) {
				return errors.New("usage access denied; ask an admin to run 'netstats appops set <identity> GET_USAGE_STATS allow'")
			}
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), buckets)
			}
			printBuckets(cmd.OutOrStdout(), buckets)
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "wifi", "Network type (wifi|mobile)")
	cmd.Flags().StringVar(&subscriber, "subscriber", "", "Subscriber id for mobile queries")
	cmd.Flags().StringVar(&start, "start", "", "Window start (ms since epoch or RFC3339; default 24h before end)")
	cmd.Flags().StringVar(&end, "end", "", "Window end (ms since epoch or RFC3339; default now)")
	cmd.Flags().IntVar(&uid, "uid", 0, "Restrict details to one uid")
	return cmd
}

func newAppOpsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appops",
		Short: "Inspect or change app-op permissions (admin)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <identity> <op>",
		Short: "Print the effective mode of an op",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, client, err := g.authedSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			op, err := client.GetAppOp(ctx, token, args[0], args[1])
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", op.Op, op.Mode)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <identity> <op> <allow|deny>",
		Short: "Store the mode of an op",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, client, err := g.authedSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			op, err := client.SetAppOp(ctx, token, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", op.Op, op.Previous, op.Mode)
			return nil
		},
	})
	return cmd
}

func newCallersCmd(g *globalFlags) *cobra.Command {
	var input apiclient.CreateCallerInput
	add := &cobra.Command{
		Use:   "add <identity>",
		Short: "Register a caller (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input.Identity = args[0]
			if input.Secret == "" {
				return errors.New("--secret is required")
			}
			token, client, err := g.authedSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			caller, err := client.CreateCaller(ctx, token, input)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), caller)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %s, uid %d, user %d)\n", caller.Identity, caller.ID, caller.UID, caller.User)
			return nil
		},
	}
	add.Flags().IntVar(&input.UID, "uid", 0, "Application uid")
	add.Flags().StringVar(&input.Secret, "secret", "", "Caller secret")
	add.Flags().BoolVar(&input.Admin, "admin", false, "Grant admin privileges")

	cmd := &cobra.Command{
		Use:   "callers",
		Short: "Manage API callers",
	}
	cmd.AddCommand(add)
	return cmd
}

func newIngestCmd(g *globalFlags) *cobra.Command {
	var collectorToken string
	var batchSize int
	cmd := &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Push samples from a JSON file (one object or an array) as the collector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			samples, err := readSamples(r)
			if err != nil {
				return err
			}
			cfg, _, err := g.session()
			if err != nil {
				return err
			}
			if collectorToken == "" {
				collectorToken = cfg.CollectorToken
			}
			if collectorToken == "" {
				return errors.New("--collector-token is required")
			}
			emitter, err := collector.NewEmitter(cfg.APIBaseURL, collectorToken, nil)
			if err != nil {
				return err
			}
			buf := collector.NewBuffer(emitter, batchSize)
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			for _, s := range samples {
				if err := buf.Add(ctx, s); err != nil {
					return fmt.Errorf("after %d accepted: %w", buf.Sent(), err)
				}
			}
			if err := buf.Flush(ctx); err != nil {
				return fmt.Errorf("after %d accepted: %w", buf.Sent(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %d samples\n", buf.Sent())
			return nil
		},
	}
	cmd.Flags().StringVar(&collectorToken, "collector-token", "", "Shared collector token (defaults to config)")
	cmd.Flags().IntVar(&batchSize, "batch", 500, "Samples per request")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
