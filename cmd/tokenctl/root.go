package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	tokenx "github.com/bionicotaku/lingo-utils-tokenx"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the tokenctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "tokenctl",
		Short:         "Token issuing tool",
		Long:          `Issue, validate and publish signed access tokens from a local signing credential.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to config file (env TOKENCTL_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output to stderr")

	root.AddCommand(newIssueCmd(opts), newValidateCmd(opts), newJWKSCmd(opts))
	return root
}

func newIssueCmd(opts *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token",
		Long:  `Issue an access token for the configured descriptor. Repeated issues within the token lifetime return the cached token.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}
			cfg, signer, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger := opts.logger(cmd)
			issuerOpts := append(cfg.IssuerConfig().Options(), tokenx.WithLogger(logger))
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
				defer client.Close()
				store, err := tokenx.NewRedisStore(client, tokenx.RedisStoreConfig{Prefix: cfg.Redis.Prefix, Logger: logger})
				if err != nil {
					return fmt.Errorf("create redis store: %w", err)
				}
				issuerOpts = append(issuerOpts, tokenx.WithStore(store))
			}
			issuer, err := tokenx.NewIssuer(signer, issuerOpts...)
			if err != nil {
				return fmt.Errorf("create issuer: %w", err)
			}
			defer issuer.Close()

			for n := 0; n < count; n++ {
				token, err := issuer.GetOrIssue(cmd.Context(), cfg.Descriptor(), cfg.Params())
				if err != nil {
					return fmt.Errorf("issue token: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of tokens to request")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate TOKEN",
		Short: "Validate an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, signer, err := opts.load(cmd)
			if err != nil {
				return err
			}
			claims, err := signer.Validate(cmd.Context(), args[0], cfg.Params())
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			printClaims(cmd.OutOrStdout(), claims)
			return nil
		},
	}
}

func newJWKSCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the public key set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, signer, err := opts.load(cmd)
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(signer.PublicKeys(), "", "  ")
			if err != nil {
				return fmt.Errorf("encode jwks: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
}

func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *rootOptions) load(cmd *cobra.Command) (*Config, *tokenx.KeySigner, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	var credOpts []tokenx.CredentialOption
	if cfg.KeyID != "" {
		credOpts = append(credOpts, tokenx.WithKeyID(cfg.KeyID))
	}
	cred, err := tokenx.LoadCredentialFiles(cfg.KeyFile, cfg.CertFile, credOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("load credential: %w", err)
	}
	signer, err := tokenx.NewKeySigner(cred, tokenx.WithSignerLogger(o.logger(cmd)))
	if err != nil {
		return nil, nil, fmt.Errorf("create signer: %w", err)
	}
	return cfg, signer, nil
}

func printClaims(w io.Writer, claims *tokenx.Claims) {
	fmt.Fprintln(w, "== Access Token Verified ==")
	fmt.Fprintf(w, "name         : %s\n", claims.Name)
	fmt.Fprintf(w, "roles        : %v\n", claims.Roles)
	fmt.Fprintf(w, "scopes       : %v\n", claims.Scopes)
	fmt.Fprintf(w, "issuer       : %s\n", claims.Issuer)
	fmt.Fprintf(w, "audience     : %s\n", claims.Audience)
	fmt.Fprintf(w, "jti          : %s\n", claims.JWTID)
	if !claims.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "expires_at   : %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}
	if !claims.NotBefore.IsZero() {
		fmt.Fprintf(w, "not_before   : %s\n", claims.NotBefore.Format(time.RFC3339))
	}
	if len(claims.CustomClaims) > 0 {
		keys := make([]string, 0, len(claims.CustomClaims))
		for k := range claims.CustomClaims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "custom_claims:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, claims.CustomClaims[k])
		}
	}
}
