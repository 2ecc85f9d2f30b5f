package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/pulse/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		creds  credentialFlags
		scopes []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed token for an identity",
		Long: `Mint a signed bearer token. The secret comes from --secret, the config
file, or PULSE_AUTH_SECRET.

Examples:
  pulse token --identity u1
  pulse token --identity billing-svc --scopes events:publish --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if creds.identity == "" {
				return fmt.Errorf("--identity is required")
			}
			jwt, err := creds.signer()
			if err != nil {
				return err
			}
			tok, err := jwt.Issue(creds.identity, scopes, creds.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	creds.registerSigning(cmd, "")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{auth.ScopeSubscribe}, "scopes to grant")

	return cmd
}
