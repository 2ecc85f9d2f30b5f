package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/pulse/internal/auth"
	"github.com/dgnsrekt/pulse/internal/client"
)

// credentialFlags are shared by commands that talk to the server.
type credentialFlags struct {
	token    string
	secret   string
	identity string
	issuer   string
	audience string
	ttl      time.Duration
}

func (f *credentialFlags) register(cmd *cobra.Command, defaultIdentity string) {
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("PULSE_TOKEN"), "bearer token (or set PULSE_TOKEN)")
	f.registerSigning(cmd, defaultIdentity)
}

func (f *credentialFlags) registerSigning(cmd *cobra.Command, defaultIdentity string) {
	cmd.Flags().StringVar(&f.secret, "secret", "", "signing secret used to mint tokens when --token is not set (default PULSE_AUTH_SECRET)")
	cmd.Flags().StringVar(&f.identity, "identity", defaultIdentity, "identity to mint tokens for")
	cmd.Flags().StringVar(&f.issuer, "issuer", "", "token issuer (default from config, else \"pulse\")")
	cmd.Flags().StringVar(&f.audience, "audience", "", "token audience (default from config, else \"pulse\")")
	cmd.Flags().DurationVar(&f.ttl, "ttl", time.Hour, "lifetime of minted tokens")
}

// signer builds a token signer from flags, falling back to the loaded
// config and then the environment.
func (f *credentialFlags) signer() (*auth.JWT, error) {
	secret, issuer, audience := f.secret, f.issuer, f.audience
	if cfg != nil {
		if secret == "" {
			secret = cfg.Auth.Secret
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
		if audience == "" {
			audience = cfg.Auth.Audience
		}
	}
	if secret == "" {
		secret = os.Getenv("PULSE_AUTH_SECRET")
	}
	if issuer == "" {
		issuer = "pulse"
	}
	if audience == "" {
		audience = "pulse"
	}
	if secret == "" {
		return nil, errors.New("either --token or a signing secret is required")
	}
	return auth.NewJWT(auth.Config{
		Secret:   []byte(secret),
		Issuer:   issuer,
		Audience: audience,
		TokenTTL: f.ttl,
	})
}

// source returns a static token when one was given, otherwise a source that
// mints a fresh token with scopes on every refresh.
func (f *credentialFlags) source(scopes ...string) (client.TokenSource, error) {
	if f.token != "" {
		return client.StaticToken(f.token), nil
	}
	if f.identity == "" {
		return nil, errors.New("--identity is required to mint a token")
	}
	jwt, err := f.signer()
	if err != nil {
		return nil, err
	}
	mint := func(context.Context) (string, error) {
		return jwt.Issue(f.identity, scopes, f.ttl)
	}
	return client.TokenFunc(mint).Cached(), nil
}
