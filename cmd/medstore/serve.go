package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/medstore/internal/api"
	"github.com/ehr/medstore/internal/platform/auth"
)

func (a *app) jwtConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	}
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.IsDev() {
				a.logger.Warn().Msg("development mode: requests without a token act as the dev Doctor identity")
			}

			e := api.NewServer(a.store, api.ServerConfig{
				Dev:          a.cfg.IsDev(),
				JWT:          a.jwtConfig(),
				Metrics:      a.metrics,
				AuditBackend: a.cfg.AuditBackend,
				Ready:        a.ready,
			}, a.logger)

			errCh := make(chan error, 1)
			go func() {
				addr := ":" + a.cfg.Port
				a.logger.Info().Str("addr", addr).Str("data_dir", a.cfg.DataDir).Msg("starting server")
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return failure("server error", err)
				}
				return nil
			case <-cmd.Context().Done():
			}

			a.logger.Info().Msg("shutting down server")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Shutdown(ctx); err != nil {
				return failure("server shutdown failed", err)
			}
			a.logger.Info().Msg("server stopped")
			return nil
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		name    string
		roles   string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.AuthSigningKey == "" {
				return commandError("AUTH_SIGNING_KEY is not set")
			}
			var list []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					list = append(list, r)
				}
			}
			token, err := auth.IssueToken(a.jwtConfig(), subject, name, list, ttl)
			if err != nil {
				return failure("issue token", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "test_user", "token subject")
	cmd.Flags().StringVar(&name, "name", auth.DevUserName, "display name of the prescriber")
	cmd.Flags().StringVar(&roles, "roles", auth.RoleDoctor, "comma-separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
