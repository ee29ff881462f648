package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matt-riley/covercheck/internal/repository"
)

type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, key repository.APIKey) (string, string, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

func newAPIKeyCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd(root), newAPIKeyRevokeCmd(root))
	return cmd
}

func newAPIKeyCreateCmd(root *rootOptions) *cobra.Command {
	var key repository.APIKey

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print its bearer token once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPIKeyStore(cmd.Context(), root, func(store apiKeyStore) error {
				return createAPIKey(cmd.Context(), store, key, cmd.OutOrStdout())
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&key.Name, "name", "", "descriptive key name")
	flags.StringVar(&key.Username, "username", "", "actor username recorded in audit records")
	flags.StringVar(&key.Scope, "scope", "", "employer id the key is restricted to")
	flags.BoolVar(&key.Privileged, "privileged", false, "allow checks for members of any employer")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func newAPIKeyRevokeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an active API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPIKeyStore(cmd.Context(), root, func(store apiKeyStore) error {
				return revokeAPIKey(cmd.Context(), store, args[0], cmd.OutOrStdout())
			})
		},
	}
}

func withAPIKeyStore(ctx context.Context, root *rootOptions, fn func(apiKeyStore) error) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(repository.NewPostgresRepository(pool))
}

func createAPIKey(ctx context.Context, store apiKeyStore, key repository.APIKey, w io.Writer) error {
	key.Username = strings.TrimSpace(key.Username)
	key.Scope = strings.TrimSpace(key.Scope)
	if key.Username == "" {
		return errors.New("username is required")
	}
	if key.Privileged && key.Scope != "" {
		return errors.New("a privileged key cannot be scoped")
	}

	id, secret, err := store.CreateAPIKey(ctx, key)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "id:    %s\ntoken: %s.%s\n", id, id, secret)
	return nil
}

func revokeAPIKey(ctx context.Context, store apiKeyStore, keyID string, w io.Writer) error {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return errors.New("key id is required")
	}
	if err := store.RevokeAPIKey(ctx, keyID); err != nil {
		return err
	}

	fmt.Fprintf(w, "revoked %s\n", keyID)
	return nil
}
