package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dffmpeg-io/coordinator/internal/auth"
	"github.com/dffmpeg-io/coordinator/internal/db"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

func newUserCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage identities (clients, workers, admins)",
	}
	cmd.AddCommand(newUserListCmd(configPath))
	cmd.AddCommand(newUserShowCmd(configPath))
	cmd.AddCommand(newUserAddCmd(configPath))
	cmd.AddCommand(newUserDeleteCmd(configPath))
	cmd.AddCommand(newUserRotateKeyCmd(configPath))
	return cmd
}

func newUserListCmd(configPath *string) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			identities, total, err := env.identities.List(cmd.Context(), repositories.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT ID\tROLE\tALLOWED CIDRS\tKEY ID\tCREATED")
			for _, id := range identities {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					id.ClientID,
					id.Role,
					joinOrDash(id.AllowedCIDRs),
					orDash(id.KeyID),
					id.CreatedAt.UTC().Format(time.RFC3339),
				)
			}
			w.Flush() //nolint:errcheck
			fmt.Printf("\n%d of %d identities\n", len(identities), total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum identities to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Listing offset")
	return cmd
}

func newUserShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <client-id>",
		Short: "Show one identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			identity, err := env.identities.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return usagef("no identity with client id %q", args[0])
				}
				return err
			}

			fmt.Printf("Client ID:     %s\n", identity.ClientID)
			fmt.Printf("Role:          %s\n", identity.Role)
			fmt.Printf("Allowed CIDRs: %s\n", joinOrDash(identity.AllowedCIDRs))
			fmt.Printf("Key ID:        %s\n", orDash(identity.KeyID))
			fmt.Printf("Key algorithm: %s\n", orDash(identity.KeyAlgorithm))
			fmt.Printf("Created:       %s\n", identity.CreatedAt.UTC().Format(time.RFC3339))
			fmt.Printf("Updated:       %s\n", identity.UpdatedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
}

func newUserAddCmd(configPath *string) *cobra.Command {
	var (
		role    string
		cidrs   []string
		denyAll bool
	)

	cmd := &cobra.Command{
		Use:   "add <client-id>",
		Short: "Create an identity and print its HMAC key",
		Long: `Creates an identity with a fresh random 256-bit HMAC key. The key is
printed exactly once and never recoverable afterwards; use rotate-key if it
is lost. An identity with no allowed CIDRs matches no source address, so an
empty allow-list must be requested explicitly with --deny-all.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID := args[0]

			switch role {
			case db.RoleClient, db.RoleWorker, db.RoleAdmin:
			default:
				return usagef("--role must be client, worker or admin, got %q", role)
			}
			if len(cidrs) == 0 && !denyAll {
				return usagef("no --cidr given; pass --deny-all to create an identity that matches no source address")
			}
			if len(cidrs) > 0 && denyAll {
				return usagef("--cidr and --deny-all are mutually exclusive")
			}
			if _, err := auth.ParseCIDRs(cidrs); err != nil {
				return userError{err}
			}

			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}

			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			now := time.Now().UTC()
			identity := &db.Identity{
				ClientID:     clientID,
				Role:         role,
				HMACKey:      key,
				AllowedCIDRs: db.NewStringSet(cidrs...),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := env.identities.Create(cmd.Context(), identity); err != nil {
				if errors.Is(err, repositories.ErrConflict) {
					return usagef("an identity with client id %q already exists", clientID)
				}
				return err
			}

			fmt.Printf("✓ Identity created\n")
			fmt.Printf("  Client ID:     %s\n", identity.ClientID)
			fmt.Printf("  Role:          %s\n", identity.Role)
			fmt.Printf("  Allowed CIDRs: %s\n", joinOrDash(identity.AllowedCIDRs))
			if identity.KeyID != "" {
				fmt.Printf("  Sealed under:  %s (%s)\n", identity.KeyID, identity.KeyAlgorithm)
			}
			fmt.Printf("\n  HMAC key (shown once, store it now):\n  %s\n", key)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", db.RoleClient, "Role: client, worker or admin")
	cmd.Flags().StringArrayVar(&cidrs, "cidr", nil, "Allowed source CIDR (repeatable)")
	cmd.Flags().BoolVar(&denyAll, "deny-all", false, "Create with an empty allow-list (identity cannot authenticate from anywhere)")
	return cmd
}

func newUserDeleteCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <client-id>",
		Short: "Delete an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usagef("refusing to delete %q without --yes", args[0])
			}

			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := env.identities.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return usagef("no identity with client id %q", args[0])
				}
				return err
			}
			fmt.Printf("✓ Identity %s deleted\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newUserRotateKeyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <client-id>",
		Short: "Issue a fresh HMAC key for an identity",
		Long: `Replaces the identity's HMAC key with a fresh random one and prints it
once. The old key stops verifying immediately, so update the peer before or
right after rotating.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			identity, err := env.identities.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return usagef("no identity with client id %q", args[0])
				}
				return err
			}

			key, err := auth.GenerateKey()
			if err != nil {
				return err
			}
			identity.HMACKey = key
			identity.UpdatedAt = time.Now().UTC()

			if err := env.identities.Update(cmd.Context(), identity); err != nil {
				return err
			}

			fmt.Printf("✓ Key rotated for %s\n", identity.ClientID)
			fmt.Printf("\n  New HMAC key (shown once, store it now):\n  %s\n", key)
			return nil
		},
	}
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
