package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dffmpeg-io/coordinator/internal/keyring"
	"github.com/dffmpeg-io/coordinator/internal/repositories"
)

func newSecurityCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Key ring maintenance",
	}
	cmd.AddCommand(newGenerateKeyCmd())
	cmd.AddCommand(newReencryptCmd(configPath))
	return cmd
}

func newGenerateKeyCmd() *cobra.Command {
	var (
		algorithm string
		keyID     string
	)

	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate a key ring secret for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch algorithm {
			case keyring.AlgorithmAESGCM, keyring.AlgorithmChaCha20:
			default:
				return usagef("--algorithm must be %s or %s, got %q",
					keyring.AlgorithmAESGCM, keyring.AlgorithmChaCha20, algorithm)
			}

			secret, err := keyring.GenerateSecret()
			if err != nil {
				return err
			}

			fmt.Printf("%s:%s\n", algorithm, secret)
			fmt.Printf("\nAdd to the coordinator config (or the keyring file):\n\n")
			fmt.Printf("  auth:\n")
			fmt.Printf("    keyring:\n")
			fmt.Printf("      default_key_id: %q\n", keyID)
			fmt.Printf("      keys:\n")
			fmt.Printf("        %q: \"%s:%s\"\n", keyID, algorithm, secret)
			fmt.Printf("\nThen run 'dffmpeg-admin security re-encrypt' to seal existing identities.\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&algorithm, "algorithm", keyring.AlgorithmAESGCM,
		"AEAD for new encryptions: "+keyring.AlgorithmAESGCM+" or "+keyring.AlgorithmChaCha20)
	cmd.Flags().StringVar(&keyID, "id", time.Now().UTC().Format("2006-01"),
		"Key id to use in the printed config snippet")
	return cmd
}

func newReencryptCmd(configPath *string) *cobra.Command {
	var (
		clientID  string
		keyID     string
		decrypt   bool
		limit     int
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "re-encrypt",
		Short: "Re-seal stored HMAC keys under a key ring entry",
		Long: `Re-encrypts the stored HMAC keys of identities that are not yet sealed
under the target key: plaintext rows get sealed, rows on an old ring entry
get moved. The target is --key-id, defaulting to the ring's default key.
--decrypt reverses the direction and strips encryption. One identity can be
targeted with --client-id; otherwise all eligible identities are processed
in batches.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if decrypt && keyID != "" {
				return usagef("--decrypt and --key-id are mutually exclusive")
			}
			if batchSize < 1 {
				return usagef("--batch-size must be at least 1")
			}

			env, closeFn, err := openEnv(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			// The write repository seals under the target: a ring with the
			// target as default, or an empty ring for --decrypt.
			var (
				target    string
				writeRing *keyring.Ring
			)
			if decrypt {
				writeRing, err = keyring.New(nil, "")
			} else {
				target = keyID
				if target == "" {
					target = env.ring.DefaultID()
				}
				if env.ring.Empty() {
					return usagef("no key ring configured; add one with 'security generate-key' first")
				}
				if !env.ring.Has(target) {
					return usagef("unknown key id %q, ring has %v", target, env.ring.IDs())
				}
				writeRing, err = keyring.New(env.cfg.Auth.Keyring.Keys, target)
			}
			if err != nil {
				return err
			}
			writeRepo := repositories.NewIdentityRepository(env.database, writeRing)

			if clientID != "" {
				return reencryptOne(cmd.Context(), env, writeRepo, clientID, target)
			}
			return reencryptAll(cmd.Context(), env, writeRepo, target, limit, batchSize)
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "Re-encrypt a single identity")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Target key id (default: the ring's default key)")
	cmd.Flags().BoolVar(&decrypt, "decrypt", false, "Strip encryption and store keys in plaintext")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many identities (0 = all)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Identities per batch")
	return cmd
}

func reencryptOne(ctx context.Context, env *adminEnv, writeRepo repositories.IdentityRepository, clientID, target string) error {
	identity, err := env.identities.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return usagef("no identity with client id %q", clientID)
		}
		return err
	}
	if identity.KeyID == target {
		fmt.Printf("identity %s is already on %s\n", clientID, describeTarget(target))
		return nil
	}

	identity.UpdatedAt = time.Now().UTC()
	if err := writeRepo.Update(ctx, identity); err != nil {
		return err
	}
	fmt.Printf("✓ identity %s now on %s\n", clientID, describeTarget(target))
	return nil
}

func reencryptAll(ctx context.Context, env *adminEnv, writeRepo repositories.IdentityRepository, target string, limit, batchSize int) error {
	total := 0
	for {
		n := batchSize
		if limit > 0 && limit-total < n {
			n = limit - total
		}
		if n <= 0 {
			break
		}

		batch, err := env.identities.ListForRotation(ctx, target, n)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		now := time.Now().UTC()
		for i := range batch {
			batch[i].UpdatedAt = now
			if err := writeRepo.Update(ctx, &batch[i]); err != nil {
				return fmt.Errorf("identity %s: %w", batch[i].ClientID, err)
			}
		}
		total += len(batch)
		fmt.Printf("  re-encrypted %d identities (total %d)\n", len(batch), total)

		if len(batch) < n {
			break
		}
	}

	fmt.Printf("✓ %d identities now on %s\n", total, describeTarget(target))
	return nil
}

func describeTarget(target string) string {
	if target == "" {
		return "plaintext storage"
	}
	return fmt.Sprintf("key %q", target)
}
