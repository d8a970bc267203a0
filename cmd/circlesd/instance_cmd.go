package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/nextcloud/circles-sub000/pkg/signatory"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the Ed25519 signing key of this instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.KeyFile); err == nil && !force {
				return errors.Errorf("%s already exists, use --force to replace it", cfg.KeyFile)
			}

			key, err := signatory.GenerateKey(signatory.KeyIDFor(cfg.FrontalScheme, cfg.LocalInstance))
			if err != nil {
				return err
			}
			if err := key.Save(cfg.KeyFile); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "key id:     %s\n", key.KeyID)
			_, _ = fmt.Fprintf(out, "public key: %s\n", key.PublicKey())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key; remote instances will distrust this one until re-promoted")
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		trust     string
		challenge bool
	)
	cmd := &cobra.Command{
		Use:   "discover <address>",
		Short: "Fetch, store and optionally trust the identity of a remote instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), func(ctx context.Context, n *node) error {
				remote, err := n.signatory.Refresh(ctx, args[0])
				if err != nil {
					return err
				}
				if challenge {
					if err := n.signatory.ConfirmChallenge(ctx, remote, uuid.NewString()); err != nil {
						return err
					}
				}
				if trust != "" {
					remote, err = n.signatory.SetType(ctx, remote.Instance, signatory.InstanceType(trust))
					if err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "instance:   %s\n", remote.Instance)
				_, _ = fmt.Fprintf(out, "key id:     %s\n", remote.ID)
				_, _ = fmt.Fprintf(out, "public key: %s\n", remote.PublicKey)
				_, _ = fmt.Fprintf(out, "type:       %s\n", remote.Type)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trust, "type", "", "grant a trust type: Passive, External or Trusted")
	cmd.Flags().BoolVar(&challenge, "challenge", false, "confirm the instance holds its published key before storing the type")
	return cmd
}
