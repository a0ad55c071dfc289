package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddrecorder/ddrecorder/crypto"
	"github.com/ddrecorder/ddrecorder/youtubeapi"
)

func NewAuthCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize the upload account",
		Long:  "Runs the OAuth consent flow for the upload account by hand. With the status server running, /auth/youtube/start does the same in a browser.",
	}
	cmd.AddCommand(newAuthURLCmd(deps))
	cmd.AddCommand(newAuthExchangeCmd(deps))
	cmd.AddCommand(newAuthSealCmd(deps))
	return cmd
}

func newAuthURLCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "url",
		Short: "Print the consent URL to open in a browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if err := cfg.ValidateUploadReady(); err != nil {
				return err
			}
			b := make([]byte, 16)
			if _, err := rand.Read(b); err != nil {
				return err
			}
			// the token store is not touched until exchange
			url := youtubeService(cfg, nil).AuthCodeURL(hex.EncodeToString(b))
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}
}

func newAuthExchangeCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange <code>",
		Short: "Trade the authorization code for a token and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if err := cfg.ValidateUploadReady(); err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			tok, err := youtubeService(cfg, st.tokens).Exchange(ctx, args[0])
			if err != nil {
				return fmt.Errorf("exchange: %w", err)
			}
			if tok.RefreshToken == "" {
				return errors.New("token stored but no refresh token was issued; revoke access and authorize again")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token stored (expires %s)\n", tok.Expiry.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newAuthSealCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Re-write the stored token encrypted with ENCRYPTION_KEY",
		Long:  "Reads the stored upload token (plaintext or already sealed) and writes it back sealed with ENCRYPTION_KEY. Run it once after turning encryption on. Running it again is harmless.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv(crypto.KeyEnv) == "" {
				return fmt.Errorf("%s is required to seal tokens", crypto.KeyEnv)
			}
			ctx := cmd.Context()
			st, err := openStores(ctx, deps.Config)
			if err != nil {
				return err
			}
			defer st.Close()
			sealed, err := sealToken(ctx, st.tokens, youtubeapi.Provider)
			if err != nil {
				return err
			}
			if !sealed {
				fmt.Fprintln(cmd.OutOrStdout(), "no token stored; nothing to seal")
				return nil
			}
			deps.Logs.Logger().Info("token sealed", slog.String("provider", youtubeapi.Provider))
			fmt.Fprintln(cmd.OutOrStdout(), "token sealed")
			return nil
		},
	}
}

// sealToken round-trips provider's token through store, whose writes seal.
func sealToken(ctx context.Context, store youtubeapi.TokenStore, provider string) (bool, error) {
	access, refresh, expiry, raw, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, fmt.Errorf("read token: %w", err)
	}
	if access == "" && refresh == "" {
		return false, nil
	}
	if err := store.UpsertOAuthToken(ctx, provider, access, refresh, expiry, raw); err != nil {
		return false, fmt.Errorf("write token: %w", err)
	}
	return true, nil
}
