package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat/peer"
	"github.com/opd-ai/peerchat/transport"
)

func tokenCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect bootstrap tokens",
	}
	cmd.AddCommand(tokenIssueCmd(e), tokenShowCmd(), tokenListCmd(e))
	return cmd
}

func tokenIssueCmd(e *env) *cobra.Command {
	var (
		ttl    time.Duration
		phrase string
		keyID  string
	)

	cmd := &cobra.Command{
		Use:   "issue <peer-address>",
		Short: "Create a one-time token for pairing with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := transport.ParseAddress(args[0])
			if err != nil {
				return err
			}
			opts, err := e.loadOptions()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = opts.TokenLifetime
			}

			tok, err := peer.NewToken(addr, ttl, time.Now())
			if err != nil {
				return err
			}
			if phrase != "" {
				id := tok.KeyID
				if keyID != "" {
					if id, err = transport.ParseKeyID(keyID); err != nil {
						return err
					}
				}
				if tok, err = peer.TokenFromPassphrase(id, addr, phrase, tok.Expiration, opts.KDF); err != nil {
					return err
				}
			}

			st, err := e.openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.PutToken(cmd.Context(), tok); err != nil {
				return err
			}

			printToken(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.OutOrStdout(), "Bundle:  %s\n", tok)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from options)")
	cmd.Flags().StringVar(&phrase, "phrase", "", "derive the secret from a shared phrase")
	cmd.Flags().StringVar(&keyID, "key-id", "", "hex key id to use with --phrase")
	return cmd
}

func tokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <bundle>",
		Short: "Decode a token bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := peer.ParseBundleString(args[0])
			if err != nil {
				return err
			}
			printToken(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func tokenListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := e.loadOptions()
			if err != nil {
				return err
			}
			st, err := e.openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			tokens, err := st.ListTokens(cmd.Context())
			if err != nil {
				return err
			}
			for _, tok := range tokens {
				printToken(cmd.OutOrStdout(), tok)
			}
			return nil
		},
	}
}

func printToken(w io.Writer, tok *peer.Token) {
	state := "valid"
	if !tok.ValidAt(time.Now()) {
		state = "expired"
	}
	fmt.Fprintf(w, "Key id:  %s\nPeer:    %s\nExpires: %s (%s)\n",
		tok.KeyID, tok.PeerAddress, tok.Expiration.Format(time.RFC3339), state)
}
