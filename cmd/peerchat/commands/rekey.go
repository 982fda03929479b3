package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/store"
)

func rekeyCmd(e *env) *cobra.Command {
	var newPassphrase string

	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt the file store under a new passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if newPassphrase == "" {
				newPassphrase = os.Getenv("PEERCHAT_NEW_PASSPHRASE")
			}
			if newPassphrase == "" {
				return errors.New("new passphrase required (--new-passphrase or PEERCHAT_NEW_PASSPHRASE)")
			}
			opts, err := e.loadOptions()
			if err != nil {
				return err
			}
			if opts.Store != peerchat.StoreFile {
				return fmt.Errorf("rekey needs the file store, not %q", opts.Store)
			}

			st, err := e.openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer st.Close()

			fs, ok := st.(*store.FileStore)
			if !ok {
				return fmt.Errorf("unexpected store type %T", st)
			}
			if err := fs.Rekey([]byte(newPassphrase)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Store re-encrypted.")
			return nil
		},
	}

	cmd.Flags().StringVar(&newPassphrase, "new-passphrase", "", "passphrase to protect the store from now on")
	return cmd
}
