package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/transport"
)

func initCmd(e *env) *cobra.Command {
	var (
		listen    string
		storeKind string
		redisURL  string
		kdfMemory uint32
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a node address, options file and store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(e.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", e.configPath)
			}
			if err := os.MkdirAll(e.home, 0o700); err != nil {
				return err
			}

			addr, err := transport.NewAddress()
			if err != nil {
				return err
			}

			opts := peerchat.NewOptions()
			opts.Address = addr.String()
			opts.DataDir = e.home
			opts.Store = peerchat.StoreKind(storeKind)
			opts.RedisURL = redisURL
			if listen != "" {
				opts.ListenAddress = listen
			}
			if kdfMemory > 0 {
				opts.KDF.MemoryKiB = kdfMemory
			}
			if err := opts.Validate(); err != nil {
				return err
			}

			st, err := e.openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
			if err := peerchat.SaveOptions(e.configPath, opts); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Node created.\nAddress: %s\nOptions: %s\n", addr, e.configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "UDP listen address (default 0.0.0.0:7443)")
	cmd.Flags().StringVar(&storeKind, "store", string(peerchat.StoreFile), "store backend: file, redis or memory")
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "redis URL for the redis store")
	cmd.Flags().Uint32Var(&kdfMemory, "kdf-memory", 0, "argon2id memory in KiB for the file store key")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing options file")
	return cmd
}
