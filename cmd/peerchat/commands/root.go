// Package commands implements the peerchat command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/peer"
)

const configFileName = "peerchat.yaml"

// env carries the persistent flags shared by every subcommand.
type env struct {
	home       string
	configPath string
	passphrase string
	logLevel   string
	logJSON    bool
}

// Execute runs the peerchat command line.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "peerchat",
		Short:         "Peer-to-peer encrypted chat over UDP",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := e.configureLogging(cmd.ErrOrStderr()); err != nil {
				return err
			}
			if e.home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				e.home = filepath.Join(dir, ".peerchat")
			}
			if e.configPath == "" {
				e.configPath = filepath.Join(e.home, configFileName)
			}
			if e.passphrase == "" {
				e.passphrase = os.Getenv("PEERCHAT_PASSPHRASE")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&e.home, "home", "", "data directory (default ~/.peerchat)")
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "options file (default <home>/peerchat.yaml)")
	root.PersistentFlags().StringVarP(&e.passphrase, "passphrase", "p", "", "passphrase protecting the file and redis stores (or PEERCHAT_PASSPHRASE)")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&e.logJSON, "log-json", false, "log as JSON")

	root.AddCommand(initCmd(e), tokenCmd(e), rekeyCmd(e), runCmd(e))
	return root
}

func (e *env) configureLogging(w io.Writer) error {
	level, err := logrus.ParseLevel(e.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(w)
	if e.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func (e *env) loadOptions() (*peerchat.Options, error) {
	opts, err := peerchat.LoadOptions(e.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no options at %s, run `peerchat init` first", e.configPath)
	}
	return opts, err
}

func (e *env) openStore(ctx context.Context, opts *peerchat.Options) (peer.Store, error) {
	if opts.Store != peerchat.StoreMemory && e.passphrase == "" {
		return nil, errors.New("passphrase required (-p or PEERCHAT_PASSPHRASE)")
	}
	return peerchat.OpenStore(ctx, opts, []byte(e.passphrase))
}
