package commands

import (
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/alan-christopher/bb84sim/config"
	"github.com/alan-christopher/bb84sim/log"
	"github.com/alan-christopher/bb84sim/store"
)

const defaultConfig = `
[Session]
  NumSlots = 1024
  SampleSize = 64
`

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg     *config.Config
	backend *log.Backend
	log     *logging.Logger
}

func (a *app) load(cmd *cobra.Command) error {
	var err error
	if a.configPath == "" {
		a.cfg, err = config.Load([]byte(defaultConfig))
	} else {
		a.cfg, err = config.LoadFile(a.configPath)
	}
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		a.cfg.Store.Path = a.dbPath
	}
	level := a.cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	if a.cfg.Logging.File == "" && !a.cfg.Logging.Disable {
		a.backend, err = log.NewStream(cmd.ErrOrStderr(), level)
	} else {
		a.backend, err = log.New(a.cfg.Logging.File, level, a.cfg.Logging.Disable)
	}
	if err != nil {
		return err
	}
	a.log = a.backend.GetLogger("bb84")
	return nil
}

func (a *app) close() error {
	if a.backend == nil {
		return nil
	}
	return a.backend.Close()
}

func (a *app) openStore() (*store.Store, error) {
	if a.cfg.Store.Path == "" {
		return nil, errNoStore
	}
	return store.Open(a.cfg.Store.Path)
}

// NewRootCmd builds the bb84 command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bb84",
		Short:         "Simulate BB84 quantum key distribution",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "TOML config file (default: built-in)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "session record database, overrides [Store] Path")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level, overrides [Logging] Level")

	root.AddCommand(runCmd(a), recordsCmd(a), showCmd(a))
	return root
}

// Execute runs the bb84 CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}
