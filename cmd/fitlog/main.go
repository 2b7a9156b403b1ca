// Command fitlog drives the fitlog sync, backup and migration core from the
// command line.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitlog/backend/internal/config"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

type cliState struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg   *config.Config
	integ *integration.Integration
	out   io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	st := &cliState{out: out}
	root := &cobra.Command{
		Use:           "fitlog",
		Short:         "Offline-first sync, backup and recovery for fitlog data",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return st.close()
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVarP(&st.configPath, "config", "c", "", "config file (default ./fitlog.yaml or ~/.fitlog/fitlog.yaml)")
	pf.StringVarP(&st.dataDir, "data-dir", "d", "", "data directory, overrides data_dir")
	pf.StringVar(&st.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newStatusCmd(st),
		newSyncCmd(st),
		newDecideCmd(st),
		newConditionsCmd(st),
		newBackupCmd(st),
		newRestoreCmd(st),
		newLoginCmd(st),
		newLogoutCmd(st),
		newWriteCmd(st),
		newDeadLettersCmd(st),
		newReportCmd(st),
	)
	return root
}

func (st *cliState) load() error {
	cfg, err := config.Load(st.configPath)
	if err != nil {
		return err
	}
	if st.dataDir != "" {
		cfg.DataDir = st.dataDir
		cfg.Backup.Dir = ""
	}
	if st.logLevel != "" {
		cfg.Log.Level = st.logLevel
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	integration.InitLogging(cfg.Log)
	st.cfg = cfg
	return nil
}

// open initializes the Integration on first use.
func (st *cliState) open(ctx context.Context) (*integration.Integration, error) {
	if st.integ != nil {
		return st.integ, nil
	}
	integ := integration.New(integration.Options{Config: st.cfg})
	if err := integ.Initialize(ctx); err != nil {
		return nil, err
	}
	st.integ = integ
	return integ, nil
}

func (st *cliState) close() error {
	if st.integ == nil {
		return nil
	}
	err := st.integ.Close()
	st.integ = nil
	return err
}

func (st *cliState) print(v interface{}) error {
	enc := json.NewEncoder(st.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout)
	err := root.ExecuteContext(ctx)
	_ = logging.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
