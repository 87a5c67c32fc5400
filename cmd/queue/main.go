package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/queue/internal/daemon"
	"github.com/CZERTAINLY/queue/internal/log"
	"github.com/CZERTAINLY/queue/internal/model"
)

const exitNoCommand = 255 // exit(-1)

var userConfigPath string // /default/config/path/queue on given OS

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "queue")
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// cli holds flag values and the configuration resolved from them
type cli struct {
	configPath string // actual config file used (if loaded)
	config     model.Config

	flagConfigFilePath string
	flagCommand        string
	flagConsumers      int
	flagVerbose        bool
	flagPersistent     bool
	flagRunDir         string
	flagStatus         bool

	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	c := &cli{stderr: stderr}
	rootCmd := c.command()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrNoCommand):
		_, _ = fmt.Fprint(stderr, rootCmd.UsageString())
		return exitNoCommand
	default:
		slog.Error("queue failed", "error", err)
		return 1
	}
}

func (c *cli) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "queue -c command [flags] | queue [flags] -- command...",
		Short: "Executes a command, queuing it behind the commands already running",
		Long: `Executes a command, allowing to queue others after it, or running up to
N simultaneous and queuing the next ones. Sending commands while another queue
exists sends the new ones to the existing queue, also from different terminals.`,
		Version:           version(),
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: c.init,
		RunE:              c.run,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&c.flagCommand, "command", "c", "", "command to be executed or to be put in queue")
	flags.IntVarP(&c.flagConsumers, "consumers", "p", model.DefaultConsumers, "maximum number of simultaneous commands")
	flags.BoolVarP(&c.flagVerbose, "verbose", "v", false, "displays information and debug messages")
	flags.BoolVarP(&c.flagPersistent, "persistent", "n", false, "queue stays alive and ready after finishing current commands")
	flags.BoolVarP(&c.flagStatus, "status", "s", false, "report the running queue and exit")
	flags.StringVar(&c.flagRunDir, "run-dir", "", "directory for the pid marker and the submission channel")
	flags.StringVar(&c.flagConfigFilePath, "config", "", "config file to load - default is queue.yaml in current directory or in "+userConfigPath)

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
		_ = cmd.Usage()
		return err
	})
	return rootCmd
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	d := daemon.New(c.config)

	if c.flagStatus {
		return doStatus(cmd.OutOrStdout(), d)
	}

	command := c.flagCommand
	if command == "" {
		command = strings.Join(args, " ")
	}
	if strings.TrimSpace(command) == "" {
		return model.ErrNoCommand
	}

	outcome, err := d.Run(ctx, command)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "queue finished", "outcome", outcome.String())
	return nil
}

func doStatus(out io.Writer, d *daemon.Daemon) error {
	pid, alive, err := d.Status()
	if err != nil {
		return err
	}
	rec := d.Record()
	if !alive {
		_, err = fmt.Fprintf(out, "queue: no running queue (%s)\n", rec.Channel)
		return err
	}
	_, err = fmt.Fprintf(out, "queue: running at [%d] (%s)\n", pid, rec.Channel)
	return err
}

// init reads the config file and applies the flags on top of it
func (c *cli) init(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("QUEUECONFIG"); ok {
		c.configPath = envConfig
	} else if c.flagConfigFilePath != "" {
		c.configPath = c.flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "queue.yaml")
			if exists(path) {
				c.configPath = path
				break
			}
		}
	}

	if c.configPath == "" {
		c.config = model.DefaultConfig()
	} else {
		f, err := os.Open(c.configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		c.config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", c.configPath, err)
		}
	}

	// flags have a precedence over config file
	flags := cmd.Flags()
	if flags.Changed("consumers") {
		c.config.Consumers = c.flagConsumers
	}
	if flags.Changed("persistent") {
		c.config.Persistent = c.flagPersistent
	}
	if flags.Changed("verbose") {
		c.config.Verbose = c.flagVerbose
	}
	if flags.Changed("run-dir") {
		c.config.RunDir = c.flagRunDir
	}
	if err := c.config.Validate(); err != nil {
		return err
	}

	slog.SetDefault(log.New(c.config.Verbose, c.stderr))
	slog.Debug("queue run", "configPath", c.configPath)
	slog.Debug("queue run", "config", c.config)
	return nil
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "(unknown)"
	}
	v := info.Main.Version
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			v += " (" + s.Value + ")"
		}
	}
	return v
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
