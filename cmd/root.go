// Package cmd provides the hwmanager command-line interface. Commands open the
// device over the configured transport and drive installs and firmware
// updates through the manager backend.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jwoglom/hwmanager/pkg/api"
	"github.com/jwoglom/hwmanager/pkg/bluetooth"
	"github.com/jwoglom/hwmanager/pkg/config"
	"github.com/jwoglom/hwmanager/pkg/device"
	"github.com/jwoglom/hwmanager/pkg/events"
	"github.com/jwoglom/hwmanager/pkg/manager"
	"github.com/jwoglom/hwmanager/pkg/subprocess"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	traceLevel bool
	infoLevel  bool

	configPath  string
	transport   string
	proxyCmd    string
	deviceID    string
	monitorAddr string
	provider    int
)

// app holds what every command needs once flags are parsed
type app struct {
	cfg     *config.Config
	env     *config.Env
	bus     *events.Bus
	opener  device.Opener
	client  *manager.Client
	monitor *api.Server
}

var current *app

var rootCmd = &cobra.Command{
	Use:           "hwmanager",
	Short:         "Manage apps and firmware on a hardware wallet",
	Long:          `hwmanager installs and removes apps and updates firmware on a hardware wallet by relaying device exchanges to the manager backend.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		current = a
		return nil
	},
}

// Execute runs the CLI application
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&traceLevel, "verbose", "v", false, "verbose off by default, TraceLevel")
	flags.BoolVarP(&infoLevel, "quiet", "q", false, "quiet off by default, InfoLevel")
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&transport, "transport", "", "Device transport: ble or proxy")
	flags.StringVar(&proxyCmd, "proxy-cmd", "", "Bridge command for the proxy transport ({device} is replaced by the device id)")
	flags.StringVar(&deviceID, "device", "", "Device id or name (empty for the first device found)")
	flags.StringVar(&monitorAddr, "monitor", "", "Serve the monitor API on this address, e.g. :8080")
	flags.IntVar(&provider, "provider", 0, "Force the backend provider id")
}

func setupLogging() {
	if traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if infoLevel {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("proxy-cmd") {
		cfg.ProxyCmd = proxyCmd
	}
	if flags.Changed("device") {
		cfg.DeviceID = deviceID
	}
	if flags.Changed("monitor") {
		cfg.MonitorAddr = monitorAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !traceLevel && !infoLevel && cfg.LogLevel != "" {
		if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(lvl)
		} else {
			log.Warnf("Ignoring invalid log_level %q", cfg.LogLevel)
		}
	}

	env := config.NewEnv()
	if err := cfg.ApplyTo(env); err != nil {
		return nil, err
	}
	if flags.Changed("provider") {
		if err := env.Set(config.ForceProvider, strconv.Itoa(provider)); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, env: env, bus: events.NewBus(0)}

	switch cfg.Transport {
	case config.TransportProxy:
		a.opener = subprocess.NewOpener(cfg.ProxyCmd, 0)
	default:
		a.opener = bluetooth.NewOpener(10 * time.Second)
	}

	a.client = manager.NewClient(env, manager.Options{
		Sink: events.Combine(events.LogSink{}, a.bus),
	})

	if cfg.MonitorAddr != "" {
		a.monitor = api.New(env, a.bus)
		go func() {
			if err := a.monitor.Start(context.Background(), cfg.MonitorAddr); err != nil {
				log.Errorf("Monitor API stopped: %v", err)
			}
		}()
	}
	return a, nil
}

// commandContext is canceled on SIGINT or SIGTERM
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withDevice opens the configured device and reads its info
func (a *app) withDevice(ctx context.Context, fn func(h device.Handle, info device.Info) error) error {
	return device.WithDevice(ctx, a.opener, a.cfg.DeviceID, func(h device.Handle) error {
		info, err := device.GetInfo(ctx, h)
		if err != nil {
			return fmt.Errorf("failed to read device info: %w", err)
		}
		return fn(h, info)
	})
}
