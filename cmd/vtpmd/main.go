// vtpmd exposes a software TPM engine as a character-device-style
// endpoint for a virtual-machine monitor and its management tools.
//
// The endpoint carries TPM command/response traffic over read/write and
// a control-plane command set (lifecycle, locality, hashing,
// establishment bit, state-blob migration) over ioctl-style control
// messages. Persistent TPM state lives in the directory named by the
// TPM_PATH environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"vtpmd/internal/config"
	"vtpmd/internal/device"
	"vtpmd/internal/engine"
	"vtpmd/internal/health"
	"vtpmd/internal/logging"
	"vtpmd/internal/nvram"
	"vtpmd/internal/security"
	"vtpmd/internal/tracing"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const usage = `usage: vtpmd [options]

The following options are supported:

-n NAME|--name=NAME :  device name (default: the config file's device_name, vtpm0)
-M MAJ|--maj=MAJ    :  device major number
-m MIN|--min=MIN    :  device minor number
-r USER|--runas=USER:  drop privileges to USER once the endpoint is up
--config=<path>     :  configuration file (toml, yaml or json)
--key file=<path>[,mode=aes-cbc][,format=hex|binary][,remove=true|false]
                    :  use an AES key for the encryption of the TPM's state;
                       the key is provided as a hex string or in binary format
--key pwdfile=<path>[,mode=aes-cbc][,remove=true|false]
                    :  provide a passphrase in a file; the AES key will be
                       derived from this passphrase
--migration-key file=<path>[,mode=aes-cbc][,format=hex|binary][,remove=true|false]
--migration-key pwdfile=<path>[,mode=aes-cbc][,remove=true|false]
                    :  use an AES key for the encryption of the TPM's state
                       when it is retrieved via the control channel
--log file=<path>|fd=<filedescriptor>
                    :  write the log into the given file rather than to the
                       console; provide '-' for path to avoid logging
-h|--help           :  display this help screen and terminate
-v|--version        :  display version and terminate

Make sure that the TPM_PATH environment variable points to the directory
where the TPM's state is kept.
`

func main() {
	os.Exit(run())
}

func run() int {
	var (
		name       string
		major      uint
		minor      uint
		runas      string
		configPath string
		keyOpt     string
		migKeyOpt  string
		logOpt     string
		help       bool
		version    bool
	)

	fs := flag.NewFlagSet("vtpmd", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	fs.StringVar(&name, "n", "", "device name")
	fs.StringVar(&name, "name", "", "device name")
	fs.UintVar(&major, "M", 0, "device major number")
	fs.UintVar(&major, "maj", 0, "device major number")
	fs.UintVar(&minor, "m", 0, "device minor number")
	fs.UintVar(&minor, "min", 0, "device minor number")
	fs.StringVar(&runas, "r", "", "drop privileges to user")
	fs.StringVar(&runas, "runas", "", "drop privileges to user")
	fs.StringVar(&configPath, "config", "", "configuration file")
	fs.StringVar(&keyOpt, "key", "", "state encryption key option")
	fs.StringVar(&migKeyOpt, "migration-key", "", "migration key option")
	fs.StringVar(&logOpt, "log", "", "log destination option")
	fs.BoolVar(&help, "h", false, "display help")
	fs.BoolVar(&help, "help", false, "display help")
	fs.BoolVar(&version, "v", false, "display version")
	fs.BoolVar(&version, "version", false, "display version")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if help {
		fmt.Print(usage)
		return 0
	}
	if version {
		fmt.Printf("vtpmd version %s (built %s)\n", Version, BuildTime)
		return 0
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not load configuration: %v\n", err)
		return 1
	}
	defer loader.Close()

	// Command-line options win over the config file.
	if name != "" {
		cfg.DeviceName = name
	}
	if major != 0 {
		cfg.Major = uint32(major)
	}
	if minor != 0 {
		cfg.Minor = uint32(minor)
	}
	if runas != "" {
		cfg.RunAs = runas
	}
	if cfg.DeviceName == "" {
		fmt.Fprintln(os.Stderr, "Error: device name missing")
		return 2
	}

	logOpts, err := parseLogOption(logOpt, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}
	if err := logging.Setup(logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}
	loader.OnChange(func(c *config.Config) {
		if err := logging.SetLevel(c.LogLevel); err != nil {
			slog.Warn("could not apply new log level", "error", err)
		}
	})
	if err := loader.Watch(); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}

	if cfg.TracePath != "" {
		exporter, err := tracing.NewFileExporter(cfg.TracePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not open trace file: %v\n", err)
			return 3
		}
		tracing.InitTracer(&tracing.TracerConfig{
			ServiceName: "vtpmd",
			Exporter:    exporter,
			Enabled:     true,
		})
		defer tracing.Shutdown()
	}

	fileKey, err := nvram.ParseKeyOption(keyOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}
	migrationKey, err := nvram.ParseKeyOption(migKeyOpt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}

	store := nvram.New(cfg.StateDir, fileKey, migrationKey)
	defer store.Close()

	eng, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 3
	}

	var drop func() error
	if cfg.RunAs != "" {
		identity, err := security.LookupUser(cfg.RunAs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 5
		}
		drop = identity.Drop
	}

	tpm := device.New(device.Config{
		Engine: eng,
		Store:  store,
		RequestExit: func() {
			slog.Info("vtpm device is shutting down", "device", cfg.DeviceName)
			os.Exit(0)
		},
		DropPrivileges: drop,
	})

	server := device.NewServer(tpm, cfg.SocketPath())

	checker := health.NewChecker()
	checker.RegisterFunc("engine", false, func(ctx context.Context) health.CheckResult {
		if tpm.Running() {
			return health.CheckResult{Status: health.StatusHealthy, Message: "engine running"}
		}
		// Legal state before the first INIT control command.
		return health.CheckResult{Status: health.StatusDegraded, Message: "engine not initialized"}
	})
	checker.RegisterFunc("storage", false, health.DatabaseCheck(store.Ping))
	checker.RegisterFunc("endpoint", true, health.CustomCheck(func() error {
		if !server.Running() {
			return fmt.Errorf("endpoint not accepting connections")
		}
		return nil
	}))

	if cfg.HealthAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/livez", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/healthz", checker.HealthHandler())
		healthSrv := &http.Server{Addr: cfg.HealthAddress, Handler: mux}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health endpoint failed", "error", err)
			}
		}()
		defer healthSrv.Close()
		slog.Info("health endpoint up", "address", cfg.HealthAddress)
	}

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 4
	}
	defer server.Stop()
	checker.SetReady(true)

	slog.Info("vtpm device ready",
		"device", cfg.DeviceName,
		"major", cfg.Major,
		"minor", cfg.Minor,
		"socket", cfg.SocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("terminating on signal", "signal", sig.String())

	return 0
}

// buildEngine constructs the configured engine backend.
func buildEngine(cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EngineSocket:
		return engine.NewSocket(engine.SocketConfig{
			CommandAddress:  cfg.EngineCommandAddress,
			PlatformAddress: cfg.EnginePlatformAddress,
		}), nil
	case config.EngineDevice:
		return engine.NewPassthrough(cfg.EngineDevicePath), nil
	case config.EngineNoop:
		return engine.NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Engine)
	}
}

// parseLogOption interprets --log file=<path>|fd=<n> over the config
// file's log settings.
func parseLogOption(opt string, cfg *config.Config) (logging.Options, error) {
	opts := logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Path:   cfg.LogPath,
	}
	if opt == "" {
		return opts, nil
	}

	k, v, found := strings.Cut(opt, "=")
	if !found {
		return opts, fmt.Errorf("invalid log option %q", opt)
	}
	switch k {
	case "file":
		opts.Path = v
	case "fd":
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid log fd %q", v)
		}
		switch n {
		case 1, 2:
			opts.Path = ""
		default:
			return opts, fmt.Errorf("unsupported log fd %d", n)
		}
	default:
		return opts, fmt.Errorf("invalid log option %q", opt)
	}
	return opts, nil
}
