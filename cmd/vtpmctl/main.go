// vtpmctl is the control CLI for vtpmd.
//
//	vtpmctl init            (Re)initialize the TPM engine
//	vtpmctl stop            Stop the TPM engine
//	vtpmctl shutdown        Stop the engine and terminate the daemon
//	vtpmctl caps            Show the supported operations
//	vtpmctl established     Query the establishment bit
//	vtpmctl reset-established <locality>
//	vtpmctl locality <n>    Set the command locality
//	vtpmctl hash <file>     Run an external hash sequence over a file
//	vtpmctl cancel          Attempt to cancel the running command
//	vtpmctl store-volatile  Materialize the volatile state blob
//	vtpmctl get-blob <type> Fetch a state blob
//	vtpmctl set-blob <type> <file>
//	vtpmctl config          Show the daemon's key configuration
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"vtpmd/internal/config"
	"vtpmd/internal/devproto"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configPath  = flag.String("config", "", "path to config file")
	socketPath  = flag.String("socket", "", "endpoint socket path (overrides config)")
	showVersion = flag.Bool("version", false, "show version information")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: vtpmctl [flags] <command> [args]

COMMANDS:
    init [-d]               (Re)initialize the TPM engine; -d deletes the
                            volatile state first
    stop                    Stop the TPM engine
    shutdown                Stop the engine and terminate the daemon
    caps                    Show the supported operations
    established             Query the establishment bit
    reset-established <n>   Reset the establishment bit at locality n
    locality <n>            Set the command locality
    hash <file>             Run an external hash sequence over a file ('-' for stdin)
    cancel                  Attempt to cancel the running command
    store-volatile          Materialize the volatile state blob
    get-blob [-decrypt] [-o file] <permanent|volatile|savestate>
    set-blob [-encrypted] <permanent|volatile|savestate> <file>
    config                  Show the daemon's key configuration

FLAGS:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("vtpmctl version %s (built %s)\n", Version, BuildTime)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	client, err := dial()
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	switch args[0] {
	case "init":
		cmdInit(client, args[1:])
	case "stop":
		reportResult(client.Stop())
	case "shutdown":
		reportResult(client.Shutdown())
	case "caps":
		cmdCaps(client)
	case "established":
		cmdEstablished(client)
	case "reset-established":
		cmdResetEstablished(client, args[1:])
	case "locality":
		cmdLocality(client, args[1:])
	case "hash":
		cmdHash(client, args[1:])
	case "cancel":
		reportResult(client.CancelTpmCmd())
	case "store-volatile":
		reportResult(client.StoreVolatile())
	case "get-blob":
		cmdGetBlob(client, args[1:])
	case "set-blob":
		cmdSetBlob(client, args[1:])
	case "config":
		cmdConfig(client)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
}

func dial() (*devproto.Client, error) {
	path := *socketPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.SocketPath()
	}
	return devproto.Dial(path)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// reportResult prints a TPM result and exits nonzero on failure.
func reportResult(res devproto.Result, err error) {
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", res)
	if res != devproto.Success {
		os.Exit(1)
	}
}

func cmdInit(client *devproto.Client, args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	deleteVolatile := fs.Bool("d", false, "delete the volatile state before init")
	fs.Parse(args)

	var flags uint32
	if *deleteVolatile {
		flags |= devproto.InitFlagDeleteVolatile
	}
	reportResult(client.Init(flags))
}

func cmdCaps(client *devproto.Client) {
	caps, err := client.GetCapability()
	if err != nil {
		fatal(err)
	}

	names := []struct {
		bit  devproto.Capability
		name string
	}{
		{devproto.CapInit, "INIT"},
		{devproto.CapShutdown, "SHUTDOWN"},
		{devproto.CapGetTpmEstablished, "GET_TPMESTABLISHED"},
		{devproto.CapSetLocality, "SET_LOCALITY"},
		{devproto.CapHashing, "HASHING"},
		{devproto.CapCancelTpmCmd, "CANCEL_TPM_CMD"},
		{devproto.CapStoreVolatile, "STORE_VOLATILE"},
		{devproto.CapResetTpmEstablished, "RESET_TPMESTABLISHED"},
		{devproto.CapGetStateBlob, "GET_STATEBLOB"},
		{devproto.CapSetStateBlob, "SET_STATEBLOB"},
		{devproto.CapStop, "STOP"},
		{devproto.CapGetConfig, "GET_CONFIG"},
	}

	fmt.Printf("capabilities: 0x%08x\n", uint32(caps))
	for _, n := range names {
		if caps&n.bit != 0 {
			fmt.Printf("  %s\n", n.name)
		}
	}
}

func cmdEstablished(client *devproto.Client) {
	bit, res, err := client.GetTpmEstablished()
	if err != nil {
		fatal(err)
	}
	if res != devproto.Success {
		fmt.Printf("%s\n", res)
		os.Exit(1)
	}
	fmt.Printf("established: %d\n", bit)
}

func cmdResetEstablished(client *devproto.Client, args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("reset-established requires a locality"))
	}
	loc, err := parseLocality(args[0])
	if err != nil {
		fatal(err)
	}
	reportResult(client.ResetTpmEstablished(loc))
}

func cmdLocality(client *devproto.Client, args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("locality requires a value"))
	}
	loc, err := parseLocality(args[0])
	if err != nil {
		fatal(err)
	}
	reportResult(client.SetLocality(loc))
}

func parseLocality(s string) (uint8, error) {
	var loc uint8
	if _, err := fmt.Sscanf(s, "%d", &loc); err != nil {
		return 0, fmt.Errorf("invalid locality %q", s)
	}
	return loc, nil
}

func cmdHash(client *devproto.Client, args []string) {
	if len(args) != 1 {
		fatal(fmt.Errorf("hash requires a file ('-' for stdin)"))
	}

	var (
		data []byte
		err  error
	)
	if args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		fatal(err)
	}

	if res, err := client.HashStart(); err != nil || res != devproto.Success {
		reportResult(res, err)
		return
	}
	if res, err := client.HashData(data); err != nil || res != devproto.Success {
		reportResult(res, err)
		return
	}
	reportResult(client.HashEnd())
}

func parseBlobType(s string) (devproto.BlobType, error) {
	switch s {
	case "permanent":
		return devproto.BlobPermanent, nil
	case "volatile":
		return devproto.BlobVolatile, nil
	case "savestate":
		return devproto.BlobSaveState, nil
	default:
		return 0, fmt.Errorf("unknown blob type %q", s)
	}
}

func cmdGetBlob(client *devproto.Client, args []string) {
	fs := flag.NewFlagSet("get-blob", flag.ExitOnError)
	decrypt := fs.Bool("decrypt", false, "request the decrypted blob")
	output := fs.String("o", "", "write the blob to a file instead of stdout")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatal(fmt.Errorf("get-blob requires a blob type"))
	}
	blobType, err := parseBlobType(fs.Arg(0))
	if err != nil {
		fatal(err)
	}

	data, encrypted, err := client.GetStateBlob(blobType, *decrypt)
	if err != nil {
		fatal(err)
	}

	if *output != "" {
		if err := os.WriteFile(*output, data, 0o600); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "%d bytes written to %s (encrypted: %v)\n",
			len(data), *output, encrypted)
		return
	}
	os.Stdout.Write(data)
}

func cmdSetBlob(client *devproto.Client, args []string) {
	fs := flag.NewFlagSet("set-blob", flag.ExitOnError)
	encrypted := fs.Bool("encrypted", false, "the blob is encrypted")
	fs.Parse(args)

	if fs.NArg() != 2 {
		fatal(fmt.Errorf("set-blob requires a blob type and a file"))
	}
	blobType, err := parseBlobType(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	data, err := os.ReadFile(fs.Arg(1))
	if err != nil {
		fatal(err)
	}

	reportResult(client.SetStateBlob(blobType, data, *encrypted))
}

func cmdConfig(client *devproto.Client) {
	flags, res, err := client.GetConfig()
	if err != nil {
		fatal(err)
	}
	if res != devproto.Success {
		fmt.Printf("%s\n", res)
		os.Exit(1)
	}

	fmt.Printf("config flags: 0x%08x\n", flags)
	if flags&devproto.ConfigFlagFileKey != 0 {
		fmt.Println("  FILE_KEY")
	}
	if flags&devproto.ConfigFlagMigrationKey != 0 {
		fmt.Println("  MIGRATION_KEY")
	}
}
