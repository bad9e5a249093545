// Command usbbackd is the process wiring for one guest USB pass-through
// connection: flag parsing, daemonization, and signal handling in the
// teacher's main.go/daemon.go style, adapted from "discover and serve
// every IPP-over-USB device" to "drive exactly one guest<->backend
// connection, identified by its configuration-store nodes, from
// InitWait through to a torn-down Closed".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/xen-project/usbback/internal/busevents"
	"github.com/xen-project/usbback/internal/hostusb"
	"github.com/xen-project/usbback/internal/lifecycle"
	"github.com/xen-project/usbback/internal/store"
	"github.com/xen-project/usbback/internal/usbconfig"
	"github.com/xen-project/usbback/internal/usblog"
	"github.com/xen-project/usbback/internal/vusb"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    run     - run one connection in the foreground
    bg      - like run, but daemonize first
    check   - validate configuration and exit

Options are:
    -config path     - configuration file (default /etc/usbback.ini)
    -guest id         - guest domain id (decimal)
    -backend path     - backend store node, e.g. backend/vusb/7/0
    -frontend path    - frontend store node, e.g. device/vusb/0
`

// RunMode mirrors the teacher's RunMode enum, trimmed to the modes this
// single-connection daemon actually supports.
type RunMode int

const (
	RunDefault RunMode = iota
	RunForeground
	RunBackground
	RunCheck
)

func (m RunMode) String() string {
	switch m {
	case RunForeground:
		return "run"
	case RunBackground:
		return "bg"
	case RunCheck:
		return "check"
	default:
		return "default"
	}
}

// runParameters is the parsed command line, the single-connection
// analogue of the teacher's RunParameters.
type runParameters struct {
	Mode         RunMode
	ConfigPath   string
	GuestID      uint32
	BackendNode  string
	FrontendNode string
	DaemonChild  bool // set on the re-exec'd child started by daemonize
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() runParameters {
	params := runParameters{
		Mode:       RunForeground,
		ConfigPath: "/etc/usbback.ini",
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		next := func() string {
			i++
			if i >= len(args) {
				usageError("Missing value for %s", arg)
			}
			return args[i]
		}

		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "run":
			params.Mode = RunForeground
		case "bg":
			params.Mode = RunBackground
		case "check":
			params.Mode = RunCheck
		case "-config":
			params.ConfigPath = next()
		case "-guest":
			v, err := strconv.ParseUint(next(), 10, 32)
			if err != nil {
				usageError("Invalid -guest value")
			}
			params.GuestID = uint32(v)
		case "-backend":
			params.BackendNode = next()
		case "-frontend":
			params.FrontendNode = next()
		case "-daemon-child":
			params.DaemonChild = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	return params
}

func main() {
	params := parseArgv()

	conf, err := usbconfig.Load(params.ConfigPath)
	if err != nil {
		conf = usbconfig.Default()
	}

	mainLog := usblog.ToConsole(conf.LogMain)

	if params.Mode == RunCheck {
		if err != nil {
			mainLog.Error("%v", err)
			os.Exit(1)
		}
		mainLog.Info("configuration file: %s: OK", params.ConfigPath)
		os.Exit(0)
	}

	if params.BackendNode == "" || params.FrontendNode == "" {
		usageError("-backend and -frontend are required")
	}

	if params.Mode == RunBackground {
		if err := daemonize(); err != nil {
			mainLog.Error("daemonize: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if params.DaemonChild {
		if fileLog, err := usblog.ToFile("/var/log/usbbackd.log", conf.LogMain); err == nil {
			mainLog = fileLog
		} else {
			mainLog.Error("open log file: %v (logging to console instead)", err)
		}
		if err := closeStdInOutErr(); err != nil {
			mainLog.Error("close std handles: %v", err)
		}
	}

	adapter := hostusb.NewAdapter()
	registry := vusb.NewRegistry(conf.DeviceRegistryBound)
	registry.Log = mainLog

	// A real deployment plugs its own store.Tree client in here; see
	// internal/store's package doc for why the wire protocol to the
	// actual control plane is out of scope.
	tree := store.NewMemTree()

	var publisher *busevents.Publisher
	if conf.StatsAnnounceIntervalSeconds > 0 {
		publisher, err = busevents.NewPublisher(mainLog)
		if err != nil {
			mainLog.Error("busevents: %v (statistics announcements disabled)", err)
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	conn := lifecycle.NewConnection(tree, params.BackendNode, params.FrontendNode, adapter, registry, mainLog, params.GuestID, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		mainLog.Info("signal received, requesting barrier teardown")
		cancel()
	}()

	mainLog.Info("connection %08x: starting (%s / %s)", params.GuestID, params.BackendNode, params.FrontendNode)
	runErr := conn.Run(ctx)
	if ctx.Err() != nil {
		// Run bailed out mid-handshake because of the signal above;
		// still try to drain and release whatever got claimed rather
		// than leaving the device and ring mapping stuck.
		mainLog.Info("connection %08x: signalled, running barrier teardown", params.GuestID)
		if err := conn.Barrier(context.Background()); err != nil {
			mainLog.Error("connection %08x: barrier teardown: %v", params.GuestID, err)
		}
	} else if runErr != nil {
		mainLog.Error("connection %08x: %v", params.GuestID, runErr)
		os.Exit(1)
	}
	mainLog.Info("connection %08x: finished", params.GuestID)
}
