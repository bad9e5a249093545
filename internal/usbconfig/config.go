// Package usbconfig loads and validates the backend's ambient
// configuration file: log levels per subsystem, the bound on the
// process-wide device registry, the default autosuspend state for newly
// claimed devices, how often statistics get announced, and where the
// configuration-store control socket lives.
package usbconfig

import (
	"fmt"

	"gopkg.in/ini.v1"

	"github.com/xen-project/usbback/internal/usblog"
)

// Configuration holds every ambient, validated setting the backend
// needs outside of the per-connection protocol state.
type Configuration struct {
	LogMain   usblog.LogLevel
	LogRing   usblog.LogLevel
	LogDevice usblog.LogLevel

	// DeviceRegistryBound is the maximum number of simultaneously
	// claimed (bus, device) pairs the process-wide registry will hold.
	DeviceRegistryBound int

	// AutosuspendDefault is loaded and validated but is not passed to
	// the device claimer: vusb.Registry.Claim always starts a claim
	// with autosuspend disabled, whatever this value is.
	AutosuspendDefault bool

	// StatsAnnounceIntervalSeconds switches busevents statistics
	// announcements on or off: zero disables them entirely (the
	// in-process Stats() accessor still works), any positive value
	// enables them. The value does not set the period; each connection
	// announces on lifecycle's fixed five-second interval.
	StatsAnnounceIntervalSeconds int

	// StoreSocketPath is the Unix domain socket a real deployment's
	// store.Tree implementation listens on.
	StoreSocketPath string
}

// Default returns the configuration used when no file is present,
// matching the values a fresh install would want.
func Default() Configuration {
	return Configuration{
		LogMain:                      usblog.LogError | usblog.LogInfo,
		LogRing:                      usblog.LogError,
		LogDevice:                    usblog.LogError | usblog.LogInfo,
		DeviceRegistryBound:          256,
		AutosuspendDefault:           false,
		StatsAnnounceIntervalSeconds: 5,
		StoreSocketPath:              "/run/usbback/store.sock",
	}
}

// Load reads and validates the configuration file at path. Missing
// fields keep their Default() value; present-but-malformed fields are
// reported via confBadValue-style errors that name the section, key,
// and value.
func Load(path string) (Configuration, error) {
	conf := Default()

	f, err := ini.Load(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("usbconfig: load %q: %w", path, err)
	}

	if sec, err := f.GetSection("logging"); err == nil {
		if err := loadLogLevel(sec, "main", &conf.LogMain); err != nil {
			return Configuration{}, err
		}
		if err := loadLogLevel(sec, "ring", &conf.LogRing); err != nil {
			return Configuration{}, err
		}
		if err := loadLogLevel(sec, "device", &conf.LogDevice); err != nil {
			return Configuration{}, err
		}
	}

	if sec, err := f.GetSection("devices"); err == nil {
		if k, err := sec.GetKey("registry_bound"); err == nil {
			v, err := k.Int()
			if err != nil || v <= 0 {
				return Configuration{}, confBadValue("devices", "registry_bound", k.String())
			}
			conf.DeviceRegistryBound = v
		}
		if k, err := sec.GetKey("autosuspend_default"); err == nil {
			v, err := k.Bool()
			if err != nil {
				return Configuration{}, confBadValue("devices", "autosuspend_default", k.String())
			}
			conf.AutosuspendDefault = v
		}
	}

	if sec, err := f.GetSection("stats"); err == nil {
		if k, err := sec.GetKey("announce_interval_seconds"); err == nil {
			v, err := k.Int()
			if err != nil || v < 0 {
				return Configuration{}, confBadValue("stats", "announce_interval_seconds", k.String())
			}
			conf.StatsAnnounceIntervalSeconds = v
		}
	}

	if sec, err := f.GetSection("store"); err == nil {
		if k, err := sec.GetKey("socket_path"); err == nil && k.String() != "" {
			conf.StoreSocketPath = k.String()
		}
	}

	return conf, nil
}

func loadLogLevel(sec *ini.Section, key string, dst *usblog.LogLevel) error {
	k, err := sec.GetKey(key)
	if err != nil {
		return nil
	}
	level, ok := parseLogLevel(k.String())
	if !ok {
		return confBadValue("logging", key, k.String())
	}
	*dst = level
	return nil
}

// parseLogLevel accepts a comma-separated list of level names, e.g.
// "error,info,debug".
func parseLogLevel(s string) (usblog.LogLevel, bool) {
	names := map[string]usblog.LogLevel{
		"error":      usblog.LogError,
		"info":       usblog.LogInfo,
		"debug":      usblog.LogDebug,
		"trace-ring": usblog.LogTraceRing,
		"trace-usb":  usblog.LogTraceUSB,
		"all":        usblog.LogAll,
	}

	var level usblog.LogLevel
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			word := s[start:i]
			start = i + 1
			if word == "" {
				continue
			}
			bit, ok := names[word]
			if !ok {
				return 0, false
			}
			level |= bit
		}
	}
	return level, true
}

func confBadValue(section, key, value string) error {
	return fmt.Errorf("usbconfig: [%s] %s: bad value %q", section, key, value)
}
