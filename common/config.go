// Copyright (c) 2020-2021 The ethminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	l "github.com/molllyn1/ethminer/log"

	mapset "github.com/deckarep/golang-set"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "ethminer.conf"
)

var (
	minerHomeDir          = GetCurrentDir()
	defaultLogLevel       = "info"
	defaultStatusInterval = 20
	defaultStreams        = 2
	defaultBlockSize      = 128
	defaultGridSize       = 8192
	defaultParallelHash   = 4
	defaultSchedule       = "sync"
	defaultDagLoadMode    = "sequential"
	defaultBenchDiff      = uint64(100000)
	defaultWorkInterval   = 15
)

// Tunable whitelists checked by validateConfig.
var (
	validBlockSizes   = []int{32, 64, 128, 256}
	validParallelHash = []int{1, 2, 4, 8}
	validSchedules    = []string{"auto", "spin", "yield", "sync"}
	validLoadModes    = []string{"parallel", "sequential"}
)

type CommandConfig struct {
	ListDevices bool `short:"l" long:"list-devices" description:"List available devices and exit."`
	Version     bool `short:"v" long:"version" description:"Show the version of the miner and exit."`
}

type FileConfig struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	// Debugging options
	MinerLogFile string `long:"minerlog" description:"Write miner log file"`
}

type OptionalConfig struct {
	LogLevel       string `long:"log_level" description:"info|debug|error|warn|trace" default-mask:"info"`
	StatusInterval int    `long:"status_interval" description:"Seconds between hashrate status reports." default-mask:"20"`
	Metrics        bool   `long:"metrics" description:"Enable process metrics collection (expvar exported)."`
}

// DeviceConfig carries the per-device tunables. They are applied only when a
// device is reset for a dataset rebuild, never mid-search.
type DeviceConfig struct {
	UseDevices   string `long:"use_devices" description:"Comma separated device indexes to mine on, e.g. 0,1. Use -l to list. Defaults to all devices."`
	Streams      int    `long:"cuda-streams" description:"Number of command streams per device." default-mask:"2"`
	BlockSize    int    `long:"cuda-block-size" description:"Search kernel block size (32|64|128|256)." default-mask:"128"`
	GridSize     int    `long:"cuda-grid-size" description:"Search kernel grid size." default-mask:"8192"`
	ParallelHash int    `long:"cuda-parallel-hash" description:"Hashes computed per kernel thread (1|2|4|8)." default-mask:"4"`
	Schedule     string `long:"cuda-schedule" description:"Device schedule strategy auto|spin|yield|sync." default-mask:"sync"`
	DagLoadMode  string `long:"dag-load-mode" description:"DAG generation order across devices sequential|parallel." default-mask:"sequential"`
	EmuDevices   int    `long:"emu-devices" description:"Number of emulated devices presented by the built-in runtime." default-mask:"1"`
	DeviceMemory uint64 `long:"device-memory" description:"Per-device memory of the emulated runtime in MB. 0 sizes it from host memory." default-mask:"0"`

	// Devices holds the parsed UseDevices list after validation.
	Devices []int
}

type BenchConfig struct {
	BenchEpoch    int    `short:"b" long:"bench-epoch" description:"Epoch to benchmark against." default-mask:"0"`
	BenchDiff     uint64 `long:"bench-diff" description:"Difficulty of simulated work (boundary = 2^256/diff)." default-mask:"100000"`
	WorkInterval  int    `long:"work-interval" description:"Seconds between simulated work updates." default-mask:"15"`
	EpochInterval int    `long:"epoch-interval" description:"Advance to the next epoch after this many simulated jobs. 0 stays on one epoch." default-mask:"0"`
}

type GlobalConfig struct {
	OptionConfig  OptionalConfig
	LogConfig     FileConfig
	CommandConfig CommandConfig
	DeviceConfig  DeviceConfig
	BenchConfig   BenchConfig
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(minerHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func LoadConfig() (*GlobalConfig, []string, error) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	return loadConfig(appName, os.Args[1:])
}

func loadConfig(appName string, args []string) (*GlobalConfig, []string, error) {
	// Default config.
	commandCfg := CommandConfig{}
	fileCfg := FileConfig{}
	optionalCfg := OptionalConfig{
		LogLevel:       defaultLogLevel,
		StatusInterval: defaultStatusInterval,
	}
	deviceCfg := DeviceConfig{
		Streams:      defaultStreams,
		BlockSize:    defaultBlockSize,
		GridSize:     defaultGridSize,
		ParallelHash: defaultParallelHash,
		Schedule:     defaultSchedule,
		DagLoadMode:  defaultDagLoadMode,
		EmuDevices:   1,
	}
	benchCfg := BenchConfig{
		BenchDiff:    defaultBenchDiff,
		WorkInterval: defaultWorkInterval,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preParser := flags.NewNamedParser(appName, flags.HelpFlag)

	_, err := preParser.AddGroup("Command Options", "One-shot informational commands", &commandCfg)
	if err != nil {
		return nil, []string{}, err
	}
	_, err = preParser.AddGroup("Config File Options", "Config file and log file locations", &fileCfg)
	if err != nil {
		return nil, []string{}, err
	}
	_, err = preParser.AddGroup("Optional Options", "Logging and reporting knobs", &optionalCfg)
	if err != nil {
		return nil, []string{}, err
	}
	_, err = preParser.AddGroup("Device Options", "Per-device search tunables", &deviceCfg)
	if err != nil {
		return nil, []string{}, err
	}
	_, err = preParser.AddGroup("Benchmark Options", "Simulated work source settings", &benchCfg)
	if err != nil {
		return nil, []string{}, err
	}
	_, err = preParser.ParseArgs(args)
	if err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
		return nil, []string{}, err
	}

	if commandCfg.Version {
		fmt.Printf(GetVersion())
		os.Exit(0)
	}

	if fileCfg.ConfigFile != "" {
		fileCfg.ConfigFile = cleanAndExpandPath(fileCfg.ConfigFile)
		err = flags.NewIniParser(preParser).ParseFile(fileCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintln(os.Stderr, err)
				return nil, nil, err
			}
		}
	} else {
		defaultFile := filepath.Join(minerHomeDir, defaultConfigFilename)
		if _, statErr := os.Stat(defaultFile); statErr == nil {
			err = flags.NewIniParser(preParser).ParseFile(defaultFile)
			if err != nil {
				if _, ok := err.(*os.PathError); !ok {
					return nil, nil, err
				}
			}
		} else {
			log.Debug("No config file present, using defaults")
		}
	}

	remainingArgs, err := preParser.ParseArgs(args)
	if err != nil {
		preParser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if fileCfg.MinerLogFile != "" {
		l.InitLogRotator(cleanAndExpandPath(fileCfg.MinerLogFile))
	}
	l.Glogger().Verbosity(ConvertLogLevel(optionalCfg.LogLevel))

	cfg := &GlobalConfig{
		optionalCfg,
		fileCfg,
		commandCfg,
		deviceCfg,
		benchCfg,
	}
	if err := validateConfig(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, remainingArgs, nil
}

// parseDeviceList converts a "0,1,2" style device selection into indexes,
// rejecting malformed and duplicate entries.
func parseDeviceList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	seen := mapset.NewSet()
	devices := make([]int, 0, 4)
	for _, part := range strings.Split(s, ",") {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid device index %q: %v", part, err)
		}
		if idx < 0 {
			return nil, fmt.Errorf("invalid device index %d: must not be negative", idx)
		}
		if !seen.Add(idx) {
			return nil, fmt.Errorf("duplicate device index %d", idx)
		}
		devices = append(devices, idx)
	}
	return devices, nil
}

func validateConfig(cfg *GlobalConfig) error {
	dev := &cfg.DeviceConfig
	if dev.Streams < 1 || dev.Streams > 16 {
		return fmt.Errorf("cuda-streams %d out of range [1,16]", dev.Streams)
	}
	if !InArray(dev.BlockSize, validBlockSizes) {
		return fmt.Errorf("cuda-block-size %d not one of %v", dev.BlockSize, validBlockSizes)
	}
	if dev.GridSize < 1 {
		return fmt.Errorf("cuda-grid-size %d must be positive", dev.GridSize)
	}
	if !InArray(dev.ParallelHash, validParallelHash) {
		return fmt.Errorf("cuda-parallel-hash %d not one of %v", dev.ParallelHash, validParallelHash)
	}
	if !InArray(dev.Schedule, validSchedules) {
		return fmt.Errorf("cuda-schedule %q not one of %v", dev.Schedule, validSchedules)
	}
	if !InArray(dev.DagLoadMode, validLoadModes) {
		return fmt.Errorf("dag-load-mode %q not one of %v", dev.DagLoadMode, validLoadModes)
	}
	if dev.EmuDevices < 1 {
		return fmt.Errorf("emu-devices %d must be at least 1", dev.EmuDevices)
	}
	devices, err := parseDeviceList(dev.UseDevices)
	if err != nil {
		return err
	}
	dev.Devices = devices

	if cfg.OptionConfig.StatusInterval < 1 {
		return fmt.Errorf("status_interval %d must be at least 1 second", cfg.OptionConfig.StatusInterval)
	}
	bench := &cfg.BenchConfig
	if bench.BenchEpoch < 0 {
		return fmt.Errorf("bench-epoch %d must not be negative", bench.BenchEpoch)
	}
	if bench.BenchDiff < 1 {
		return fmt.Errorf("bench-diff must be at least 1")
	}
	if bench.WorkInterval < 1 {
		return fmt.Errorf("work-interval %d must be at least 1 second", bench.WorkInterval)
	}
	if bench.EpochInterval < 0 {
		return fmt.Errorf("epoch-interval %d must not be negative", bench.EpochInterval)
	}
	return nil
}

func GetVersion() string {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	return fmt.Sprintf("%s version %s (Go version %s)\n", appName, String(), runtime.Version())
}

func ConvertLogLevel(level string) l.Lvl {
	switch level {
	case "warn":
		return l.LvlWarn
	case "info":
		return l.LvlInfo
	case "debug":
		return l.LvlDebug
	case "error":
		return l.LvlError
	case "trace":
		return l.LvlTrace
	default:
		return l.LvlDebug
	}
}
