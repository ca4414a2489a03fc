// Copyright (c) 2020-2021 The ethminer developers
//
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/molllyn1/ethminer/common"
	"github.com/molllyn1/ethminer/cuda"
	"github.com/molllyn1/ethminer/ethash"
	"github.com/molllyn1/ethminer/farm"
	"github.com/molllyn1/ethminer/log"
	"github.com/molllyn1/ethminer/metrics"
)

const (
	// cachedEpochs is how many generated epoch contexts are kept in
	// memory; the current and next epoch cover the steady state, one
	// more absorbs late solutions from the previous epoch.
	cachedEpochs = 3

	// metricsInterval is the process metrics collection period.
	metricsInterval = time.Second * 3
)

func main() {
	// Use all processor cores; light cache and dataset generation are
	// embarrassingly parallel.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := minerMain(); err != nil {
		os.Exit(1)
	}
}

// minerMain is the real main function.  It is separate so deferred cleanup
// runs, which would not happen after os.Exit().
func minerMain() error {
	// Load configuration and parse the command line.  This also
	// initializes logging and configures it accordingly.
	cfg, _, err := common.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() {
		log.LogWrite().Close()
	}()
	defer log.Info("Shutdown complete")

	log.Info("System info", "ethminer version", common.String(), "Go version", runtime.Version())

	rt := cuda.NewEmulator(cfg.DeviceConfig.EmuDevices, cfg.DeviceConfig.DeviceMemory<<20)
	if cfg.CommandConfig.ListDevices {
		listDevices(rt)
		return nil
	}

	deviceCfg, err := cuda.ConfigFromFlags(&cfg.DeviceConfig)
	if err != nil {
		log.Error("Invalid device configuration", "err", err)
		return err
	}
	coord := cuda.NewCoordinator(rt, deviceCfg)
	epochs := ethash.NewProvider(cachedEpochs)

	f, err := farm.New(coord, epochs, farm.Config{
		StatusInterval: time.Duration(cfg.OptionConfig.StatusInterval) * time.Second,
	})
	if err != nil {
		log.Error("Failed to assemble farm", "err", err)
		return err
	}
	feeder := farm.NewFeeder(f, farm.FeederConfig{
		Epoch:        cfg.BenchConfig.BenchEpoch,
		Difficulty:   cfg.BenchConfig.BenchDiff,
		Interval:     time.Duration(cfg.BenchConfig.WorkInterval) * time.Second,
		JobsPerEpoch: cfg.BenchConfig.EpochInterval,
	})

	if cfg.OptionConfig.Metrics {
		go metrics.CollectProcessMetrics(metricsInterval)
	}

	f.Start()
	feeder.Start()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-interrupt:
		log.Info("Got interrupt, exiting...")
	case <-f.Dead():
		log.Error("No workers left running, exiting...")
	}

	feeder.Stop()
	f.Stop()
	log.Info("All services exited")
	return nil
}

// listDevices prints every discoverable device with its capabilities, then
// returns.  Informational only; nothing here touches the mining path.
func listDevices(rt cuda.Runtime) {
	fmt.Printf("Listing %s devices\n", rt.Name())
	fmt.Printf("%-3s %-8s %-24s %-5s %-4s %10s\n", "Id", "Pci Id", "Name", "SM", "MPs", "Memory")
	for i := 0; i < rt.DeviceCount(); i++ {
		props, err := rt.Properties(i)
		if err != nil {
			fmt.Printf("%-3d unavailable: %v\n", i, err)
			continue
		}
		fmt.Printf("%-3d %-8s %-24s %-5s %-4d %10s\n", i, props.PCIID(), props.Name,
			props.ComputeVersion(), props.MultiProcessors, common.FormatBytes(props.TotalMemory))
	}
}
