package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/devplace/bandwidth"
	"github.com/sarchlab/devplace/device"
	"github.com/sarchlab/devplace/placement"
	"github.com/sarchlab/devplace/timemodel"
)

var src = flag.String("src", "cpu", "The device the payload starts on.")
var dst = flag.String("dst", "accel:0", "The device the payload moves to.")
var repeats = flag.Int("repeats", 10, "Number of transfers per payload size.")
var minExp = flag.Int("min-exp", 3, "The smallest payload is 10^min-exp bytes.")
var maxExp = flag.Int("max-exp", 8, "The largest payload is 10^max-exp bytes.")
var resultFile = flag.String("result-file", "./bandwidth.csv",
	"The file the raw samples are written to.")
var platformFile = flag.String("platform", "",
	"YAML file describing the devices and links. Defaults to one CPU and "+
		"two accelerators.")
var seed = flag.Uint64("seed", 0, "Seed of the payload content.")
var logLevel = flag.String("log-level", "INFO", "Log level.")

func main() {
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "bwprobe",
		Level: hclog.LevelFromString(*logLevel),
	})

	srcID, err := placement.ParseDeviceName(*src)
	exitOnError(logger, "invalid source device", err)
	dstID, err := placement.ParseDeviceName(*dst)
	exitOnError(logger, "invalid target device", err)

	config := device.DefaultPlatformConfig()
	if *platformFile != "" {
		config, err = device.LoadPlatformConfig(*platformFile)
		exitOnError(logger, "cannot load the platform", err)
	}

	platform, err := device.NewPlatform(config,
		timemodel.NewRooflineTimeEstimator(config.LaunchOverheadUS*1e-6))
	exitOnError(logger, "cannot build the platform", err)

	f, err := os.Create(*resultFile)
	exitOnError(logger, "cannot create the result file", err)
	atexit.Register(func() {
		if err := f.Close(); err != nil {
			logger.Error("cannot close the result file", "error", err)
		}
	})

	log, err := bandwidth.NewLog(f)
	exitOnError(logger, "cannot write the result file", err)

	prober := bandwidth.NewProber(platform, *seed)
	prober.SetLogger(logger.Named("prober"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	samples, err := prober.Sweep(ctx, srcID, dstID,
		bandwidth.Sizes(*minExp, *maxExp), *repeats, log)
	exitOnError(logger, "sweep failed", err)

	for _, s := range bandwidth.Summarize(samples) {
		logger.Debug("summary", "bytes", s.PayloadBytes, "samples", s.Samples,
			"mean_mbps", s.MeanMbps, "stddev_mbps", s.StdDevMbps)
	}

	stop()
	atexit.Exit(0)
}

func exitOnError(logger hclog.Logger, msg string, err error) {
	if err == nil {
		return
	}

	logger.Error(msg, "error", err)
	atexit.Exit(1)
}
