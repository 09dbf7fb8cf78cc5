package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/hashicorp/go-hclog"
	"github.com/tebeka/atexit"
	"gitlab.com/akita/akita/v3/monitoring"

	"github.com/sarchlab/devplace/dataset"
	"github.com/sarchlab/devplace/device"
	"github.com/sarchlab/devplace/executor"
	"github.com/sarchlab/devplace/model"
	"github.com/sarchlab/devplace/placement"
	"github.com/sarchlab/devplace/timemodel"
	"github.com/sarchlab/devplace/trainer"
)

var epochs = flag.Int("epochs", 10, "Number of epochs to train the network for.")
var datasetName = flag.String("dataset", "mnist",
	"The dataset that the network should be trained on. [mnist, cats_vs_dogs]")
var learningRate = flag.Float64("lr", 0.01, "Learning rate of the optimizer.")
var batchSize = flag.Int("batch_size", 128, "Batch size for the learning process.")
var placementArg = flag.String("placement", "accel:0",
	"Placement of the network; either a single device such as accel:0 "+
		"(cuda is an alias of accel) or the path to a JSON file mapping "+
		"layer names to device indices.")
var platformFile = flag.String("platform", "",
	"YAML file describing the devices and links. Defaults to one CPU and "+
		"two accelerators.")
var logLevel = flag.String("log-level", "INFO", "Log level.")
var monitorOn = flag.Bool("monitor", false, "Serve the simulation monitor.")
var workers = flag.Int("workers", 2, "Number of batches prepared ahead.")
var seed = flag.Uint64("seed", 0, "Seed of the synthetic data and the weights.")
var trainSize = flag.Int("train-size", 6400, "Number of training examples.")
var testSize = flag.Int("test-size", 1280, "Number of test examples.")

func init() {
	flag.StringVar(placementArg, "p", "accel:0", "Shorthand for -placement.")
}

func main() {
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "devplace",
		Level: hclog.LevelFromString(*logLevel),
	})

	config := trainer.DefaultConfig()
	config.Epochs = *epochs
	config.Dataset = *datasetName
	config.LearningRate = *learningRate
	config.BatchSize = *batchSize
	config.Workers = *workers
	config.Seed = *seed
	config.TrainSize = *trainSize
	config.TestSize = *testSize

	info, err := config.Validate()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		atexit.Exit(1)
	}

	platform := buildPlatform(logger)

	network := model.NewStaged(info.Features, info.Classes, *seed)
	plan := resolvePlacement(logger, platform, network)

	e, err := executor.New(network, plan, platform, executor.Options{
		LearningRate: config.LearningRate,
		Logger:       logger.Named("executor"),
	})
	if err != nil {
		logger.Error("cannot place the network", "error", err)
		atexit.Exit(1)
	}

	train, test := dataset.NewSyntheticSplits(info.Name,
		config.TrainSize, config.TestSize, info.Features, info.Classes, *seed)

	driver := trainer.NewDriver(config, e, platform)
	driver.SetData(train, test)
	driver.SetLogger(logger.Named("trainer"))
	driver.SetHostDevice(platform.Config().HostDevice())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_, err = driver.Run(ctx)
	if err != nil {
		logger.Error("training failed", "error", err)
		stop()
		atexit.Exit(1)
	}

	stats := platform.Stats()
	logger.Info("done", "kernels", stats.Kernels, "transfers", stats.Transfers,
		"transfer_bytes", stats.TransferBytes,
		"simulated_seconds", float64(platform.CurrentTime()))

	stop()
	atexit.Exit(0)
}

func buildPlatform(logger hclog.Logger) *device.Platform {
	config := device.DefaultPlatformConfig()
	if *platformFile != "" {
		var err error
		config, err = device.LoadPlatformConfig(*platformFile)
		if err != nil {
			logger.Error("cannot load the platform", "error", err)
			atexit.Exit(1)
		}
	}

	platform, err := device.NewPlatform(config,
		timemodel.NewRooflineTimeEstimator(config.LaunchOverheadUS*1e-6))
	if err != nil {
		logger.Error("cannot build the platform", "error", err)
		atexit.Exit(1)
	}

	if *monitorOn {
		monitor := monitoring.NewMonitor()
		platform.RegisterMonitor(monitor)
		monitor.StartServer()
	}

	return platform
}

func resolvePlacement(
	logger hclog.Logger,
	platform *device.Platform,
	network *model.Network,
) placement.Plan {
	spec, err := placement.ParseSpec(*placementArg)
	if err != nil {
		logger.Error("cannot read the placement", "error", err)
		atexit.Exit(1)
	}

	plan, err := placement.Resolve(spec, platform.Registry(), network.Layout())
	if err != nil {
		logger.Error("cannot resolve the placement", "error", err)
		atexit.Exit(1)
	}

	logger.Info("placement resolved", "input", plan.InputDevice(),
		"output", plan.OutputDevice(), "devices", plan.Devices())

	return plan
}
