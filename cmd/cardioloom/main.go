package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/detector"
	"github.com/openfluke/cardioloom/engine"
	"github.com/openfluke/cardioloom/gpu"
	"github.com/openfluke/cardioloom/model"
)

func main() {
	configPath := flag.String("config", "", "JSON configuration file (defaults are used when empty)")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this file and exit")
	backend := flag.String("backend", "", "Override the backend (cpu or gpu)")
	epochs := flag.Int("epochs", 0, "Override the number of epochs")
	gainFactor := flag.Float64("gain-factor", 0.5, "Scale applied to the true gains to build the starting model")
	out := flag.String("out", "results.json", "Results output file")
	deltasOut := flag.String("deltas", "", "Write parameter deltas against the true model to this file")
	verbose := flag.Bool("v", false, "Print per-epoch progress")
	debug := flag.Bool("debug", false, "Trace device operations")
	detect := flag.Bool("detect", false, "Print the GPU capability report and exit")
	observeURL := flag.String("observe", "", "POST per-epoch progress events as JSON to this URL")
	stats := flag.Bool("stats", false, "Print per-epoch state statistics")
	flag.Parse()

	if *detect {
		rep, err := detector.DetectJSON()
		if err != nil {
			log.Fatalf("GPU detection failed: %v", err)
		}
		fmt.Println(rep)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *backend != "" {
		cfg.Algorithm.Backend = config.Backend(*backend)
	}
	if *epochs > 0 {
		cfg.Algorithm.Epochs = *epochs
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *writeConfig != "" {
		if err := cfg.Save(*writeConfig); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("✓ Wrote %s\n", *writeConfig)
		return
	}
	engine.Verbose = *verbose
	gpu.Debug = gpu.Debug || *debug

	sim := cfg.Simulation
	truth, err := model.NewGrid(cfg.Model, sim.Steps, sim.Beats)
	if err != nil {
		log.Fatalf("Failed to build grid: %v", err)
	}
	data, err := engine.Simulate(truth, sim.Steps, sim.MeasurementNoiseStd, sim.Seed)
	if err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
	start := truth.Clone()
	for i := range start.AP.Gains.Data {
		start.AP.Gains.Data[i] *= float32(*gainFactor)
	}

	fmt.Printf("Grid %dx%dx%d: %d states, %d sensors, %d steps, %d beats\n",
		cfg.Model.VoxelsX, cfg.Model.VoxelsY, cfg.Model.VoxelsZ,
		truth.NumStates(), truth.NumSensors(), sim.Steps, sim.Beats)

	alg := &cfg.Algorithm
	var b engine.Backend
	switch alg.Backend {
	case config.GPU:
		b, err = gpu.NewBackend(start, data, alg)
	default:
		b, err = engine.NewCPUBackend(start, data, alg)
	}
	if err != nil {
		log.Fatalf("Failed to create %s backend: %v", alg.Backend, err)
	}
	defer b.Close()

	var observers []engine.EpochObserver
	if *stats {
		observers = append(observers, &engine.ConsoleObserver{})
	}
	if *observeURL != "" {
		observers = append(observers, engine.NewHTTPObserver(*observeURL))
	}
	results, err := engine.Run(b, alg, observers...)
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}
	if results.Epochs > 0 {
		fmt.Printf("Final loss (%s): %.6g\n", b.Name(), results.Metrics.EpochLoss(results.Epochs-1))
	}

	deltas, err := results.CompareTo(truth)
	if err != nil {
		log.Fatalf("Comparison failed: %v", err)
	}
	fmt.Printf("Gain MAE: %.6g  Average delay MAE: %.6g samples\n", deltas.GainsMAE, deltas.AverageDelaysMAE)

	if *out != "" {
		if err := results.SaveJSON(*out); err != nil {
			log.Fatalf("Failed to save results: %v", err)
		}
		fmt.Printf("✓ Results written to %s (run %s)\n", *out, results.ID)
	}
	if *deltasOut != "" {
		raw, err := json.MarshalIndent(deltas, "", "  ")
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(*deltasOut, raw, 0644); err != nil {
			log.Fatalf("Failed to write deltas: %v", err)
		}
	}
}
