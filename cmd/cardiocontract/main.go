package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"cardiocontract/internal/logging"
	"cardiocontract/pkg/analysis"
	"cardiocontract/pkg/config"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing the numbered frames of a recording")
	configPath := flag.String("config", "cardiocontract.yaml", "YAML configuration file")
	outputDir := flag.String("output", "cardiocontract_output", "Directory for reports and intermediary results")
	numCores := flag.Int("workers", 0, "Number of goroutines filling the similarity matrix (default: from config)")
	allContractions := flag.Bool("all-contractions", false, "Report every contraction instead of the first one")
	computeSurface := flag.Bool("voxel", false, "Compute the voxel self-similarity surface")
	plots := flag.Bool("plots", false, "Write PNG plots of the signal and profiles")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *allContractions {
		cfg.Contraction.Mode = "all"
	}
	if *plots {
		cfg.Output.Plots = true
	}

	logger, err := logging.NewConsole(cfg.Output.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	params, err := analysis.ParamsFromConfig(cfg, *inputDir, *outputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	fmt.Println("================================")
	fmt.Println("CARDIOMYOCYTE CONTRACTION ANALYSIS FROM SELF-SIMILARITY OF VIDEO FRAMES")
	fmt.Println("================================")

	analyzer, err := analysis.NewAnalyzer(params, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create analyzer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	startTime := time.Now()
	if err := analyzer.Process(ctx); err != nil {
		logger.Fatal().Err(err).Msg("analysis failed")
	}
	processingTime := time.Since(startTime)

	intervals := analyzer.Intervals()
	profiles := analyzer.Profiles()
	fmt.Printf("\nAnalysis completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Contractions found: %d\n", len(intervals))
	fmt.Println("=======================================")
	for i, iv := range intervals {
		fmt.Printf("#%d: start %d, peak %d, end %d (%d frames)", i, iv.Start, iv.Peak, iv.End, iv.Len())
		if i < len(profiles) {
			fmt.Printf(", peak force %.3f µN", profiles[i].PeakForce().Micronewtons())
		}
		fmt.Println()
	}

	fmt.Println("\nParallel processing performance:")
	fmt.Printf("- Used %d workers for the similarity matrix\n", analyzer.Workers())
	fmt.Printf("- Total processing time: %.2f seconds\n", processingTime.Seconds())

	if id := analyzer.RunID(); id != "" {
		fmt.Printf("Run recorded in %s as %s\n", params.Database, id)
	}

	if *computeSurface {
		fmt.Println("\nComputing voxel self-similarity surface...")
		surface, err := analyzer.Surface(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("surface computation failed")
			os.Exit(1)
		}
		fmt.Printf("Surface of %dx%d voxels computed\n", surface.Grid.X, surface.Grid.Y)
	}

	// Print information about intermediary results if saved
	if params.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", *outputDir)
		fmt.Println("- similarity_matrix.png: Frame self-similarity matrix")
		fmt.Println("- contraction_NN/: Frames of each contraction")
	}
}
