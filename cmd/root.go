// Package cmd wires the three entrypoints a deployment operates: a
// production training run, the fixed-split comparison harness, and
// the HTTP serving layer. Grounded on
// inference-sim/cmd/root.go's package-level-flags + init()-wiring
// pattern.
package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/popgrowth/deepar/config"
	"github.com/popgrowth/deepar/data/preprocess"
	"github.com/popgrowth/deepar/data/scale"
	"github.com/popgrowth/deepar/harness"
	"github.com/popgrowth/deepar/pipeline"
	"github.com/popgrowth/deepar/predictor"
	"github.com/popgrowth/deepar/serving"
)

var (
	configPath       string
	checkpointPrefix string
	logLevel         string
)

var rootCmd = &cobra.Command{
	Use:   "deepar",
	Short: "Probabilistic population forecasting with a DeepAR-style model",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the production training pipeline and persist an artifact",
	Run: func(cmd *cobra.Command, args []string) {
		logrus.Infof("train: starting pipeline with config %s", configPath)
		if err := pipeline.Run(configPath, checkpointPrefix); err != nil {
			logrus.Fatalf("train: %v", err)
		}
		logrus.Info("train: complete")
	},
}

var experimentCmd = &cobra.Command{
	Use:   "experiment",
	Short: "Run the fixed-split comparison harness against the baselines",
	Run: func(cmd *cobra.Command, args []string) {
		logrus.Infof("experiment: starting harness with config %s", configPath)
		report, err := harness.Run(configPath)
		if err != nil {
			logrus.Fatalf("experiment: %v", err)
		}
		fmt.Println(report.Table)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load a trained artifact and serve the forecasting HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logrus.Fatalf("serve: %v", err)
		}

		// The server starts immediately with no model loaded
		// (/health reports model_loaded=false, /predict answers 503)
		// and loadArtifactInto installs the artifact once loading
		// succeeds, so a slow or failed load never blocks /health.
		server := serving.New(nil, nil, nil)
		go loadArtifactInto(server, cfg)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logrus.Infof("serve: listening on %s", addr)
		if err := http.ListenAndServe(addr, server); err != nil {
			logrus.Fatalf("serve: %v", err)
		}
	},
}

// loadArtifactInto loads the source series, trained artifact bundle
// and checkpointed model weights, and installs them on server once
// ready. A failure is logged, not fatal: the process keeps serving
// /health (model_loaded=false) and /predict keeps answering 503
// rather than exiting, since an operator may fix the artifact and
// restart the process without taking the whole service down.
func loadArtifactInto(server *serving.Server, cfg *config.Config) {
	_, series, err := preprocess.Load(cfg.Data.CSVPath, cfg.RejectSet())
	if err != nil {
		logrus.Errorf("serve: load series: %v", err)
		return
	}

	artifact, err := pipeline.LoadArtifact(pipeline.ArtifactPath(checkpointPrefix))
	if err != nil {
		logrus.Errorf("serve: load artifact: %v", err)
		return
	}

	entities := make(map[string]struct{}, len(artifact.IndexToEntity))
	for _, e := range artifact.IndexToEntity {
		entities[e] = struct{}{}
	}
	catalog := preprocess.NewCatalog(entities)

	scaler := &scale.Scaler{}
	if err := scaler.UnmarshalBinary(artifact.ScalerState); err != nil {
		logrus.Errorf("serve: load scaler: %v", err)
		return
	}

	model, err := pipeline.LoadModel(artifact, pipeline.ModelPath(checkpointPrefix))
	if err != nil {
		logrus.Errorf("serve: load model: %v", err)
		return
	}

	pred := predictor.New(model, scaler, catalog, cfg.Inference.NumSamples, 0)
	server.SetModel(pred, catalog, series)
	logrus.Infof("serve: artifact bundle loaded, %d entities available", catalog.Len())
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&checkpointPrefix, "checkpoint", "deepar", "Prefix for artifact/model checkpoint files")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(experimentCmd)
	rootCmd.AddCommand(serveCmd)
}
