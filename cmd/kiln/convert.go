package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func convertCmd() *cli.Command {
	var (
		configPath     string
		checkpointPath string
		outPath        string
		randomSeed     int64
		logLevel       string
	)

	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a GPT-2 checkpoint into a .kgf graph",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config.json",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "checkpoint",
				Usage:       "path to model.safetensors (omit for random weights)",
				Destination: &checkpointPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .kgf path",
				Value:       "model.kgf",
				Destination: &outPath,
			},
			&cli.Int64Flag{
				Name:        "random-seed",
				Usage:       "seed for random weights when no checkpoint is given",
				Value:       1,
				Destination: &randomSeed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error",
				Value:       "info",
				Destination: &logLevel,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLogger(logLevel)
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}
			w, err := loadWeights(cfg, checkpointPath, randomSeed, log)
			if err != nil {
				return err
			}
			g, err := model.Export(cfg, w)
			if err != nil {
				return err
			}
			if err := kgf.Write(g, outPath); err != nil {
				return err
			}
			log.Info("wrote graph", "path", outPath, "nodes", len(g.Nodes), "initializers", len(g.Initializers()))
			return nil
		},
	}
}

func loadWeights(cfg model.Config, checkpointPath string, seed int64, log logger.Logger) (*model.Weights, error) {
	if checkpointPath == "" {
		log.Warn("no checkpoint given, using random weights", "seed", seed)
		return model.NewRandom(cfg, seed), nil
	}
	w, err := model.LoadSafetensors(cfg, checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", checkpointPath, err)
	}
	return w, nil
}
