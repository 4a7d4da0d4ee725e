package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/backend/interp"
	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/parity"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func parityCmd() *cli.Command {
	var (
		configPath     string
		checkpointPath string
		modelPath      string

		trials    int64
		steps     int64
		batch     int64
		promptLen int64
		beam      int64
		topK      int64
		seed      int64

		orderSensitive bool
		fixtureDir     string
		maxTop1Rate    float64
		randomSeed     int64
		logLevel       string
	)

	return &cli.Command{
		Name:  "parity",
		Usage: "Compare the reference forward pass against a graph session over incremental decoding",
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
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "candidate .kgf graph (omit to export from the same weights)",
				Destination: &modelPath,
			},
			&cli.Int64Flag{
				Name:        "trials",
				Usage:       "number of random trials",
				Value:       1,
				Destination: &trials,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "max decode steps per trial",
				Value:       8,
				Destination: &steps,
			},
			&cli.Int64Flag{
				Name:        "batch",
				Usage:       "examples per trial",
				Value:       1,
				Destination: &batch,
			},
			&cli.Int64Flag{
				Name:        "prompt-len",
				Aliases:     []string{"prompt_len"},
				Usage:       "random prompt length",
				Value:       4,
				Destination: &promptLen,
			},
			&cli.Int64Flag{
				Name:        "beam",
				Usage:       "beam width (1 = greedy)",
				Value:       1,
				Destination: &beam,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k", "topk"},
				Usage:       "top-k agreement width",
				Value:       5,
				Destination: &topK,
			},
			&cli.BoolFlag{
				Name:        "order-sensitive",
				Aliases:     []string{"order_sensitive"},
				Usage:       "require identical top-k ranking, not just the same set",
				Destination: &orderSensitive,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "trial input seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "random-seed",
				Usage:       "seed for random weights when no checkpoint is given",
				Value:       1,
				Destination: &randomSeed,
			},
			&cli.StringFlag{
				Name:        "fixtures",
				Usage:       "directory to save per-step tensor fixtures (empty = off)",
				Destination: &fixtureDir,
			},
			&cli.Float64Flag{
				Name:        "max-top1-rate",
				Aliases:     []string{"max_top1_rate"},
				Usage:       "fail when the top-1 error rate exceeds this (negative = report only)",
				Value:       -1,
				Destination: &maxTop1Rate,
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
			ref := model.NewReference(cfg, w)

			var cand backend.Session
			if modelPath != "" {
				f, err := kgf.Open(modelPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				cand, err = interp.New(f.Graph)
				if err != nil {
					return err
				}
			} else {
				g, err := model.Export(cfg, w)
				if err != nil {
					return err
				}
				cand, err = interp.New(g)
				if err != nil {
					return err
				}
			}

			ev, err := parity.NewEvaluator(ref, cand, parity.Options{
				Model:          cfg,
				Trials:         int(trials),
				MaxSteps:       int(steps),
				BatchSize:      int(batch),
				PromptLen:      int(promptLen),
				BeamSize:       int(beam),
				TopK:           int(topK),
				OrderSensitive: orderSensitive,
				Seed:           seed,
				FixtureDir:     fixtureDir,
				Logger:         log,
			})
			if err != nil {
				return err
			}
			report, err := ev.Run()
			if err != nil {
				return err
			}
			fmt.Print(report.String())
			if maxTop1Rate >= 0 && report.Top1Rate() > maxTop1Rate {
				return fmt.Errorf("top-1 error rate %.4f exceeds threshold %.4f", report.Top1Rate(), maxTop1Rate)
			}
			return nil
		},
	}
}
