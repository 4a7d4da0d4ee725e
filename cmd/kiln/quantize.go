package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/logger"
	"github.com/samcharles93/kiln/internal/quantize"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func newLogger(level string) logger.Logger {
	return logger.Text(os.Stderr, logger.ParseLevel(level))
}

func quantizeCmd() *cli.Command {
	var (
		modelPath  string
		configPath string
		outPath    string
		logLevel   string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Rewrite a .kgf graph with quantized operators",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "input .kgf path",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "quantization config (quant.yaml)",
				Required:    true,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .kgf path",
				Value:       "model.quant.kgf",
				Destination: &outPath,
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
			cfg, err := quantize.LoadConfig(configPath)
			if err != nil {
				return err
			}
			f, err := kgf.Open(modelPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			opts := cfg.Options()
			opts.Logger = log
			out, err := quantize.New(f.Graph, opts).Run()
			if err != nil {
				return err
			}
			if err := kgf.Write(out, outPath); err != nil {
				return err
			}
			log.Info("wrote quantized graph", "path", outPath, "mode", string(opts.Mode), "nodes", len(out.Nodes))
			return nil
		},
	}
}
