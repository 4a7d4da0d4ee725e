package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/quantize"
	"github.com/samcharles93/kiln/pkg/kgf"
)

func inspectCmd() *cli.Command {
	var (
		modelPath string
		showNodes bool
		showCPU   bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarize a .kgf graph",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .kgf file",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "nodes",
				Usage:       "list every node",
				Destination: &showNodes,
			},
			&cli.BoolFlag{
				Name:        "cpu",
				Usage:       "print host CPU features",
				Destination: &showCPU,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := kgf.Open(modelPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			g := f.Graph
			fmt.Printf("graph:     %s\n", g.Name)
			fmt.Printf("producer:  %s\n", g.Producer)
			if quantize.IsQuantizedGraph(g) {
				fmt.Println("quantized: yes")
			}
			fmt.Printf("nodes:     %d\n", len(g.Nodes))

			var initBytes int
			for _, t := range g.Initializers() {
				initBytes += len(t.Data)
			}
			fmt.Printf("initializers: %d (%d bytes)\n", len(g.Initializers()), initBytes)

			ops := map[string]int{}
			for _, n := range g.Nodes {
				ops[n.Op]++
			}
			fmt.Printf("ops:       %v\n", ops)

			for _, vi := range g.Inputs {
				fmt.Printf("input:     %s %s %v\n", vi.Name, vi.DType, vi.Dims)
			}
			for _, vi := range g.Outputs {
				fmt.Printf("output:    %s %s %v\n", vi.Name, vi.DType, vi.Dims)
			}
			if showNodes {
				for _, n := range g.Nodes {
					fmt.Printf("  %-24s %-20s %v -> %v\n", n.Name, n.Op, n.Inputs, n.Outputs)
				}
			}
			if showCPU {
				raw, err := json.MarshalIndent(backend.HostFeatures(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
			}
			return nil
		},
	}
}
