package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/lowbitml/lowbit/pkg/qfile"
	"github.com/lowbitml/lowbit/pkg/quant"
)

func quantizeCmd() *cli.Command {
	var (
		inPath  string
		outPath string
		axisStr string
		modeStr string
	)

	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "in",
			Aliases:     []string{"i"},
			Usage:       "path to the f32 .lqt container",
			Destination: &inPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output path (default: <in>.int8.lqt)",
			Destination: &outPath,
		},
		&cli.StringFlag{
			Name:        "axis",
			Usage:       "scale axis (row, col)",
			Value:       "col",
			Destination: &axisStr,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "scale granularity (vector, linear)",
			Value:       "vector",
			Destination: &modeStr,
		},
		&cli.Float64Flag{
			Name:        "threshold",
			Aliases:     []string{"t"},
			Usage:       "report input columns at or above this magnitude (0 = off)",
			Destination: &threshold,
		},
	}, loggingFlags()...)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize an f32 .lqt container to int8",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_ = ctx
			applyEngineConfig(cmd, LoadConfig())
			log := setupLogger()

			axis, err := parseAxis(axisStr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			mode, err := parseMode(modeStr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			stat, err := os.Stat(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", inPath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(inPath), ".lqt") {
				return cli.Exit("error: lowbit quantize only supports .lqt files", 1)
			}

			f, err := qfile.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open container: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			if f.DType() != qfile.DTypeF32 {
				return cli.Exit(fmt.Sprintf("error: lowbit quantize expects an f32 container, got %s", f.DType()), 1)
			}
			m, err := f.Mat()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: decode payload: %v", err), 1)
			}

			// The container stores bulk int8 only; columns past the
			// threshold keep their error unless the consumer decomposes.
			var hotCols []int
			if threshold > 0 {
				hotCols = outlierColumns(&m, float32(threshold))
				if len(hotCols) > 0 {
					log.Warn("input has outlier columns", "threshold", threshold,
						"columns", len(hotCols))
				}
			}

			q, err := quant.Vectorwise(&m, axis, mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}

			if outPath == "" {
				outPath = strings.TrimSuffix(inPath, ".lqt") + ".int8.lqt"
			}
			if err := qfile.WriteQuant(outPath, q); err != nil {
				return cli.Exit(fmt.Sprintf("error: write container: %v", err), 1)
			}

			log.Info("quantized tensor", "in", inPath, "out", outPath,
				"rows", q.Rows, "cols", q.Cols, "axis", q.Axis.String(),
				"mode", mode.String(), "zero_lanes", q.ZeroLanes)

			outSize := int64(0)
			if outStat, err := os.Stat(outPath); err == nil {
				outSize = outStat.Size()
			}
			fmt.Printf("Quantized:  %s -> %s\n", inPath, outPath)
			fmt.Printf("Shape:      %dx%d\n", q.Rows, q.Cols)
			fmt.Printf("Axis/mode:  %s/%s (%d scales)\n", q.Axis, mode, len(q.Scale))
			if q.ZeroLanes > 0 {
				fmt.Printf("Zero lanes: %d\n", q.ZeroLanes)
			}
			if threshold > 0 {
				fmt.Printf("Outliers:   %d columns >= %g\n", len(hotCols), threshold)
			}
			if outSize > 0 {
				fmt.Printf("Size:       %s -> %s (%.2fx)\n",
					formatBytes(uint64(stat.Size())), formatBytes(uint64(outSize)),
					float64(stat.Size())/float64(outSize))
			}
			return nil
		},
	}
}

func parseAxis(s string) (quant.Axis, error) {
	switch strings.ToLower(s) {
	case "row":
		return quant.AxisRow, nil
	case "col", "column":
		return quant.AxisCol, nil
	default:
		return 0, fmt.Errorf("unknown axis %q (want row or col)", s)
	}
}

func parseMode(s string) (quant.Mode, error) {
	switch strings.ToLower(s) {
	case "vector":
		return quant.ModeVector, nil
	case "linear":
		return quant.ModeLinear, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want vector or linear)", s)
	}
}
