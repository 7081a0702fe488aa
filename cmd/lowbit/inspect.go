package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/lowbitml/lowbit/pkg/qfile"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

type inspectReport struct {
	File             string    `json:"file"`
	SizeBytes        uint64    `json:"size_bytes"`
	DType            string    `json:"dtype"`
	Rows             int       `json:"rows"`
	Cols             int       `json:"cols"`
	Axis             string    `json:"axis,omitempty"`
	ScaleCount       int       `json:"scale_count,omitempty"`
	ScaleMin         float32   `json:"scale_min,omitempty"`
	ScaleMax         float32   `json:"scale_max,omitempty"`
	ScaleMean        float32   `json:"scale_mean,omitempty"`
	Saturated        int       `json:"saturated,omitempty"`
	ScaleValues      []float32 `json:"scale_values,omitempty"`
	OutlierThreshold float64   `json:"outlier_threshold,omitempty"`
	OutlierCols      []int     `json:"outlier_cols,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		filePath   string
		showScales bool
		outlierT   float64
		limit      int
		jsonOut    bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an .lqt tensor container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "path to .lqt container",
				Destination: &filePath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "scales", Usage: "list per-lane scales", Destination: &showScales},
			&cli.Float64Flag{Name: "outliers", Usage: "list columns whose absolute maximum reaches this value (f32 only)", Destination: &outlierT},
			&cli.IntFlag{Name: "limit", Usage: "limit scale and outlier listings (0 = no limit)", Value: 50, Destination: &limit},
			&cli.BoolFlag{Name: "json", Usage: "emit a JSON report instead of text", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			stat, err := os.Stat(filePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", filePath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(filePath), ".lqt") {
				return cli.Exit("error: lowbit inspect only supports .lqt files", 1)
			}

			f, err := qfile.Open(filePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open container: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			rows, cols := f.Dims()
			rep := inspectReport{
				File:      filepath.Base(filePath),
				SizeBytes: uint64(stat.Size()),
				DType:     f.DType().String(),
				Rows:      rows,
				Cols:      cols,
			}
			if f.DType() == qfile.DTypeInt8 {
				rep.Axis = f.Axis().String()
				rep.ScaleCount = f.ScaleCount()
				sc := f.Scales()
				rep.ScaleMin, rep.ScaleMax, rep.ScaleMean = scaleStats(sc)
				rep.Saturated = countSaturated(f.Payload())
				if showScales {
					rep.ScaleValues = sc
				}
			}
			if outlierT > 0 {
				if f.DType() != qfile.DTypeF32 {
					return cli.Exit("error: outlier scan needs an f32 container", 1)
				}
				m, err := f.Mat()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: decode payload: %v", err), 1)
				}
				rep.OutlierThreshold = outlierT
				rep.OutlierCols = outlierColumns(&m, float32(outlierT))
			}

			if jsonOut {
				b, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				fmt.Println(string(b))
				return nil
			}

			fmt.Printf("LQT Inspect: %s\n", filePath)
			fmt.Printf("File: %s (%s)\n", rep.File, formatBytes(rep.SizeBytes))

			section("Header")
			row("dtype", rep.DType)
			rowInt("rows", rep.Rows)
			rowInt("cols", rep.Cols)
			elemSize := uint64(4)
			if f.DType() == qfile.DTypeInt8 {
				elemSize = 1
				row("axis", rep.Axis)
				rowInt("scales", rep.ScaleCount)
				row("scale_range", fmt.Sprintf("[%g, %g] mean=%g", rep.ScaleMin, rep.ScaleMax, rep.ScaleMean))
				rowInt("saturated", rep.Saturated)
			}
			row("payload", formatBytes(uint64(rows)*uint64(cols)*elemSize))

			if showScales && len(rep.ScaleValues) > 0 {
				section("Scales")
				printFloats(rep.ScaleValues, limit)
			}
			if outlierT > 0 {
				section("Outlier Columns")
				row("threshold", fmt.Sprintf("%g", outlierT))
				rowInt("count", len(rep.OutlierCols))
				printInts(rep.OutlierCols, limit)
			}
			return nil
		},
	}
}

func scaleStats(sc []float32) (min, max, mean float32) {
	if len(sc) == 0 {
		return 0, 0, 0
	}
	min, max = sc[0], sc[0]
	var sum float64
	for _, s := range sc {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += float64(s)
	}
	return min, max, float32(sum / float64(len(sc)))
}

// countSaturated counts payload entries pinned at the int8 extremes. A high
// count usually means the source had outliers the scales could not absorb.
func countSaturated(payload []byte) int {
	n := 0
	for _, b := range payload {
		q := int8(b)
		if q == 127 || q == -127 {
			n++
		}
	}
	return n
}

func outlierColumns(m *tensor.Mat, threshold float32) []int {
	cols := []int{}
	for j := 0; j < m.C; j++ {
		for i := 0; i < m.R; i++ {
			v := m.At(i, j)
			if v < 0 {
				v = -v
			}
			if v >= threshold {
				cols = append(cols, j)
				break
			}
		}
	}
	return cols
}

func printFloats(vals []float32, limit int) {
	shown := 0
	for i, v := range vals {
		fmt.Printf("%6d  %g\n", i, v)
		shown++
		if limit > 0 && shown >= limit {
			break
		}
	}
	if limit > 0 && shown < len(vals) {
		fmt.Printf("... (%d shown of %d)\n", shown, len(vals))
	}
}

func printInts(vals []int, limit int) {
	shown := 0
	for _, v := range vals {
		fmt.Printf("%6d\n", v)
		shown++
		if limit > 0 && shown >= limit {
			break
		}
	}
	if limit > 0 && shown < len(vals) {
		fmt.Printf("... (%d shown of %d)\n", shown, len(vals))
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
