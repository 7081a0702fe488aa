package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/lowbitml/lowbit/internal/version"
	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/matmul"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

type benchRun struct {
	FloatMS     float64 `json:"float_ms"`
	Int8MS      float64 `json:"int8_ms"`
	FloatGFLOPS float64 `json:"float_gflops"`
	Int8GFLOPS  float64 `json:"int8_gflops"`
}

type benchReport struct {
	ID          string       `json:"id"`
	Build       version.Info `json:"build"`
	Rows        int          `json:"rows"`
	Inner       int          `json:"inner"`
	Cols        int          `json:"cols"`
	Threshold   float64      `json:"threshold"`
	OutlierCols int          `json:"outlier_cols"`
	Runs        []benchRun   `json:"runs"`
	FloatAvgMS  float64      `json:"float_avg_ms"`
	Int8AvgMS   float64      `json:"int8_avg_ms"`
	MaxAbsErr   float64      `json:"max_abs_err"`
	MeanAbsErr  float64      `json:"mean_abs_err"`
	Engine      matmul.Stats `json:"engine"`
	PoolWidth   int          `json:"pool_width"`
}

func benchCmd() *cli.Command {
	var (
		rows        int64
		inner       int64
		cols        int64
		warmupRuns  int64
		benchRuns   int64
		seed        int64
		outlierCols int64
		outlierGain float64
		jsonOut     bool
	)

	flags := append([]cli.Flag{}, commonEngineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "rows",
			Aliases:     []string{"m"},
			Usage:       "input rows",
			Value:       256,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "inner",
			Aliases:     []string{"k"},
			Usage:       "contraction length (input features)",
			Value:       512,
			Destination: &inner,
		},
		&cli.Int64Flag{
			Name:        "cols",
			Aliases:     []string{"n"},
			Usage:       "output columns",
			Value:       512,
			Destination: &cols,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for the synthetic matrices",
			Value:       42,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "outlier-cols",
			Usage:       "input columns boosted past the threshold",
			Value:       4,
			Destination: &outlierCols,
		},
		&cli.Float64Flag{
			Name:        "outlier-gain",
			Usage:       "gain applied to boosted columns",
			Value:       10,
			Destination: &outlierGain,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "emit a JSON report instead of text",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark the int8 engine against the float32 reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_ = ctx
			applyEngineConfig(cmd, LoadConfig())
			log := setupLogger()

			m, k, n := int(rows), int(inner), int(cols)
			if m <= 0 || k <= 0 || n <= 0 {
				return cli.Exit("error: rows, inner and cols must be positive", 1)
			}
			if benchRuns <= 0 {
				return cli.Exit("error: runs must be positive", 1)
			}
			if outlierCols > int64(k) {
				outlierCols = int64(k)
			}

			A := tensor.NewMat(m, k)
			tensor.FillRandScale(&A, seed, 1)
			for i := range int(outlierCols) {
				j := (i*31 + 7) % k
				for r := 0; r < m; r++ {
					A.Set(r, j, A.At(r, j)*float32(outlierGain))
				}
			}
			B := tensor.NewMat(k, n)
			tensor.FillRandScale(&B, seed+1, 1)

			log.Info("benchmarking", "rows", m, "inner", k, "cols", n,
				"threshold", threshold, "outlier_cols", outlierCols)

			eng := matmul.New(kernel.CPU(),
				matmul.WithPool(matmul.NewPool()),
				matmul.WithLogger(log),
				matmul.WithWorkers(int(workers)),
			)
			w := matmul.NewWeight(&B, float32(threshold))
			if err := w.Quantize(); err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize weight: %v", err), 1)
			}
			lin := matmul.NewLinear8bit(eng, w, nil)
			lin.Train(false)

			// Warm both paths so neither pays first-touch costs in the
			// timed runs.
			for i := range int(warmupRuns) {
				log.Debug("warmup run", "run", i+1)
				_ = tensor.Matmul(&A, &B)
				if _, err := lin.Forward(&A); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			flops := 2 * float64(m) * float64(k) * float64(n)
			var (
				ref  tensor.Mat
				out  tensor.Mat
				runs = make([]benchRun, 0, benchRuns)
			)
			for i := range int(benchRuns) {
				log.Debug("benchmark run", "run", i+1)

				start := time.Now()
				ref = tensor.Matmul(&A, &B)
				floatDur := time.Since(start)

				start = time.Now()
				res, err := lin.Forward(&A)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				int8Dur := time.Since(start)
				out = res

				runs = append(runs, benchRun{
					FloatMS:     durMS(floatDur),
					Int8MS:      durMS(int8Dur),
					FloatGFLOPS: gflops(flops, floatDur),
					Int8GFLOPS:  gflops(flops, int8Dur),
				})
			}

			maxErr, meanErr := errStats(&out, &ref)
			var sumFloat, sumInt8 float64
			for _, r := range runs {
				sumFloat += r.FloatMS
				sumInt8 += r.Int8MS
			}
			nRuns := float64(len(runs))

			rep := benchReport{
				ID:          "run-" + uuid.NewString(),
				Build:       version.Resolve(),
				Rows:        m,
				Inner:       k,
				Cols:        n,
				Threshold:   threshold,
				OutlierCols: int(outlierCols),
				Runs:        runs,
				FloatAvgMS:  sumFloat / nRuns,
				Int8AvgMS:   sumInt8 / nRuns,
				MaxAbsErr:   maxErr,
				MeanAbsErr:  meanErr,
				Engine:      eng.Stats(),
				PoolWidth:   eng.Pool().Width(),
			}

			if jsonOut {
				b, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				fmt.Println(string(b))
				return nil
			}

			fmt.Println("=== lowbit bench ===")
			fmt.Printf("Shapes:     (%dx%d) x (%dx%d)\n", m, k, k, n)
			fmt.Printf("Threshold:  %g\n", threshold)
			fmt.Printf("Outliers:   %d boosted columns (gain %g)\n", outlierCols, outlierGain)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %10s %10s %10s\n", "Run", "f32", "int8", "f32", "int8")
			fmt.Printf("%-6s %10s %10s %10s %10s\n", "---", "ms", "ms", "GFLOP/s", "GFLOP/s")
			for i, r := range runs {
				fmt.Printf("%-6d %10.2f %10.2f %10.2f %10.2f\n",
					i+1, r.FloatMS, r.Int8MS, r.FloatGFLOPS, r.Int8GFLOPS)
			}
			fmt.Printf("\n%-6s %10.2f %10.2f\n", "Avg", rep.FloatAvgMS, rep.Int8AvgMS)

			fmt.Printf("\nError vs f32: max=%.3e mean=%.3e\n", maxErr, meanErr)
			st := rep.Engine
			fmt.Printf("Engine: igemms=%d act_quants=%d decompositions=%d pool_width=%d\n",
				st.Igemms, st.ActQuants, st.Decompositions, rep.PoolWidth)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("Memory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

func durMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func gflops(flops float64, d time.Duration) float64 {
	s := d.Seconds()
	if s <= 0 {
		return 0
	}
	return flops / s / 1e9
}

func errStats(got, want *tensor.Mat) (maxErr, meanErr float64) {
	if len(got.Data) == 0 || len(got.Data) != len(want.Data) {
		return 0, 0
	}
	var sum float64
	for i, v := range got.Data {
		d := float64(v) - float64(want.Data[i])
		if d < 0 {
			d = -d
		}
		if d > maxErr {
			maxErr = d
		}
		sum += d
	}
	return maxErr, sum / float64(len(got.Data))
}
