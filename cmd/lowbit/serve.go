package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/lowbitml/lowbit/internal/statsrv"
	"github.com/lowbitml/lowbit/pkg/matmul"
	"github.com/lowbitml/lowbit/pkg/qfile"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

func serveCmd() *cli.Command {
	var (
		weightPath  string
		addr        string
		readTimeout time.Duration
	)

	flags := append([]cli.Flag{}, commonEngineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "weight",
			Aliases:     []string{"w"},
			Usage:       "path to the .lqt weight container",
			Destination: &weightPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a quantized linear layer over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := setupLogger()

			stat, err := os.Stat(weightPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat weight path %q: %v", weightPath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(weightPath), ".lqt") {
				return cli.Exit("error: lowbit serve only supports .lqt files", 1)
			}

			f, err := qfile.Open(weightPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open weight: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			var (
				w    *matmul.Weight
				view tensor.Mat
			)
			switch f.DType() {
			case qfile.DTypeF32:
				m, err := f.Mat()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: decode weight: %v", err), 1)
				}
				view = m.Clone()
				w = matmul.NewWeight(&m, float32(threshold))
				if err := w.Quantize(); err != nil {
					return cli.Exit(fmt.Sprintf("error: quantize weight: %v", err), 1)
				}
			case qfile.DTypeInt8:
				q, err := f.Quant()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: decode weight: %v", err), 1)
				}
				w, err = matmul.NewQuantizedWeight(q, float32(threshold))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load quantized weight: %v", err), 1)
				}
				view = q.Dequantize()
			default:
				return cli.Exit(fmt.Sprintf("error: unsupported weight dtype %s", f.DType()), 1)
			}

			server, err := statsrv.New(statsrv.Config{
				Weight:  w,
				View:    view,
				Source:  filepath.Base(weightPath),
				DType:   f.DType().String(),
				Workers: int(workers),
				Log:     log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build server: %v", err), 1)
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "weight", weightPath,
				"rows", view.R, "cols", view.C, "threshold", threshold)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
