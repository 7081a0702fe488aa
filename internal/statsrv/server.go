// Package statsrv serves a resident quantized weight over HTTP: health and
// build info, engine counters, outlier inspection, and a matmul endpoint
// that multiplies posted activations against the weight.
package statsrv

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/lowbitml/lowbit/internal/logger"
	"github.com/lowbitml/lowbit/pkg/kernel"
	"github.com/lowbitml/lowbit/pkg/matmul"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// Config describes the weight a Server exposes.
type Config struct {
	// Weight is the served weight, usually frozen. Required.
	Weight *matmul.Weight
	// View is a full-precision copy of the weight used for outlier scans.
	View tensor.Mat
	// Source and DType describe where the weight came from, for /v1/info.
	Source string
	DType  string
	// Bias is added to every product row when set.
	Bias []float32
	// Workers bounds the float correction GEMM; 0 means GOMAXPROCS.
	Workers int
	Log     logger.Logger
}

// Server owns the engine and layer behind the HTTP surface. Matmul requests
// serialize on the single resident layer.
type Server struct {
	eng   *matmul.Engine
	lin   *matmul.Linear8bit
	view  tensor.Mat
	src   string
	dtype string
	log   logger.Logger

	mu sync.Mutex
}

// New builds a Server and its engine from cfg.
func New(cfg Config) (*Server, error) {
	if cfg.Weight == nil {
		return nil, errors.New("statsrv: nil weight")
	}
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	eng := matmul.New(kernel.CPU(),
		matmul.WithPool(matmul.NewPool()),
		matmul.WithLogger(log),
		matmul.WithWorkers(cfg.Workers),
	)
	lin := matmul.NewLinear8bit(eng, cfg.Weight, cfg.Bias)
	lin.Train(false)
	return &Server{
		eng:   eng,
		lin:   lin,
		view:  cfg.View,
		src:   cfg.Source,
		dtype: cfg.DType,
		log:   log,
	}, nil
}

// Register attaches the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/info", s.handleInfo)
	e.GET("/v1/stats", s.handleStats)
	e.GET("/v1/outliers", s.handleOutliers)
	e.POST("/v1/matmul", s.handleMatmul)
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	_, err = res.Write(b)
	return err
}

func writeErr(c *echo.Context, status int, msg string) error {
	errType := "server_error"
	switch status {
	case http.StatusBadRequest:
		errType = "invalid_request_error"
	case http.StatusNotFound:
		errType = "not_found_error"
	}
	return writeJSON(c, status, map[string]any{
		"error": errorBody{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
