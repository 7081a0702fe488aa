package statsrv

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/lowbitml/lowbit/internal/version"
	"github.com/lowbitml/lowbit/pkg/matmul"
	"github.com/lowbitml/lowbit/pkg/tensor"
)

// WeightInfo describes the resident weight.
type WeightInfo struct {
	Source    string  `json:"source,omitempty"`
	DType     string  `json:"dtype,omitempty"`
	Rows      int     `json:"rows"`
	Cols      int     `json:"cols"`
	Threshold float32 `json:"threshold"`
	Phase     string  `json:"phase"`
}

// InfoResponse is the /v1/info payload.
type InfoResponse struct {
	Service string       `json:"service"`
	Build   version.Info `json:"build"`
	Weight  WeightInfo   `json:"weight"`
}

// PoolInfo reports the engine's shared outlier pool.
type PoolInfo struct {
	Width int   `json:"width"`
	Cols  []int `json:"cols"`
}

// StatsResponse is the /v1/stats payload.
type StatsResponse struct {
	Engine matmul.Stats `json:"engine"`
	Pool   PoolInfo     `json:"pool"`
}

// OutliersResponse lists the weight's feature rows whose absolute maximum
// reaches the requested threshold.
type OutliersResponse struct {
	Threshold   float32 `json:"threshold"`
	FeatureRows []int   `json:"feature_rows"`
	Count       int     `json:"count"`
}

// MatmulRequest is a row-major float32 activation batch.
type MatmulRequest struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

// MatmulResponse carries the product and a request id.
type MatmulResponse struct {
	ID        string    `json:"id"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
	Data      []float32 `json:"data"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(c *echo.Context) error {
	st := s.lin.Weight().State()
	rows, cols := st.Dims()
	if rows == 0 && !s.view.IsEmpty() {
		rows, cols = s.view.R, s.view.C
	}
	return writeJSON(c, http.StatusOK, InfoResponse{
		Service: "lowbit",
		Build:   version.Resolve(),
		Weight: WeightInfo{
			Source:    s.src,
			DType:     s.dtype,
			Rows:      rows,
			Cols:      cols,
			Threshold: st.Threshold,
			Phase:     st.Phase().String(),
		},
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	resp := StatsResponse{Engine: s.eng.Stats()}
	if p := s.eng.Pool(); p != nil {
		resp.Pool = PoolInfo{Width: p.Width(), Cols: p.Indices()}
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleOutliers(c *echo.Context) error {
	raw := c.QueryParam("threshold")
	if raw == "" {
		return writeErr(c, http.StatusBadRequest, "threshold query parameter is required")
	}
	th, err := strconv.ParseFloat(raw, 32)
	if err != nil || th <= 0 {
		return writeErr(c, http.StatusBadRequest, fmt.Sprintf("invalid threshold %q", raw))
	}
	threshold := float32(th)

	hot := make([]int, 0)
	for i := 0; i < s.view.R; i++ {
		if rowAbsMax(s.view.Row(i)) >= threshold {
			hot = append(hot, i)
		}
	}
	return writeJSON(c, http.StatusOK, OutliersResponse{
		Threshold:   threshold,
		FeatureRows: hot,
		Count:       len(hot),
	})
}

func (s *Server) handleMatmul(c *echo.Context) error {
	req, err := decodeJSON[MatmulRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, http.StatusBadRequest, err.Error())
	}
	if req.Rows < 0 || req.Cols < 0 || len(req.Data) != req.Rows*req.Cols {
		return writeErr(c, http.StatusBadRequest,
			fmt.Sprintf("data length %d does not match a %dx%d matrix", len(req.Data), req.Rows, req.Cols))
	}
	x := tensor.NewMatFromData(req.Rows, req.Cols, req.Data)

	start := time.Now()
	s.mu.Lock()
	out, err := s.lin.Forward(&x)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, matmul.ErrShapeMismatch) {
			return writeErr(c, http.StatusBadRequest, err.Error())
		}
		return writeErr(c, http.StatusInternalServerError, err.Error())
	}

	id := "mm-" + uuid.NewString()
	s.log.Debug("served matmul", "id", id, "rows", out.R, "cols", out.C)
	return writeJSON(c, http.StatusOK, MatmulResponse{
		ID:        id,
		Rows:      out.R,
		Cols:      out.C,
		Data:      out.Data,
		ElapsedMS: float64(time.Since(start).Microseconds()) / 1000,
	})
}

func rowAbsMax(xs []float32) float32 {
	var m float32
	for _, v := range xs {
		if a := math32.Abs(v); a > m {
			m = a
		}
	}
	return m
}
