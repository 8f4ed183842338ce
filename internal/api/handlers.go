package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/contactkeval/option-lab/internal/backtest/engine"
	st "github.com/contactkeval/option-lab/internal/backtest/strategy"
	"github.com/contactkeval/option-lab/internal/logger"
	"github.com/contactkeval/option-lab/internal/store"
)

// Date decodes "2006-01-02" as well as RFC 3339.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
}

// runRequest is an engine config whose unset fields take the server
// defaults. The dates shadow the embedded ones.
type runRequest struct {
	engine.Config
	EntryDate Date `json:"entry_date"`
	ExitDate  Date `json:"exit_date"`
}

func (server *Server) bindRun(c *gin.Context) (*engine.Config, bool) {
	req := runRequest{Config: server.defaults}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(err))
		return nil, false
	}
	cfg := req.Config
	if !req.EntryDate.IsZero() {
		cfg.EntryDate = req.EntryDate.Time
	}
	if !req.ExitDate.IsZero() {
		cfg.ExitDate = req.ExitDate.Time
	}
	cfg.Underlying = strings.ToUpper(strings.TrimSpace(cfg.Underlying))

	if err := server.validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(err))
		return nil, false
	}
	return &cfg, true
}

func (server *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": server.prov.Name()})
}

// backtest runs a single backtest
// POST /v1/backtest
func (server *Server) backtest(c *gin.Context) {
	cfg, ok := server.bindRun(c)
	if !ok {
		return
	}

	res, err := engine.NewEngine(cfg, server.prov, engine.WithProgress(nil)).Run(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), errorResponse(err))
		return
	}

	resp := gin.H{"result": res}
	if server.store != nil {
		id, err := server.store.SaveBacktest(c.Request.Context(), *cfg, res)
		if err != nil {
			logger.Err().Str("event", "save_run_failed").Err(err).Msg("")
		} else {
			resp["run_id"] = id
		}
	}
	c.JSON(http.StatusOK, resp)
}

// payoff analyzes the strategy on the entry date
// POST /v1/payoff
func (server *Server) payoff(c *gin.Context) {
	cfg, ok := server.bindRun(c)
	if !ok {
		return
	}

	profile, err := engine.NewEngine(cfg, server.prov, engine.WithProgress(nil)).Payoff(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(statusFor(err), errorResponse(err))
		return
	}
	c.JSON(http.StatusOK, profile)
}

// listRuns lists saved runs, newest first
// GET /v1/runs?underlying=SPY&limit=20
func (server *Server) listRuns(c *gin.Context) {
	if server.store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	underlying := strings.ToUpper(c.Query("underlying"))

	runs, err := server.store.ListRuns(c.Request.Context(), underlying, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(runs), "runs": runs})
}

// getRun returns one saved run with its full result
// GET /v1/runs/:id
func (server *Server) getRun(c *gin.Context) {
	if server.store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is disabled"})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "run id must be a positive integer"})
		return
	}

	run, result, err := server.store.GetRun(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, errorResponse(err))
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "result": result})
}

// statusFor maps run errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, st.ErrInvalidDateRange),
		errors.Is(err, st.ErrEmptyStrategy),
		errors.Is(err, st.ErrInvalidLeg),
		errors.Is(err, st.ErrInvalidStrikeExpression),
		errors.Is(err, st.ErrLegIndexOutOfRange),
		errors.Is(err, st.ErrNoExpiration):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMissingMarketData),
		errors.Is(err, engine.ErrDegenerateCostBasis),
		errors.Is(err, st.ErrInvalidMarketInput):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
