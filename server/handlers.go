package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/history"
	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/topology"
)

// health handles GET /health.
func (s *Server) health(c *gin.Context) {
	data := gin.H{
		"status":      "ok",
		"nodes":       len(s.cfg.Fabric.Nodes()),
		"sweeps":      s.cfg.Fabric.Sweeps(),
		"sweep_index": s.cfg.Fabric.LastSweepIndex(),
		"max_lid":     s.cfg.Fabric.MaxLID(),
		"has_history": s.cfg.History != nil,
		"sweep_stats": nil,
		"last_sweep":  nil,
	}
	if s.cfg.Sweeper != nil {
		data["sweep_stats"] = s.cfg.Sweeper.Stats()
	}
	if last := s.lastSummary(); last != nil {
		data["last_sweep"] = last.ID
	}
	c.JSON(http.StatusOK, Success(data))
}

// latestSweep handles GET /api/v1/sweeps/latest.
func (s *Server) latestSweep(c *gin.Context) {
	if s.cfg.History != nil {
		summary, err := s.cfg.History.Latest(c.Request.Context())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, Success(summary))
			return
		case !errors.Is(err, history.ErrNotFound):
			c.JSON(http.StatusInternalServerError, Error(http.StatusInternalServerError, err.Error()))
			return
		}
	}
	if last := s.lastSummary(); last != nil {
		c.JSON(http.StatusOK, Success(last))
		return
	}
	c.JSON(http.StatusNotFound, Error(http.StatusNotFound, "no sweeps recorded"))
}

// listSweeps handles GET /api/v1/sweeps?limit=N.
func (s *Server) listSweeps(c *gin.Context) {
	limit := history.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, Error(http.StatusBadRequest, "limit must be a positive integer"))
			return
		}
		limit = n
	}

	if s.cfg.History == nil {
		list := []dispatch.Summary{}
		if last := s.lastSummary(); last != nil {
			list = append(list, *last)
		}
		c.JSON(http.StatusOK, Success(list))
		return
	}
	list, err := s.cfg.History.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Error(http.StatusInternalServerError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, Success(list))
}

// triggerSweep handles POST /api/v1/sweeps. It blocks until the sweep ends.
func (s *Server) triggerSweep(c *gin.Context) {
	if s.cfg.Sweeper == nil {
		c.JSON(http.StatusNotImplemented, Error(http.StatusNotImplemented, "sweeps are not triggered by this server"))
		return
	}
	ctx := c.Request.Context()
	summary, err := s.cfg.Sweeper.SweepAllPortCounters(ctx)
	switch {
	case errors.Is(err, dispatch.ErrSweepInProgress):
		c.JSON(http.StatusConflict, Error(http.StatusConflict, err.Error()))
		return
	case errors.Is(err, dispatch.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, Error(http.StatusServiceUnavailable, err.Error()))
		return
	case summary == nil:
		c.JSON(http.StatusInternalServerError, Error(http.StatusInternalServerError, errString(err)))
		return
	}

	s.Observe(summary)
	if s.cfg.History != nil {
		if herr := s.cfg.History.Record(ctx, summary); herr != nil {
			s.events.Warn("record_failed", obs.KV("sweep_id", summary.ID), obs.KV("error", herr))
		}
	}
	if err != nil {
		// ErrNotDone still carries a usable summary.
		c.JSON(http.StatusAccepted, Response{Code: http.StatusAccepted, Message: err.Error(), Data: summary})
		return
	}
	c.JSON(http.StatusOK, Success(summary))
}

// listNodes handles GET /api/v1/nodes?type=switch|fi.
func (s *Server) listNodes(c *gin.Context) {
	nodes := s.cfg.Fabric.Snapshot()
	if raw := c.Query("type"); raw != "" {
		t, err := topology.ParseNodeType(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, Error(http.StatusBadRequest, err.Error()))
			return
		}
		nodes = lo.Filter(nodes, func(n topology.NodeSnapshot, _ int) bool {
			return n.Type == t.String()
		})
	}
	c.JSON(http.StatusOK, Success(nodes))
}

// nodePorts handles GET /api/v1/nodes/:lid/ports?active=true|false.
func (s *Server) nodePorts(c *gin.Context) {
	lid, err := strconv.ParseUint(c.Param("lid"), 0, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, Error(http.StatusBadRequest, "invalid lid"))
		return
	}
	ports, ok := s.cfg.Fabric.PortCounters(uint16(lid))
	if !ok {
		c.JSON(http.StatusNotFound, Error(http.StatusNotFound, "no node at lid "+c.Param("lid")))
		return
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, Error(http.StatusBadRequest, "active must be a boolean"))
			return
		}
		ports = lo.Filter(ports, func(p topology.PortSnapshot, _ int) bool {
			return p.Active == active
		})
	}
	c.JSON(http.StatusOK, Success(gin.H{"lid": lid, "ports": ports}))
}

func errString(err error) string {
	if err == nil {
		return "sweep returned no summary"
	}
	return err.Error()
}
