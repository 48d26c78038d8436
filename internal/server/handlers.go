package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"txguard/internal/ledger"
	"txguard/internal/risk"
	"txguard/internal/storage"
	"txguard/internal/version"
)

func (s *Server) registerRiskRoutes(r *gin.RouterGroup) {
	r.POST("/assess", s.assess)
	r.POST("/signals/:signal", s.scoreSignal)
}

func (s *Server) registerLedgerRoutes(r *gin.RouterGroup) {
	r.POST("/blocks", s.appendBlock)
	r.GET("/blocks", s.listBlocks)
	r.GET("/blocks/:index", s.getBlock)
	r.GET("/verify", s.verifyLedger)
	r.GET("/stats", s.ledgerStats)
}

// assess handles POST /v1/risk/assess
func (s *Server) assess(c *gin.Context) {
	var req risk.Request
	if !bindJSON(c, &req) {
		return
	}

	assessor := s.svc.Assessor()
	var result risk.CompositeRiskResult
	if req.At.IsZero() {
		result = assessor.Assess(req.Transaction, req.Context)
	} else {
		result = assessor.AssessAt(req.Transaction, req.Context, req.At)
	}
	c.JSON(http.StatusOK, result)
}

// scoreSignal handles POST /v1/risk/signals/:signal
func (s *Server) scoreSignal(c *gin.Context) {
	var req risk.Request
	if !bindJSON(c, &req) {
		return
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	result, ok := risk.ScoreSignal(c.Param("signal"), req.Transaction, req.Context, at)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown signal " + c.Param("signal"),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// processTransaction handles POST /v1/transactions
func (s *Server) processTransaction(c *gin.Context) {
	var tx risk.Transaction
	if !bindJSON(c, &tx) {
		return
	}
	if tx.ID == "" || tx.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "id and userId are required",
		})
		return
	}
	if tx.Amount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must not be negative",
		})
		return
	}

	out, err := s.svc.Process(c.Request.Context(), tx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

type appendRequest struct {
	Data json.RawMessage `json:"data"`
}

// appendBlock handles POST /v1/ledger/blocks
func (s *Server) appendBlock(c *gin.Context) {
	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limited",
			"message": "Too many ledger appends, retry later",
		})
		return
	}

	var req appendRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "data is required",
		})
		return
	}

	blk, err := s.svc.AppendEntry(c.Request.Context(), req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, blk)
}

// listBlocks handles GET /v1/ledger/blocks
func (s *Server) listBlocks(c *gin.Context) {
	blocks := s.svc.Ledger().Blocks()
	c.JSON(http.StatusOK, gin.H{
		"blocks": blocks,
		"count":  len(blocks),
	})
}

// getBlock handles GET /v1/ledger/blocks/:index
func (s *Server) getBlock(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "index must be a non-negative integer",
		})
		return
	}

	blk, ok := s.svc.Ledger().Block(index)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No block at index " + c.Param("index"),
		})
		return
	}
	c.JSON(http.StatusOK, blk)
}

// verifyLedger handles GET /v1/ledger/verify
func (s *Server) verifyLedger(c *gin.Context) {
	result, err := s.svc.AuditLedger(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":  result.Valid(),
		"report": result,
	})
}

// ledgerStats handles GET /v1/ledger/stats
func (s *Server) ledgerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Ledger().Stats())
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	payload := gin.H{
		"status": "ok",
		"blocks": s.svc.Ledger().Len(),
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health probe failed")
			status = http.StatusServiceUnavailable
			payload["status"] = "degraded"
			payload["error"] = err.Error()
		}
	}
	c.JSON(status, payload)
}

func (s *Server) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current())
}

func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate",
			"message": "Transaction already processed",
		})
	case errors.Is(err, ledger.ErrMiningTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "mining_timeout",
			"message": "Block could not be sealed in time, retry later",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": err.Error(),
		})
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return false
	}
	return true
}
