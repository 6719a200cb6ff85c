package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proofgate/proofgate"
	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

// statusClientClosedRequest mirrors nginx's non-standard 499: the
// submitter disconnected before the proof came back.
const statusClientClosedRequest = 499

type submitRequest struct {
	Payload    []byte `json:"payload" binding:"required"`
	MaxRetries *int   `json:"max_retries"`
}

// submitJob blocks until the proof is produced, the job fails
// terminally, or the client goes away.
func (s *Server) submitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var opts []job.Option
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}

	res, err := s.engine.Submit(c.Request.Context(), req.Payload, opts...)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":      res.JobID.String(),
		"proof":       res.Proof,
		"retry_count": res.RetryCount,
	})
}

func (s *Server) writeSubmitError(c *gin.Context, err error) {
	// Terminal failures first: ExhaustedError exposes its last cause
	// through Unwrap, so an admission or shutdown sentinel inside it
	// must not be mistaken for a job that was turned away up front.
	var ex *proofgate.ExhaustedError
	if errors.As(err, &ex) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":       fmt.Sprintf("proof generation failed: %v", ex.LastCause),
			"job_id":      ex.JobID,
			"retry_count": ex.RetryCount,
		})
		return
	}

	switch {
	case errors.Is(err, proofgate.ErrRateLimited):
		c.Header("X-Rate-Limit-Limit", strconv.FormatFloat(s.cfg.MaxRequestsPerSecond, 'f', -1, 64))
		c.Header("X-Rate-Limit-Remaining", "0")
		c.Header("X-Rate-Limit-Reset", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})

	case errors.Is(err, proofgate.ErrAdmissionRejected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many requests in the queue"})

	case errors.Is(err, proofgate.ErrProxyClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy shutting down"})

	case errors.Is(err, context.Canceled):
		// Client hung up; nothing left to tell them.
		c.Status(statusClientClosedRequest)

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) getJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	j, ok := s.engine.Job(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.JSON(http.StatusOK, j)
}

// ── roster ─────────────────────────────────────────

func (s *Server) listWorkers(c *gin.Context) {
	workers := s.engine.Workers()
	c.Header("X-Worker-Count", strconv.Itoa(len(workers)))
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

type putWorkersRequest struct {
	Workers []string `json:"workers" binding:"required"`
}

// putWorkers replaces the roster with the given address list.
func (s *Server) putWorkers(c *gin.Context) {
	var req putWorkersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	count, err := s.engine.SetWorkers(c.Request.Context(), req.Workers)
	c.Header("X-Worker-Count", strconv.Itoa(count))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

type addWorkerRequest struct {
	Addr string `json:"addr" binding:"required"`
}

func (s *Server) addWorker(c *gin.Context) {
	var req addWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	w, err := s.engine.AddWorker(c.Request.Context(), req.Addr)
	if err != nil {
		if errors.Is(err, proofgate.ErrWorkerExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "worker already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) removeWorker(c *gin.Context) {
	workerID, err := id.ParseWorkerID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}

	if err := s.engine.RemoveWorker(c.Request.Context(), workerID); err != nil {
		if errors.Is(err, proofgate.ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ── introspection ──────────────────────────────────

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) healthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ── dead letters ───────────────────────────────────

func (s *Server) listDLQ(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.engine.DLQ().List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) replayDLQ(c *gin.Context) {
	entryID, err := id.ParseDLQID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid entry id"})
		return
	}

	jobID, err := s.engine.DLQ().Replay(c.Request.Context(), entryID)
	if err != nil {
		if errors.Is(err, proofgate.ErrDLQNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown entry"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID.String()})
}

func (s *Server) purgeDLQ(c *gin.Context) {
	n, err := s.engine.DLQ().Purge(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}
