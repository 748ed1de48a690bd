package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tempus/pkg/coordination"
	"tempus/pkg/metrics"
)

// listWorkers handles GET /cluster/workers: every worker with a live
// heartbeat lease.
func (s *Server) listWorkers(c *gin.Context) {
	if s.coord == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []coordination.WorkerInfo{}, "count": 0})
		return
	}
	workers, err := s.coord.ActiveWorkers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.ActiveWorkers.Set(float64(len(workers)))
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

// queueDepths handles GET /cluster/queue: per-band backlog plus delayed and
// repeatable counts.
func (s *Server) queueDepths(c *gin.Context) {
	depths, err := s.queue.Depths(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, depths)
}
