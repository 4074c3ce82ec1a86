// Package adminapi exposes a small read-only HTTP surface for operators:
// health, committed rule versions, queue depth, and open join counts
// (SPEC_FULL.md §11.9). It never mutates routing state - the "pure
// observer" principle applied to operability, the same one governing
// monitor and metrics.
package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tokenflow.evalgo.org/orchestrator"
	"tokenflow.evalgo.org/topology"
)

// Inspectable is the subset of Orchestrator this API reads from. A
// narrow interface keeps the API's test doubles small.
type Inspectable interface {
	QueueDepth() int
	OperationStats() *orchestratorStats
	CommittedVersions() []string
	OpenJoinCount() int
}

// orchestratorStats mirrors statemanager.OperationStats' shape without
// importing it directly into this file's exported surface, since the
// admin API only ever re-serializes it as JSON.
type orchestratorStats = struct {
	TotalOperations int
	ByStatus        map[string]int
	ByOperation     map[string]int
	AverageDuration string
}

// Server wires the admin routes onto an echo.Echo instance.
type Server struct {
	echo *echo.Echo
	node Inspectable
}

// New builds a Server reading from node. Auth middleware, if any, must
// be attached by the caller before Start (see WithJWTAuth/WithBasicAuth
// in auth.go).
func New(node Inspectable) *Server {
	e := echo.New()
	e.HideBanner = true

	s := &Server{echo: e, node: node}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/rulestore/versions", s.handleVersions)
	e.GET("/queue/stats", s.handleQueueStats)
	e.GET("/forkjoin/stats", s.handleForkJoinStats)
	return s
}

// Echo returns the underlying echo.Echo, so callers can attach
// middleware (auth, logging) before starting the server.
func (s *Server) Echo() *echo.Echo { return s.echo }

// WithTopology attaches the read-only topology graph introspection
// routes to s. graph is the caller's responsibility to keep open for
// the server's lifetime; it is never written to by this package.
func WithTopology(s *Server, graph *topology.Graph) {
	s.echo.GET("/topology/places", func(c echo.Context) error {
		places, err := graph.AllPlaces()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"places": places})
	})
	s.echo.GET("/topology/successors", func(c echo.Context) error {
		service, operation := c.QueryParam("service"), c.QueryParam("operation")
		successors, err := graph.Successors(service, operation)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"successors": successors})
	})
}

// Start listens on address, blocking until the server stops or errors.
func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"versions": s.node.CommittedVersions(),
	})
}

func (s *Server) handleQueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"depth": s.node.QueueDepth(),
		"stats": s.node.OperationStats(),
	})
}

func (s *Server) handleForkJoinStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"openJoins": s.node.OpenJoinCount(),
	})
}

// orchestratorAdapter adapts *orchestrator.Orchestrator to Inspectable,
// converting statemanager's stats struct into this package's JSON-only
// mirror type.
type orchestratorAdapter struct {
	*orchestrator.Orchestrator
}

// NewOrchestratorAdapter wraps o so it satisfies Inspectable.
func NewOrchestratorAdapter(o *orchestrator.Orchestrator) Inspectable {
	return orchestratorAdapter{o}
}

func (a orchestratorAdapter) OperationStats() *orchestratorStats {
	st := a.Orchestrator.OperationStats()
	if st == nil {
		return nil
	}
	byStatus := make(map[string]int, len(st.ByStatus))
	for status, count := range st.ByStatus {
		byStatus[string(status)] = count
	}
	return &orchestratorStats{
		TotalOperations: st.TotalOperations,
		ByStatus:        byStatus,
		ByOperation:     st.ByOperation,
		AverageDuration: st.AverageDuration,
	}
}
