package httpapi

import (
	"net/http"

	"github.com/mistakeknot/randomizer/internal/allocation"
	"github.com/mistakeknot/randomizer/internal/platform/logger"
	"github.com/mistakeknot/randomizer/internal/schema"
)

// Service adapts the schema registry and the allocation engine to HTTP.
type Service struct {
	registry *schema.Registry
	engine   *allocation.Engine
	bus      Broadcaster
	log      *logger.Logger
	metrics  http.Handler
}

// Broadcaster delivers committed row transitions to table watchers.
type Broadcaster interface {
	Broadcast(tableID int64, event any)
}

func NewService(reg *schema.Registry, eng *allocation.Engine) *Service {
	return &Service{registry: reg, engine: eng, log: logger.Nop()}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) WithLogger(l *logger.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

// WithMetrics serves h at /metrics.
func (s *Service) WithMetrics(h http.Handler) *Service {
	s.metrics = h
	return s
}

// Registry is exposed for the websocket authorizer.
func (s *Service) Registry() *schema.Registry {
	return s.registry
}
