package httptransport

import (
	"context"
	"net/http"

	"quickapi/internal/gateway"
	"quickapi/internal/simulation"
)

//go:generate mockgen -source=handlers_simulation.go -destination=mocks/mocks.go -package=mocks SimulationService

// SimulationService queues simulations for verified requests.
type SimulationService interface {
	Run(ctx context.Context, v simulation.Variant, in simulation.Input) (*simulation.Simulation, error)
}

// SimulationResponse is the body returned once a simulation is queued.
type SimulationResponse struct {
	Success    bool                   `json:"success"`
	Simulation *simulation.Simulation `json:"simulation"`
}

// SimulationHandler adapts the simulation service to gateway routes.
type SimulationHandler struct {
	service SimulationService
}

// NewSimulationHandler creates a SimulationHandler.
func NewSimulationHandler(service SimulationService) *SimulationHandler {
	return &SimulationHandler{service: service}
}

// Route builds the gateway route serving variant v for call type ct.
func (h *SimulationHandler) Route(v simulation.Variant, ct gateway.CallType, pattern string) gateway.Route {
	return gateway.Route{
		APIID:    v.APIID,
		CallType: ct,
		Pattern:  pattern,
		Handle: func(ctx context.Context, c *gateway.Call) (int, any, error) {
			return h.handleSimulation(ctx, v, c)
		},
	}
}

func (h *SimulationHandler) handleSimulation(ctx context.Context, v simulation.Variant, c *gateway.Call) (int, any, error) {
	in := simulation.Input{
		ClientID:  c.Client.ID,
		RequestID: c.RequestID,
		Storage:   c.API.Storage,
	}
	if c.Body != nil {
		in.Data = c.Body.Data
		in.Files = c.Body.Files
	}

	sim, err := h.service.Run(ctx, v, in)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, SimulationResponse{Success: true, Simulation: sim}, nil
}
