package health

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Status represents the health status of a component
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check represents a single health check
type Check struct {
	Name   string                 `json:"name"`
	Status Status                 `json:"status"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// HealthResponse represents the health endpoint response
type HealthResponse struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc is a function that performs a health check
type CheckFunc func() Check

// Checker manages health checks for the application
type Checker struct {
	mu            sync.RWMutex
	livenessChecks  []CheckFunc
	readinessChecks []CheckFunc
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{
		livenessChecks:  make([]CheckFunc, 0),
		readinessChecks: make([]CheckFunc, 0),
	}
}

// AddLivenessCheck adds a liveness check
func (c *Checker) AddLivenessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livenessChecks = append(c.livenessChecks, check)
}

// AddReadinessCheck adds a readiness check
func (c *Checker) AddReadinessCheck(check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks = append(c.readinessChecks, check)
}

// runChecks runs a set of health checks and returns the aggregated response
func (c *Checker) runChecks(checks []CheckFunc) HealthResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := HealthResponse{
		Status: StatusUp,
		Checks: make([]Check, 0, len(checks)),
	}

	for _, checkFunc := range checks {
		check := checkFunc()
		response.Checks = append(response.Checks, check)
		if check.Status == StatusDown {
			response.Status = StatusDown
		}
	}

	return response
}

// GetLiveness returns the liveness status
func (c *Checker) GetLiveness() HealthResponse {
	return c.runChecks(c.livenessChecks)
}

// GetReadiness returns the readiness status
func (c *Checker) GetReadiness() HealthResponse {
	return c.runChecks(c.readinessChecks)
}

// GetHealth returns the combined health status
func (c *Checker) GetHealth() HealthResponse {
	c.mu.RLock()
	allChecks := make([]CheckFunc, 0, len(c.livenessChecks)+len(c.readinessChecks))
	allChecks = append(allChecks, c.livenessChecks...)
	allChecks = append(allChecks, c.readinessChecks...)
	c.mu.RUnlock()

	return c.runChecks(allChecks)
}

// HandleHealth handles the /q/health endpoint
func (c *Checker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := c.GetHealth()
	c.writeResponse(w, response)
}

// HandleLive handles the /q/health/live endpoint
func (c *Checker) HandleLive(w http.ResponseWriter, r *http.Request) {
	// Liveness is always UP if the server is running
	// Add any liveness checks if needed
	response := c.GetLiveness()
	if len(response.Checks) == 0 {
		response.Status = StatusUp
	}
	c.writeResponse(w, response)
}

// HandleReady handles the /q/health/ready endpoint
func (c *Checker) HandleReady(w http.ResponseWriter, r *http.Request) {
	response := c.GetReadiness()
	if len(response.Checks) == 0 {
		response.Status = StatusUp
	}
	c.writeResponse(w, response)
}

func (c *Checker) writeResponse(w http.ResponseWriter, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")

	if response.Status == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

// NATSCheck creates a health check for NATS
func NATSCheck(isConnected func() bool) CheckFunc {
	return func() Check {
		if !isConnected() {
			return Check{
				Name:   "NATS",
				Status: StatusDown,
			}
		}
		return Check{
			Name:   "NATS",
			Status: StatusUp,
		}
	}
}

// SQSCheck creates a health check for AWS SQS
// The checkFunc should call GetQueueAttributes to verify queue accessibility
func SQSCheck(checkFunc func() error) CheckFunc {
	return func() Check {
		err := checkFunc()
		if err != nil {
			return Check{
				Name:   "SQS",
				Status: StatusDown,
				Data: map[string]interface{}{
					"error": err.Error(),
				},
			}
		}
		return Check{
			Name:   "SQS",
			Status: StatusUp,
		}
	}
}

// StoreCheck creates a health check for the persistence backend
// The pingFunc should verify connectivity
func StoreCheck(name string, pingFunc func() error) CheckFunc {
	return func() Check {
		err := pingFunc()
		if err != nil {
			return Check{
				Name:   name,
				Status: StatusDown,
				Data: map[string]interface{}{
					"error": err.Error(),
				},
			}
		}
		return Check{
			Name:   name,
			Status: StatusUp,
		}
	}
}

// WorkerCheck creates a health check for the inbox worker orchestrator
// The getStates function should return the state of each inbox loop
func WorkerCheck(isRunning func() bool, getStates func() map[string]string) CheckFunc {
	return func() Check {
		if !isRunning() {
			return Check{
				Name:   "InboxWorker",
				Status: StatusDown,
				Data: map[string]interface{}{
					"running": false,
				},
			}
		}

		states := getStates()
		allRunning := true
		for _, state := range states {
			if state != "RUNNING" {
				allRunning = false
				break
			}
		}

		status := StatusUp
		if !allRunning {
			status = StatusDown
		}

		return Check{
			Name:   "InboxWorker",
			Status: status,
			Data: map[string]interface{}{
				"running": true,
				"inboxes": states,
			},
		}
	}
}
