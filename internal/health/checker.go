package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is satisfied by *sql.DB and the SQL-backed stores.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database or http
	CheckResult
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Config holds health checker configuration.
type Config struct {
	// Databases are critical: any unreachable database makes the service unhealthy.
	Databases map[string]Pinger
	// Upstreams are provider base URLs; failures only degrade.
	Upstreams map[string]string

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
	HTTPClient         *http.Client
}

// Checker performs health checks on system components.
type Checker struct {
	cfg Config

	mu   sync.RWMutex
	last []Component
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	return &Checker{cfg: cfg}
}

// Check runs all component checks concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.cfg.Databases)+len(c.cfg.Upstreams))

	for name, db := range c.cfg.Databases {
		wg.Add(1)
		go func(name string, db Pinger) {
			defer wg.Done()
			results <- c.checkDatabase(ctx, name, db)
		}(name, db)
	}
	for name, url := range c.cfg.Upstreams {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, name, url)
		}(name, url)
	}
	wg.Wait()
	close(results)

	components := make([]Component, 0, cap(results))
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()

	return overall(components)
}

// LastStatus returns the result of the most recent Check.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return overall(c.last)
}

func (c *Checker) checkDatabase(ctx context.Context, name string, db Pinger) Component {
	comp := Component{Name: name, Type: "database", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.cfg.DBTimeout)
	defer cancel()

	err := db.PingContext(dbCtx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
	case comp.Latency > c.cfg.MaxDatabaseLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

// checkHTTPEndpoint treats any HTTP response, even 4xx/5xx, as reachable.
func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{Name: name, Type: "http", CheckResult: CheckResult{Timestamp: time.Now()}}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		return comp
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	resp.Body.Close()
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

func overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if comp.Type == "database" {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	if components == nil {
		components = []Component{}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components}
}
