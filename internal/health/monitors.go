// Package health provides the status monitors the supervisor polls.
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/turtacn/rigkeeper/internal/supervisor"
	"github.com/turtacn/rigkeeper/pkg/consts"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// failing maps a failed check onto a status: workers still in warmup are
// Initializing, everything else is Unhealthy.
func failing(uptime, warmup time.Duration) consts.HealthStatus {
	if uptime < warmup {
		return consts.HealthInitializing
	}
	return consts.HealthUnhealthy
}

// ProcessMonitor treats a live process as healthy once warmup has passed.
// Exits are detected by the supervisor itself.
type ProcessMonitor struct {
	Warmup time.Duration
}

func (m ProcessMonitor) CheckHealth(_ context.Context, uptime, _ time.Duration) consts.HealthStatus {
	if uptime < m.Warmup {
		return consts.HealthInitializing
	}
	return consts.HealthHealthy
}

// HTTPMonitor checks an HTTP endpoint. 2xx is healthy, 429 and other 4xx
// answers are warnings, 5xx or no answer is unhealthy.
type HTTPMonitor struct {
	URL    string
	Warmup time.Duration
	Client *http.Client
}

func (m *HTTPMonitor) CheckHealth(ctx context.Context, uptime, timeout time.Duration) consts.HealthStatus {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return consts.HealthUnhealthy
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Log.Debug("Health: HTTP check failed", "url", m.URL, "err", err)
		return failing(uptime, m.Warmup)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return consts.HealthHealthy
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return consts.HealthWarning
	default:
		return failing(uptime, m.Warmup)
	}
}

// TCPMonitor checks that the worker accepts connections on Address.
type TCPMonitor struct {
	Address string
	Warmup  time.Duration
}

func (m TCPMonitor) CheckHealth(ctx context.Context, uptime, timeout time.Duration) consts.HealthStatus {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", m.Address)
	if err != nil {
		return failing(uptime, m.Warmup)
	}
	conn.Close()
	return consts.HealthHealthy
}

// GRPCMonitor queries the standard grpc.health.v1 service of a worker.
// The connection is created lazily and reused across polls.
type GRPCMonitor struct {
	Target  string
	Service string
	Warmup  time.Duration

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client healthpb.HealthClient
}

func (m *GRPCMonitor) healthClient() (healthpb.HealthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	conn, err := grpc.NewClient(m.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	m.conn = conn
	m.client = healthpb.NewHealthClient(conn)
	return m.client, nil
}

func (m *GRPCMonitor) CheckHealth(ctx context.Context, uptime, timeout time.Duration) consts.HealthStatus {
	client, err := m.healthClient()
	if err != nil {
		logger.Log.Warn("Health: gRPC client setup failed", "target", m.Target, "err", err)
		return consts.HealthUnhealthy
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: m.Service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// Service name not registered: the worker is up but misconfigured.
			return consts.HealthWarning
		}
		logger.Log.Debug("Health: gRPC check failed", "target", m.Target, "err", err)
		return failing(uptime, m.Warmup)
	}

	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return consts.HealthHealthy
	case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
		return consts.HealthWarning
	default:
		return failing(uptime, m.Warmup)
	}
}

// Close releases the cached connection.
func (m *GRPCMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn, m.client = nil, nil
	return err
}

// FallbackMonitor wraps another monitor and asks the supervisor to stop the
// worker once it has been unhealthy for StopAfter. OnStop runs first, so the
// caller can switch to an alternative mode (e.g. a CPU miner in place of a
// failing GPU miner).
type FallbackMonitor struct {
	supervisor.StatusMonitor
	StopAfter time.Duration
	OnStop    func(sinceHealthy time.Duration)
}

func (m *FallbackMonitor) HandleUnhealthy(sinceHealthy time.Duration) supervisor.UnhealthyAction {
	if m.StopAfter <= 0 || sinceHealthy < m.StopAfter {
		return supervisor.ActionContinue
	}
	if m.OnStop != nil {
		m.OnStop(sinceHealthy)
	}
	return supervisor.ActionStop
}
