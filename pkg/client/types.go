package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ServiceStatus is the state of a managed service as reported by the backend.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceError   ServiceStatus = "error"
	ServiceUnknown ServiceStatus = "unknown"
)

// UnmarshalJSON maps unrecognised values to ServiceUnknown.
func (s *ServiceStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := ServiceStatus(strings.ToLower(raw)); v {
	case ServiceRunning, ServiceStopped, ServiceError:
		*s = v
	default:
		*s = ServiceUnknown
	}
	return nil
}

// HealthStatus is the health of a Marzban instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

func (h *HealthStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := HealthStatus(strings.ToLower(raw)); v {
	case HealthHealthy, HealthDegraded, HealthUnhealthy:
		*h = v
	default:
		*h = HealthUnknown
	}
	return nil
}

// ServiceAction is a lifecycle operation accepted by ControlService.
type ServiceAction string

const (
	ActionStart   ServiceAction = "start"
	ActionStop    ServiceAction = "stop"
	ActionRestart ServiceAction = "restart"
)

// Valid reports whether a is start, stop or restart.
func (a ServiceAction) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart:
		return true
	}
	return false
}

// ParseServiceAction parses a case-insensitive action name.
func ParseServiceAction(s string) (ServiceAction, error) {
	a := ServiceAction(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Timestamp decodes ISO-8601 strings with or without a zone offset. Values
// without an offset, as written by Python's datetime.isoformat(), are taken
// as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if v, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// SystemStatus is the body of GET /api/status.
type SystemStatus struct {
	Uptime          float64 `json:"uptime"`
	ServicesRunning int     `json:"services_running"`
	ServicesTotal   int     `json:"services_total"`
	HealthStatus    string  `json:"health_status"`
}

// ServiceInfo describes one managed service.
type ServiceInfo struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	Uptime       *float64      `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    *string       `json:"last_error,omitempty"`
	PID          *int          `json:"pid,omitempty"`
	Memory       *float64      `json:"memory,omitempty"`
	CPU          *float64      `json:"cpu,omitempty"`
}

// ServicesResponse is the body of GET /api/services.
type ServicesResponse struct {
	Services map[string]ServiceInfo `json:"services"`
}

// ServiceActionResponse acknowledges a ControlService call.
type ServiceActionResponse struct {
	Success bool   `json:"success"`
	Service string `json:"service"`
	Action  string `json:"action"`
}

// UserStats is the body of GET /api/users/stats.
type UserStats struct {
	TotalUsers          int `json:"total_users"`
	ActiveSubscriptions int `json:"active_subscriptions"`
	TrialUsers          int `json:"trial_users"`
	NewToday            int `json:"new_today"`
	TotalConfigs        int `json:"total_configs"`
}

// TrafficInfo holds byte totals for a Marzban instance.
type TrafficInfo struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
}

// TotalGB returns upload plus download in GiB.
func (t TrafficInfo) TotalGB() float64 {
	return float64(t.Upload+t.Download) / (1 << 30)
}

// MarzbanInstance describes an externally managed panel node.
type MarzbanInstance struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	BaseURL    string        `json:"base_url"`
	IsActive   bool          `json:"is_active"`
	Priority   int           `json:"priority"`
	Health     *HealthStatus `json:"health,omitempty"`
	NodesCount *int          `json:"nodes_count,omitempty"`
	UsersCount *int          `json:"users_count,omitempty"`
	Traffic    *TrafficInfo  `json:"traffic,omitempty"`
}

// MarzbanInstancesResponse is the body of GET /api/marzban/instances.
type MarzbanInstancesResponse struct {
	Instances []MarzbanInstance `json:"instances"`
}

// ServiceMetrics is one point of a service's metrics history.
type ServiceMetrics struct {
	Timestamp Timestamp `json:"timestamp"`
	CPU       *float64  `json:"cpu,omitempty"`
	Memory    *float64  `json:"memory,omitempty"`
	Requests  *int      `json:"requests,omitempty"`
	Errors    *int      `json:"errors,omitempty"`
}

// MetricsHistoryResponse is the body of GET /api/metrics/history.
type MetricsHistoryResponse struct {
	Service string           `json:"service"`
	Metrics []ServiceMetrics `json:"metrics"`
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body of POST /api/login and /api/logout.
type LoginResponse struct {
	Success bool `json:"success"`
}
