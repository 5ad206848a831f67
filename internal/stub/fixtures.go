package stub

import (
	"time"

	"github.com/loykin/orbitmgr/pkg/client"
)

// Fixtures is the data served by the stub.
type Fixtures struct {
	Status    client.SystemStatus
	Services  map[string]client.ServiceInfo
	Users     client.UserStats
	Instances []client.MarzbanInstance
	Metrics   map[string][]client.ServiceMetrics
}

func ptr[T any](v T) *T { return &v }

// DefaultFixtures returns a small, self-consistent data set.
func DefaultFixtures() Fixtures {
	base := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	metrics := func(n int, cpu, mem float64) []client.ServiceMetrics {
		out := make([]client.ServiceMetrics, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, client.ServiceMetrics{
				Timestamp: client.Timestamp{Time: base.Add(time.Duration(i) * time.Minute)},
				CPU:       ptr(cpu + float64(i)),
				Memory:    ptr(mem),
				Requests:  ptr(10 * i),
				Errors:    ptr(0),
			})
		}
		return out
	}
	healthy, degraded := client.HealthHealthy, client.HealthDegraded
	return Fixtures{
		Status: client.SystemStatus{Uptime: 3600, ServicesRunning: 2, ServicesTotal: 3, HealthStatus: "healthy"},
		Services: map[string]client.ServiceInfo{
			"bot": {
				Name: "bot", Status: client.ServiceRunning, Uptime: ptr(3590.5), RestartCount: 0,
				PID: ptr(4242), Memory: ptr(128.4), CPU: ptr(3.2),
			},
			"marzban_monitor": {
				Name: "marzban_monitor", Status: client.ServiceRunning, Uptime: ptr(3588.0), RestartCount: 1,
				PID: ptr(4250), Memory: ptr(64.0), CPU: ptr(0.7),
			},
			"alerts": {
				Name: "alerts", Status: client.ServiceError, RestartCount: 3,
				LastError: ptr("telegram: 401 Unauthorized"),
			},
		},
		Users: client.UserStats{TotalUsers: 120, ActiveSubscriptions: 45, TrialUsers: 8, NewToday: 3, TotalConfigs: 210},
		Instances: []client.MarzbanInstance{
			{
				ID: "eu-1", Name: "Frankfurt", BaseURL: "https://eu1.example.net", IsActive: true, Priority: 1,
				Health: &healthy, NodesCount: ptr(4), UsersCount: ptr(80),
				Traffic: &client.TrafficInfo{Upload: 3 << 30, Download: 5 << 30},
			},
			{
				ID: "us-1", Name: "Ashburn", BaseURL: "https://us1.example.net", IsActive: false, Priority: 2,
				Health: &degraded,
			},
		},
		Metrics: map[string][]client.ServiceMetrics{
			"bot":             metrics(5, 2.5, 128),
			"marzban_monitor": metrics(3, 0.5, 64),
		},
	}
}
