package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Login posts credentials. On a 2xx answer the session takes the returned
// success flag. A status or decode failure marks the session
// unauthenticated; a transport failure leaves it unchanged.
func (c *Client) Login(ctx context.Context, username, password string) (bool, error) {
	resp, err := doJSON[LoginResponse](ctx, c, http.MethodPost, "/api/login", "/api/login",
		LoginRequest{Username: username, Password: password})
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			c.session.set(false)
		}
		return false, err
	}
	c.session.set(resp.Success)
	return resp.Success, nil
}

// Logout ends the session. The local session is cleared whatever the
// outcome; the error, if any, is still returned.
func (c *Client) Logout(ctx context.Context) error {
	defer c.session.set(false)
	_, err := doJSON[LoginResponse](ctx, c, http.MethodPost, "/api/logout", "/api/logout", nil)
	return err
}

func (c *Client) FetchSystemStatus(ctx context.Context) (SystemStatus, error) {
	return doJSON[SystemStatus](ctx, c, http.MethodGet, "/api/status", "/api/status", nil)
}

// FetchServices returns services keyed by name.
func (c *Client) FetchServices(ctx context.Context) (map[string]ServiceInfo, error) {
	resp, err := doJSON[ServicesResponse](ctx, c, http.MethodGet, "/api/services", "/api/services", nil)
	if err != nil {
		return nil, err
	}
	if resp.Services == nil {
		return map[string]ServiceInfo{}, nil
	}
	return resp.Services, nil
}

// ControlService starts, stops or restarts a backend-managed service. The
// name is placed in the path as given.
func (c *Client) ControlService(ctx context.Context, name string, action ServiceAction) (ServiceActionResponse, error) {
	if !action.Valid() {
		return ServiceActionResponse{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	endpoint := "/api/services/" + name + "/" + string(action)
	return doJSON[ServiceActionResponse](ctx, c, http.MethodPost, endpoint, "/api/services/{name}/"+string(action), nil)
}

func (c *Client) FetchUserStats(ctx context.Context) (UserStats, error) {
	return doJSON[UserStats](ctx, c, http.MethodGet, "/api/users/stats", "/api/users/stats", nil)
}

func (c *Client) FetchMarzbanInstances(ctx context.Context) ([]MarzbanInstance, error) {
	resp, err := doJSON[MarzbanInstancesResponse](ctx, c, http.MethodGet, "/api/marzban/instances", "/api/marzban/instances", nil)
	if err != nil {
		return nil, err
	}
	if resp.Instances == nil {
		return []MarzbanInstance{}, nil
	}
	return resp.Instances, nil
}

func (c *Client) FetchMarzbanInstance(ctx context.Context, id string) (MarzbanInstance, error) {
	return doJSON[MarzbanInstance](ctx, c, http.MethodGet, "/api/marzban/instances/"+id, "/api/marzban/instances/{id}", nil)
}

// FetchMetricsHistory returns the metrics of one service over the last
// hours. With an empty service it returns an empty slice and sends nothing:
// the backend's all-services answer has a different shape that is not
// decoded.
func (c *Client) FetchMetricsHistory(ctx context.Context, service string, hours int) ([]ServiceMetrics, error) {
	if service == "" {
		return []ServiceMetrics{}, nil
	}
	endpoint := fmt.Sprintf("/api/metrics/history?hours=%d&service=%s", hours, service)
	resp, err := doJSON[MetricsHistoryResponse](ctx, c, http.MethodGet, endpoint, "/api/metrics/history", nil)
	if err != nil {
		return nil, err
	}
	if resp.Metrics == nil {
		return []ServiceMetrics{}, nil
	}
	return resp.Metrics, nil
}

// CheckHealth probes /api/status and reports whether it answered 2xx with a
// decodable body. It never returns an error.
func (c *Client) CheckHealth(ctx context.Context) bool {
	_, err := doJSON[SystemStatus](ctx, c, http.MethodGet, "/api/status", "/api/status", nil)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	return true
}
