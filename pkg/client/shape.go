package client

import (
	"encoding/json"
	"fmt"
)

// MissingFieldError means a decoded object lacks a required key or has it
// set to null.
type MissingFieldError struct {
	Record string
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: missing required field %q", e.Record, e.Field)
}

// requireKeys checks that b is a JSON object holding every key with a
// non-null value.
func requireKeys(record string, b []byte, keys ...string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("%s: %w", record, err)
	}
	if obj == nil {
		return fmt.Errorf("%s: expected an object, got null", record)
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || string(v) == "null" {
			return &MissingFieldError{Record: record, Field: k}
		}
	}
	return nil
}

func (s *SystemStatus) UnmarshalJSON(b []byte) error {
	if err := requireKeys("SystemStatus", b, "uptime", "services_running", "services_total", "health_status"); err != nil {
		return err
	}
	type plain SystemStatus
	return json.Unmarshal(b, (*plain)(s))
}

func (s *ServiceInfo) UnmarshalJSON(b []byte) error {
	if err := requireKeys("ServiceInfo", b, "name", "status", "restart_count"); err != nil {
		return err
	}
	type plain ServiceInfo
	return json.Unmarshal(b, (*plain)(s))
}

func (r *ServicesResponse) UnmarshalJSON(b []byte) error {
	if err := requireKeys("ServicesResponse", b, "services"); err != nil {
		return err
	}
	type plain ServicesResponse
	return json.Unmarshal(b, (*plain)(r))
}

func (r *ServiceActionResponse) UnmarshalJSON(b []byte) error {
	if err := requireKeys("ServiceActionResponse", b, "success", "service", "action"); err != nil {
		return err
	}
	type plain ServiceActionResponse
	return json.Unmarshal(b, (*plain)(r))
}

func (u *UserStats) UnmarshalJSON(b []byte) error {
	if err := requireKeys("UserStats", b, "total_users", "active_subscriptions", "trial_users", "new_today", "total_configs"); err != nil {
		return err
	}
	type plain UserStats
	return json.Unmarshal(b, (*plain)(u))
}

func (t *TrafficInfo) UnmarshalJSON(b []byte) error {
	if err := requireKeys("TrafficInfo", b, "upload", "download"); err != nil {
		return err
	}
	type plain TrafficInfo
	return json.Unmarshal(b, (*plain)(t))
}

func (m *MarzbanInstance) UnmarshalJSON(b []byte) error {
	if err := requireKeys("MarzbanInstance", b, "id", "name", "base_url", "is_active", "priority"); err != nil {
		return err
	}
	type plain MarzbanInstance
	return json.Unmarshal(b, (*plain)(m))
}

func (r *MarzbanInstancesResponse) UnmarshalJSON(b []byte) error {
	if err := requireKeys("MarzbanInstancesResponse", b, "instances"); err != nil {
		return err
	}
	type plain MarzbanInstancesResponse
	return json.Unmarshal(b, (*plain)(r))
}

func (m *ServiceMetrics) UnmarshalJSON(b []byte) error {
	if err := requireKeys("ServiceMetrics", b, "timestamp"); err != nil {
		return err
	}
	type plain ServiceMetrics
	return json.Unmarshal(b, (*plain)(m))
}

func (r *MetricsHistoryResponse) UnmarshalJSON(b []byte) error {
	if err := requireKeys("MetricsHistoryResponse", b, "service", "metrics"); err != nil {
		return err
	}
	type plain MetricsHistoryResponse
	return json.Unmarshal(b, (*plain)(r))
}

func (r *LoginResponse) UnmarshalJSON(b []byte) error {
	if err := requireKeys("LoginResponse", b, "success"); err != nil {
		return err
	}
	type plain LoginResponse
	return json.Unmarshal(b, (*plain)(r))
}
