// Package scenario replays scripted link sessions over the simulated
// radio and checks what each device observed.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultSettle bounds how long an assertion may take to become true
const DefaultSettle = 3 * time.Second

// Scenario defines a complete link interaction test case
type Scenario struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Medium      string          `json:"medium,omitempty"` // "perfect" or "realistic"
	SettleMs    int             `json:"settle_ms,omitempty"`
	Devices     []DeviceConfig  `json:"devices"`
	Timeline    []TimelineEvent `json:"timeline"`
	Assertions  []Assertion     `json:"assertions"`
}

// DeviceConfig defines a test device
type DeviceConfig struct {
	ID       string  `json:"id"`
	Role     string  `json:"role"` // "central" or "peripheral"
	Name     string  `json:"name"`
	Distance float64 `json:"distance,omitempty"`
	Handoff  bool    `json:"handoff,omitempty"`
}

// TimelineEvent represents an action at a specific time
type TimelineEvent struct {
	TimeMs  int                    `json:"time_ms"`
	Action  string                 `json:"action"`
	Device  string                 `json:"device"`
	Target  string                 `json:"target,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Comment string                 `json:"comment,omitempty"`
}

// Action types
const (
	ActionStart           = "start"
	ActionStop            = "stop"
	ActionConnect         = "connect"
	ActionDisconnect      = "disconnect"
	ActionSendText        = "send_text"
	ActionSendBulk        = "send_bulk"
	ActionRequestUnitSize = "request_unit_size"
	ActionPrepareHandoff  = "prepare_handoff"
	ActionDropLink        = "drop_link"
	ActionPowerOff        = "power_off"
	ActionPowerOn         = "power_on"
	ActionFailWrites      = "fail_writes"
)

// Assertion defines an expected outcome
type Assertion struct {
	Type    string                 `json:"type"`
	Device  string                 `json:"device,omitempty"`
	From    string                 `json:"from,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Comment string                 `json:"comment,omitempty"`
}

// Assertion types
const (
	AssertionState             = "state"
	AssertionConnected         = "connected"
	AssertionMessageReceived   = "message_received"
	AssertionPeerNamed         = "peer_named"
	AssertionUnitSize          = "unit_size"
	AssertionTransferCompleted = "transfer_completed"
	AssertionTransferFailed    = "transfer_failed"
	AssertionHandoffReceived   = "handoff_received"
	AssertionEvent             = "event"
)

var roles = map[string]bool{"central": true, "peripheral": true}

// LoadScenario loads a scenario from a JSON file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var scenario Scenario
	if err := json.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &scenario, nil
}

// Save saves a scenario to a JSON file
func (s *Scenario) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetDeviceByID returns a device config by ID
func (s *Scenario) GetDeviceByID(id string) *DeviceConfig {
	for i, device := range s.Devices {
		if device.ID == id {
			return &s.Devices[i]
		}
	}
	return nil
}

// Duration returns the time of the last timeline event
func (s *Scenario) Duration() time.Duration {
	maxTime := 0
	for _, event := range s.Timeline {
		if event.TimeMs > maxTime {
			maxTime = event.TimeMs
		}
	}
	return time.Duration(maxTime) * time.Millisecond
}

// Settle returns how long assertions are retried
func (s *Scenario) Settle() time.Duration {
	if s.SettleMs <= 0 {
		return DefaultSettle
	}
	return time.Duration(s.SettleMs) * time.Millisecond
}

// Validate checks that every reference in the scenario resolves
func (s *Scenario) Validate() []string {
	var errors []string

	deviceIDs := make(map[string]bool)
	for _, device := range s.Devices {
		if deviceIDs[device.ID] {
			errors = append(errors, "Duplicate device id: "+device.ID)
		}
		deviceIDs[device.ID] = true
		if !roles[device.Role] {
			errors = append(errors, fmt.Sprintf("Device %s has unknown role %q", device.ID, device.Role))
		}
	}

	for _, event := range s.Timeline {
		if !deviceIDs[event.Device] {
			errors = append(errors, "Event references unknown device: "+event.Device)
		}
		if event.Target != "" && !deviceIDs[event.Target] {
			errors = append(errors, "Event references unknown target: "+event.Target)
		}
	}

	for _, assertion := range s.Assertions {
		if !deviceIDs[assertion.Device] {
			errors = append(errors, "Assertion references unknown device: "+assertion.Device)
		}
		if assertion.From != "" && !deviceIDs[assertion.From] {
			errors = append(errors, "Assertion references unknown 'from' device: "+assertion.From)
		}
	}

	return errors
}

func dataString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// dataInt reads a JSON number; json decodes every number as float64
func dataInt(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
