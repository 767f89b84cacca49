package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Machine state messages
	MessageTypeMachineState MessageType = "machine_state"
	MessageTypeNetworkState MessageType = "network_state"

	// Motion messages
	MessageTypePositionSample MessageType = "position_sample"
	MessageTypeMoveStarted    MessageType = "move_started"
	MessageTypeMoveCompleted  MessageType = "move_completed"
	MessageTypeMoveFailed     MessageType = "move_failed"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// MachineStateData represents machine state change data
type MachineStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
	Error    string `json:"error,omitempty"`
}

type NetworkStateData struct {
	Phase string `json:"phase"`
	Units int    `json:"units"`
}

// PositionData is one monitor sample of the axis.
type PositionData struct {
	MoveID     string `json:"move_id,omitempty"`
	Position   int32  `json:"position"`
	Statusword string `json:"statusword"`
	DriveState string `json:"drive_state"`
	Polls      int    `json:"polls"`
}

type MoveData struct {
	MoveID      string `json:"move_id"`
	Degrees     int    `json:"degrees"`
	Target      int32  `json:"target"`
	Position    int32  `json:"position,omitempty"`
	FailedSteps int    `json:"failed_steps,omitempty"`
	Message     string `json:"message,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewMachineStateMessage(newState, previousState, errorMsg string) Message {
	return NewMessage(MessageTypeMachineState, MachineStateData{
		State:    newState,
		Previous: previousState,
		Error:    errorMsg,
	})
}

func NewNetworkStateMessage(phase string, units int) Message {
	return NewMessage(MessageTypeNetworkState, NetworkStateData{Phase: phase, Units: units})
}

func NewPositionMessage(data PositionData) Message {
	return NewMessage(MessageTypePositionSample, data)
}

func NewMoveMessage(msgType MessageType, data MoveData) Message {
	return NewMessage(msgType, data)
}
