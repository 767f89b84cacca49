package interfaces

import (
	"context"

	"github.com/KevinKickass/ecatmotor/internal/config"
	"github.com/KevinKickass/ecatmotor/internal/machine"
	"github.com/KevinKickass/ecatmotor/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State            string `json:"state"`
	Transport        string `json:"transport"`
	Interface        string `json:"interface"`
	MachineState     string `json:"machine_state"`
	NetworkPhase     string `json:"network_phase"`
	Units            int    `json:"units"`
	ConnectedClients int    `json:"connected_clients"`
	JournalEnabled   bool   `json:"journal_enabled"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Error            string `json:"error,omitempty"`
}

type LifecycleManager interface {
	Config() *config.Config
	// Storage is nil when the run journal is disabled.
	Storage() *storage.PostgresClient
	MachineController() *machine.Controller
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
