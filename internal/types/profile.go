package types

import "github.com/KevinKickass/ecatmotor/internal/coe"

// DriveProfile is the register map, controlword table and motion constants
// of one drive model. The motion state machine reads everything it sends
// from here.
type DriveProfile struct {
	Profile      DriveProfileInfo `json:"profile"`
	Objects      ObjectMap        `json:"objects"`
	Controlwords ControlwordTable `json:"controlwords"`
	Status       StatusBits       `json:"status"`
	Modes        OperatingModes   `json:"modes"`
	Motion       MotionConstants  `json:"motion"`
}

type DriveProfileInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// ObjectMap holds the CiA 402 object dictionary addresses used by the axis.
type ObjectMap struct {
	Controlword         coe.Address `json:"controlword"`
	Statusword          coe.Address `json:"statusword"`
	ModesOfOperation    coe.Address `json:"modes_of_operation"`
	TargetPosition      coe.Address `json:"target_position"`
	ProfileVelocity     coe.Address `json:"profile_velocity"`
	ProfileAcceleration coe.Address `json:"profile_acceleration"`
	ProfileDeceleration coe.Address `json:"profile_deceleration"`
	PositionActual      coe.Address `json:"position_actual"`
}

// ControlwordTable holds the controlword patterns for each transition.
type ControlwordTable struct {
	Clear           uint16 `json:"clear"`
	Shutdown        uint16 `json:"shutdown"`
	SwitchOn        uint16 `json:"switch_on"`
	EnableOperation uint16 `json:"enable_operation"`
	NewSetPoint     uint16 `json:"new_set_point"`
}

// StatusBits names statusword bits the monitor relies on.
type StatusBits struct {
	TargetPendingBit uint `json:"target_pending_bit"`
}

type OperatingModes struct {
	ProfilePosition uint8 `json:"profile_position"`
}

// MotionConstants are fixed per session.
type MotionConstants struct {
	RevolutionPulses    uint32 `json:"revolution_pulses"`
	ProfileAcceleration uint32 `json:"profile_acceleration"`
	ProfileDeceleration uint32 `json:"profile_deceleration"`
	ProfileVelocity     uint32 `json:"profile_velocity"`
}
