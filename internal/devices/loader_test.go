package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuiltinProfile(t *testing.T) {
	loader, err := NewProfileLoader(nil, nil)
	require.NoError(t, err)

	p, err := loader.Load(DefaultProfileID)
	require.NoError(t, err)

	assert.Equal(t, coe.At(0x6040, 0), p.Objects.Controlword)
	assert.Equal(t, coe.At(0x6041, 0), p.Objects.Statusword)
	assert.Equal(t, coe.At(0x6060, 0), p.Objects.ModesOfOperation)
	assert.Equal(t, coe.At(0x607A, 0), p.Objects.TargetPosition)
	assert.Equal(t, coe.At(0x6081, 0), p.Objects.ProfileVelocity)
	assert.Equal(t, coe.At(0x6083, 0), p.Objects.ProfileAcceleration)
	assert.Equal(t, coe.At(0x6084, 0), p.Objects.ProfileDeceleration)
	assert.Equal(t, coe.At(0x6064, 0), p.Objects.PositionActual)

	assert.Equal(t, uint16(0x0000), p.Controlwords.Clear)
	assert.Equal(t, uint16(0x0006), p.Controlwords.Shutdown)
	assert.Equal(t, uint16(0x0007), p.Controlwords.SwitchOn)
	assert.Equal(t, uint16(0x000F), p.Controlwords.EnableOperation)
	assert.Equal(t, uint16(0x001F), p.Controlwords.NewSetPoint)

	assert.Equal(t, uint(12), p.Status.TargetPendingBit)
	assert.Equal(t, uint8(1), p.Modes.ProfilePosition)
	assert.Equal(t, uint32(0x6500000), p.Motion.RevolutionPulses)
	assert.Equal(t, uint32(0x96), p.Motion.ProfileAcceleration)
	assert.Equal(t, uint32(0x96), p.Motion.ProfileDeceleration)
	assert.Equal(t, uint32(0x200), p.Motion.ProfileVelocity)

	again, err := loader.Load(DefaultProfileID)
	require.NoError(t, err)
	assert.Same(t, p, again)
}

const customProfile = `{
  "profile": {"id": "custom", "vendor": "acme", "model": "X1"},
  "objects": {
    "controlword": "0x6040:00",
    "statusword": "0x6041:00",
    "modes_of_operation": "0x6060:00",
    "target_position": "0x607A:00",
    "profile_velocity": "0x6081:00",
    "profile_acceleration": "0x6083:00",
    "profile_deceleration": "0x6084:00",
    "position_actual": "0x6064:00"
  },
  "controlwords": {"clear": 0, "shutdown": 6, "switch_on": 7, "enable_operation": 15, "new_set_point": 95},
  "status": {"target_pending_bit": 12},
  "modes": {"profile_position": 1},
  "motion": {"revolution_pulses": 10000, "profile_acceleration": 100, "profile_deceleration": 100, "profile_velocity": 1000}
}`

func TestLoadFromSearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.json"), []byte(customProfile), 0o644))

	loader, err := NewProfileLoader([]string{dir}, nil)
	require.NoError(t, err)

	p, err := loader.Load("custom")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.Profile.Vendor)
	assert.Equal(t, uint16(95), p.Controlwords.NewSetPoint)
	assert.Equal(t, uint32(10000), p.Motion.RevolutionPulses)
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	invalid := `
profile: {id: broken, vendor: acme, model: X2}
objects:
  controlword: "not-an-address"
controlwords: {clear: 0, shutdown: 6, switch_on: 7, enable_operation: 15, new_set_point: 31}
status: {target_pending_bit: 12}
modes: {profile_position: 1}
motion: {revolution_pulses: 3600, profile_acceleration: 1, profile_deceleration: 1, profile_velocity: 1}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(invalid), 0o644))

	loader, err := NewProfileLoader([]string{dir}, nil)
	require.NoError(t, err)

	_, err = loader.Load("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestLoadUnknownProfile(t *testing.T) {
	loader, err := NewProfileLoader([]string{t.TempDir()}, nil)
	require.NoError(t, err)

	_, err = loader.Load("does-not-exist")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestValidateProfileDefinitionRoundTrip(t *testing.T) {
	loader, err := NewProfileLoader(nil, nil)
	require.NoError(t, err)
	p, err := loader.Load(DefaultProfileID)
	require.NoError(t, err)

	v, err := NewValidator()
	require.NoError(t, err)
	assert.NoError(t, v.ValidateProfileDefinition(p))
}
