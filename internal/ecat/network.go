// Package ecat brings an EtherCAT network from Init to Operational and back.
package ecat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/coe"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the bring-up parameters. Zero durations fall back to the
// SOEM defaults.
type Config struct {
	Interface string
	Unit      int

	MailboxTimeout time.Duration // EC_TIMEOUTRXM
	StateTimeout   time.Duration // EC_TIMEOUTSTATE
	ReturnTimeout  time.Duration // EC_TIMEOUTRET

	// SafeOpMultiplier scales StateTimeout for the initial SafeOp wait.
	SafeOpMultiplier int
}

const (
	DefaultMailboxTimeout   = 700 * time.Millisecond
	DefaultStateTimeout     = 2 * time.Second
	DefaultReturnTimeout    = 2 * time.Millisecond
	DefaultSafeOpMultiplier = 4
)

func (c Config) withDefaults() Config {
	if c.Unit == 0 {
		c.Unit = 1
	}
	if c.MailboxTimeout <= 0 {
		c.MailboxTimeout = DefaultMailboxTimeout
	}
	if c.StateTimeout <= 0 {
		c.StateTimeout = DefaultStateTimeout
	}
	if c.ReturnTimeout <= 0 {
		c.ReturnTimeout = DefaultReturnTimeout
	}
	if c.SafeOpMultiplier <= 0 {
		c.SafeOpMultiplier = DefaultSafeOpMultiplier
	}
	return c
}

// Network is one session against one master. It owns the unit handle, the
// process image and the phase for the lifetime of the session.
type Network struct {
	master fieldbus.Master
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	phase    Phase
	units    int
	image    *fieldbus.ProcessImage
	failures []fieldbus.Diagnostics
}

func NewNetwork(master fieldbus.Master, cfg Config, logger *zap.Logger) (*Network, error) {
	cfg = cfg.withDefaults()
	if cfg.Unit < 1 {
		return nil, fmt.Errorf("%w (got %d)", coe.ErrInvalidUnit, cfg.Unit)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		master: master,
		cfg:    cfg,
		logger: logger,
		phase:  PhaseUninitialized,
	}, nil
}

// BringUp drives the network to Operational. Any error is fatal for the
// session and the transport is closed before returning.
func (n *Network) BringUp(ctx context.Context) error {
	n.mu.Lock()
	if n.phase.open() {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.failures = nil
	n.mu.Unlock()

	if err := n.master.Open(ctx, fieldbus.OpenConfig{Interface: n.cfg.Interface}); err != nil {
		n.logger.Error("No socket connection",
			zap.String("interface", n.cfg.Interface),
			zap.Error(err))
		return fmt.Errorf("%w on %q: %w", ErrTransportOpen, n.cfg.Interface, err)
	}

	if err := n.configure(ctx); err != nil {
		n.abort()
		return err
	}

	// The unit moves to SafeOp on its own once mapped.
	safeOpWait := n.cfg.StateTimeout * time.Duration(n.cfg.SafeOpMultiplier)
	observed, err := n.master.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateSafeOp, safeOpWait)
	switch {
	case ctx.Err() != nil:
		n.abort()
		return fmt.Errorf("waiting for SAFE_OP: %w", ctx.Err())
	case err != nil:
		n.logger.Warn("SAFE_OP wait failed", zap.Error(err))
	case observed.Base() != fieldbus.StateSafeOp:
		n.logger.Warn("Not all units reached SAFE_OP",
			zap.Stringer("observed", observed),
			zap.Duration("timeout", safeOpWait))
	default:
		n.setPhase(PhaseSafeOperational)
	}

	n.syncExchange(ctx)

	if err := n.master.RequestState(ctx, fieldbus.AllUnits, fieldbus.StateOperational); err != nil {
		n.abort()
		return fmt.Errorf("requesting OPERATIONAL: %w", err)
	}

	observed, err = n.master.PollUntilState(ctx, fieldbus.AllUnits, fieldbus.StateOperational, n.cfg.StateTimeout)
	if err != nil {
		n.abort()
		return fmt.Errorf("waiting for OPERATIONAL: %w", err)
	}
	if observed.Base() != fieldbus.StateOperational {
		bringUpErr := n.collectFailures(ctx, observed)
		n.abort()
		return bringUpErr
	}

	n.setPhase(PhaseOperational)
	n.logger.Info("Network operational",
		zap.Int("units", n.Units()),
		zap.Int("unit", n.cfg.Unit))
	return nil
}

func (n *Network) configure(ctx context.Context) error {
	count, err := n.master.ConfigureAll(ctx)
	if err != nil {
		return fmt.Errorf("configuring units: %w", err)
	}
	if count == 0 {
		n.logger.Error("No slaves found")
		return ErrNoUnitsFound
	}
	if count < n.cfg.Unit {
		return fmt.Errorf("%w: unit %d, found %d", ErrUnitNotFound, n.cfg.Unit, count)
	}

	image, err := n.master.MapProcessImage(ctx)
	if err != nil {
		return fmt.Errorf("mapping process image: %w", err)
	}

	n.mu.Lock()
	n.units = count
	n.image = image
	n.phase = PhaseConfigured
	n.mu.Unlock()

	n.logger.Info("Units configured",
		zap.Int("count", count),
		zap.Int("output_bytes", image.OutputBytes),
		zap.Int("input_bytes", image.InputBytes))
	return nil
}

// syncExchange sends one valid process-data frame so unit outputs are
// defined before Operational is requested. Its outcome is informational.
func (n *Network) syncExchange(ctx context.Context) {
	n.mu.RLock()
	image := n.image
	n.mu.RUnlock()

	if err := n.master.SendCycle(ctx, image); err != nil {
		n.logger.Warn("Process data send failed", zap.Error(err))
	}
	wkc, err := n.master.ReceiveCycle(ctx, image, n.cfg.ReturnTimeout)
	if err != nil {
		n.logger.Warn("Process data receive failed", zap.Error(err))
		return
	}
	n.logger.Debug("Process data exchanged", zap.Int("working_counter", wkc))
}

// collectFailures reads diagnostics of every unit and keeps those not at
// Operational.
func (n *Network) collectFailures(ctx context.Context, observed fieldbus.State) *BringUpError {
	bringUpErr := &BringUpError{Target: fieldbus.StateOperational, Observed: observed}

	for unit := 1; unit <= n.Units(); unit++ {
		diag, err := n.master.ReadDiagnostics(ctx, unit)
		if err != nil {
			n.logger.Error("Failed to read unit diagnostics",
				zap.Int("unit", unit),
				zap.Error(err))
			diag = fieldbus.Diagnostics{Unit: unit, State: fieldbus.StateNone, StatusText: err.Error()}
		}
		if diag.State.Base() == fieldbus.StateOperational {
			continue
		}
		if diag.StatusText == "" {
			diag.StatusText = fieldbus.StatusCodeText(diag.StatusCode)
		}
		bringUpErr.Failures = append(bringUpErr.Failures, diag)
		n.logger.Error("Unit did not reach OPERATIONAL",
			zap.Int("unit", diag.Unit),
			zap.String("state", fmt.Sprintf("0x%02X", uint16(diag.State))),
			zap.String("status_code", fmt.Sprintf("0x%04X", diag.StatusCode)),
			zap.String("status", diag.StatusText))
	}

	n.mu.Lock()
	n.failures = bringUpErr.Failures
	n.mu.Unlock()

	return bringUpErr
}

// abort closes the transport after a fatal bring-up error.
func (n *Network) abort() {
	if err := n.master.Close(); err != nil {
		n.logger.Warn("Failed to close transport", zap.Error(err))
	}
	n.setPhase(PhaseClosed)
}

// Teardown walks the network back to PreOp and closes the transport. Every
// step is attempted regardless of earlier failures; the combined error is
// for reporting only.
func (n *Network) Teardown(ctx context.Context) error {
	if !n.Phase().open() {
		return nil
	}

	var errs error
	for _, target := range []fieldbus.State{fieldbus.StateSafeOp, fieldbus.StatePreOp} {
		errs = multierr.Append(errs, n.stepDown(ctx, target))
	}

	if err := n.master.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("closing transport: %w", err))
	}
	n.setPhase(PhaseClosed)

	if errs != nil {
		n.logger.Warn("Teardown completed with errors", zap.Error(errs))
	} else {
		n.logger.Info("Network shut down")
	}
	return errs
}

func (n *Network) stepDown(ctx context.Context, target fieldbus.State) error {
	if err := n.master.RequestState(ctx, fieldbus.AllUnits, target); err != nil {
		n.logger.Warn("State request failed", zap.Stringer("target", target), zap.Error(err))
		return fmt.Errorf("requesting %s: %w", target, err)
	}

	observed, err := n.master.PollUntilState(ctx, fieldbus.AllUnits, target, n.cfg.StateTimeout)
	if err != nil {
		n.logger.Warn("State wait failed", zap.Stringer("target", target), zap.Error(err))
		return fmt.Errorf("waiting for %s: %w", target, err)
	}
	if observed.Base() != target {
		n.logger.Warn("State not reached",
			zap.Stringer("target", target),
			zap.Stringer("observed", observed))
		return &TransitionError{Target: target, Observed: observed}
	}

	switch target {
	case fieldbus.StateSafeOp:
		n.setPhase(PhaseSafeOperational)
	case fieldbus.StatePreOp:
		n.setPhase(PhasePreOperational)
	}
	return nil
}

// Registers returns the register client for the session's unit. It is only
// handed out while the network is Operational.
func (n *Network) Registers() (*coe.Client, error) {
	if n.Phase() != PhaseOperational {
		return nil, ErrNotOperational
	}
	return coe.NewClient(n.master, n.cfg.Unit, n.cfg.MailboxTimeout, n.logger)
}

func (n *Network) Phase() Phase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.phase
}

// Units is the number of units found by the last configuration.
func (n *Network) Units() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.units
}

// Interface is the network interface the master binds to.
func (n *Network) Interface() string {
	return n.cfg.Interface
}

// Unit is the session's device handle.
func (n *Network) Unit() int {
	return n.cfg.Unit
}

// Image is the session-owned process image, nil before configuration.
func (n *Network) Image() *fieldbus.ProcessImage {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.image
}

// LastFailures returns the units that failed the last bring-up.
func (n *Network) LastFailures() []fieldbus.Diagnostics {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]fieldbus.Diagnostics, len(n.failures))
	copy(out, n.failures)
	return out
}

func (n *Network) setPhase(p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	previous := n.phase
	n.phase = p
	if previous != p {
		n.logger.Debug("Network phase changed",
			zap.String("from", string(previous)),
			zap.String("to", string(p)))
	}
}
