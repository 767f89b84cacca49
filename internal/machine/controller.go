// Package machine owns one EtherCAT session and its axis, and serialises
// every command against them.
package machine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/api/websocket"
	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/KevinKickass/ecatmotor/internal/storage"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusy              = errors.New("machine busy")
	ErrNotReady          = errors.New("axis not ready")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownCommand    = errors.New("unknown command")
)

const journalTimeout = 5 * time.Second

// Broadcaster publishes live messages. *websocket.Hub satisfies it.
type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

// Journal records run history. *storage.PostgresClient satisfies it.
type Journal interface {
	RecordBringUp(ctx context.Context, run *storage.BringUpRun) error
	RecordMove(ctx context.Context, run *storage.MoveRun) error
}

type activeMove struct {
	id     uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

type Controller struct {
	network  *ecat.Network
	profile  *types.DriveProfile
	axisOpts drive.Options
	logger   *zap.Logger

	broadcaster Broadcaster
	journal     Journal

	// busMu is held for the duration of any bus access.
	busMu sync.Mutex

	mu              sync.RWMutex
	currentState    State
	previousState   State
	errorMessage    string
	lastStateChange time.Time
	busy            bool
	axis            *drive.Axis
	move            *activeMove
	lastMove        *MoveSummary
	lastSample      *drive.Sample
	moves           int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

func NewController(network *ecat.Network, profile *types.DriveProfile, opts drive.Options, logger *zap.Logger) (*Controller, error) {
	if profile == nil {
		return nil, drive.ErrNoProfile
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		network:         network,
		profile:         profile,
		axisOpts:        opts,
		logger:          logger,
		currentState:    StateOffline,
		lastStateChange: time.Now(),
		baseCtx:         ctx,
		baseCancel:      cancel,
	}, nil
}

func (c *Controller) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcaster = b
}

func (c *Controller) SetJournal(j Journal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = j
}

// ExecuteCommand handles machine commands
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(c.State())))

	switch cmd {
	case CommandStart:
		return c.executeStart(ctx)
	case CommandStop:
		return c.executeStop(ctx)
	case CommandReset:
		return c.executeReset(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// acquire marks the controller busy if it is idle in one of the allowed
// states.
func (c *Controller) acquire(cmd string, allowed ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("%w: %s in progress", ErrBusy, c.currentState)
	}
	if !slices.Contains(allowed, c.currentState) {
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, cmd, c.currentState)
	}
	c.busy = true
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) executeStart(ctx context.Context) error {
	if err := c.acquire("start", StateOffline); err != nil {
		return err
	}
	defer c.release()

	c.busMu.Lock()
	defer c.busMu.Unlock()

	c.setState(StateStarting, "")
	started := time.Now()
	err := c.network.BringUp(ctx)
	c.recordBringUp(ctx, started, err)
	c.broadcastNetwork()
	if err != nil {
		c.setState(StateError, err.Error())
		return err
	}

	regs, err := c.network.Registers()
	if err != nil {
		c.setState(StateError, err.Error())
		return err
	}
	axis, err := drive.NewAxis(regs, c.profile, c.axisOpts, c.logger)
	if err != nil {
		c.setState(StateError, err.Error())
		return err
	}
	axis.SetObserver(c.onSample)

	c.mu.Lock()
	c.axis = axis
	c.mu.Unlock()

	c.setState(StateReady, "")
	return nil
}

func (c *Controller) executeStop(ctx context.Context) error {
	c.cancelMove()

	if err := c.acquire("stop", StateReady, StateError); err != nil {
		return err
	}
	defer c.release()

	c.setState(StateStopping, "")
	err := c.teardown(ctx)
	c.setState(StateOffline, "")
	return err
}

func (c *Controller) executeReset(ctx context.Context) error {
	if err := c.acquire("reset", StateError); err != nil {
		return err
	}
	defer c.release()

	if err := c.teardown(ctx); err != nil {
		c.logger.Warn("Teardown during reset failed", zap.Error(err))
	}
	c.setState(StateOffline, "")
	c.logger.Info("Machine reset to offline state")
	return nil
}

// teardown walks the network down and drops the axis. It runs whatever the
// previous outcome was; a closed network is a no-op.
func (c *Controller) teardown(ctx context.Context) error {
	c.busMu.Lock()
	defer c.busMu.Unlock()

	err := c.network.Teardown(ctx)

	c.mu.Lock()
	c.axis = nil
	c.lastSample = nil
	c.mu.Unlock()

	c.broadcastNetwork()
	return err
}

// cancelMove stops a running move and waits until it has let go of the bus.
func (c *Controller) cancelMove() {
	c.mu.RLock()
	mv := c.move
	var id uuid.UUID
	if mv != nil {
		id = mv.id
	}
	c.mu.RUnlock()
	if mv == nil {
		return
	}
	c.logger.Info("Cancelling move", zap.String("move_id", id.String()))
	mv.cancel()
	<-mv.done
}

// GotoPos moves the axis to degrees and waits for the target.
func (c *Controller) GotoPos(ctx context.Context, degrees int) (*drive.MoveResult, error) {
	if _, err := drive.ScaleDegrees(c.profile.Motion.RevolutionPulses, degrees); err != nil {
		return nil, err
	}
	mv, ctx, err := c.beginMove(ctx)
	if err != nil {
		return nil, err
	}
	return c.runMove(ctx, mv, degrees)
}

// StartMove begins a move in the background and returns its scaled target.
// Progress and outcome are published to the broadcaster.
func (c *Controller) StartMove(degrees int) (int32, error) {
	target, err := drive.ScaleDegrees(c.profile.Motion.RevolutionPulses, degrees)
	if err != nil {
		return 0, err
	}
	mv, ctx, err := c.beginMove(c.baseCtx)
	if err != nil {
		return 0, err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runMove(ctx, mv, degrees)
	}()
	return target, nil
}

func (c *Controller) beginMove(parent context.Context) (*activeMove, context.Context, error) {
	if err := c.acquire("move", StateReady); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, nil, fmt.Errorf("%w: machine %s", ErrNotReady, c.State())
		}
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	mv := &activeMove{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.move = mv
	c.mu.Unlock()

	c.setState(StateMoving, "")
	c.busMu.Lock()
	return mv, ctx, nil
}

func (c *Controller) runMove(ctx context.Context, mv *activeMove, degrees int) (*drive.MoveResult, error) {
	defer func() {
		c.busMu.Unlock()
		mv.cancel()
		c.mu.Lock()
		c.move = nil
		c.busy = false
		c.mu.Unlock()
		close(mv.done)
	}()

	c.mu.RLock()
	axis := c.axis
	c.mu.RUnlock()

	res, err := axis.Move(ctx, degrees)
	if res == nil {
		c.setState(StateReady, "")
		return nil, err
	}

	c.mu.Lock()
	mv.id = res.ID
	c.mu.Unlock()
	c.broadcastMove(websocket.MessageTypeMoveStarted, res, nil)

	if err == nil {
		err = axis.Complete(ctx, res)
	}

	c.mu.Lock()
	c.lastMove = summarize(res, err)
	c.moves++
	c.mu.Unlock()

	c.recordMove(ctx, res, err)
	if err != nil {
		c.logger.Error("Move failed",
			zap.String("move_id", res.ID.String()),
			zap.Int("degrees", degrees),
			zap.Error(err))
		c.broadcastMove(websocket.MessageTypeMoveFailed, res, err)
	} else {
		c.broadcastMove(websocket.MessageTypeMoveCompleted, res, nil)
	}

	c.setState(StateReady, "")
	return res, err
}

// Position reads the axis while idle. During a move it returns the latest
// monitor sample instead.
func (c *Controller) Position(ctx context.Context) (drive.Sample, error) {
	c.mu.RLock()
	busy, state, last := c.busy, c.currentState, c.lastSample
	c.mu.RUnlock()

	if busy || state == StateMoving {
		if last != nil {
			return *last, nil
		}
		return drive.Sample{}, ErrBusy
	}
	if state != StateReady {
		return drive.Sample{}, fmt.Errorf("%w: machine %s", ErrNotReady, state)
	}

	c.busMu.Lock()
	defer c.busMu.Unlock()

	c.mu.RLock()
	axis := c.axis
	c.mu.RUnlock()
	if axis == nil {
		return drive.Sample{}, ErrNotReady
	}

	sample, err := axis.Position(ctx)
	if err != nil {
		return sample, err
	}
	c.onSample(sample)
	return sample, nil
}

func (c *Controller) onSample(s drive.Sample) {
	c.mu.Lock()
	c.lastSample = &s
	var moveID string
	if c.move != nil && c.move.id != uuid.Nil {
		moveID = c.move.id.String()
	}
	b := c.broadcaster
	c.mu.Unlock()

	if b == nil {
		return
	}
	b.Broadcast(websocket.NewPositionMessage(websocket.PositionData{
		MoveID:     moveID,
		Position:   s.Position,
		Statusword: s.Statusword.String(),
		DriveState: string(s.State),
		Polls:      s.Polls,
	}))
}

func (c *Controller) broadcastMove(msgType websocket.MessageType, res *drive.MoveResult, err error) {
	c.mu.RLock()
	b := c.broadcaster
	c.mu.RUnlock()
	if b == nil {
		return
	}
	data := websocket.MoveData{
		MoveID:      res.ID.String(),
		Degrees:     res.Degrees,
		Target:      res.Target,
		Position:    res.Final.Position,
		FailedSteps: res.Failed(),
	}
	if err != nil {
		data.Message = err.Error()
	}
	b.Broadcast(websocket.NewMoveMessage(msgType, data))
}

func (c *Controller) broadcastNetwork() {
	c.mu.RLock()
	b := c.broadcaster
	c.mu.RUnlock()
	if b != nil {
		b.Broadcast(websocket.NewNetworkStateMessage(string(c.network.Phase()), c.network.Units()))
	}
}

func (c *Controller) recordBringUp(ctx context.Context, started time.Time, err error) {
	c.mu.RLock()
	j := c.journal
	c.mu.RUnlock()
	if j == nil {
		return
	}

	run := storage.NewBringUpRun(c.network.Interface(), c.network.Units(), c.network.LastFailures(), err, started, time.Now())
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := j.RecordBringUp(ctx, run); err != nil {
		c.logger.Warn("Failed to record bring-up run", zap.Error(err))
	}
}

func (c *Controller) recordMove(ctx context.Context, res *drive.MoveResult, moveErr error) {
	c.mu.RLock()
	j := c.journal
	c.mu.RUnlock()
	if j == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := j.RecordMove(ctx, storage.NewMoveRun(res, moveErr)); err != nil {
		c.logger.Warn("Failed to record move run",
			zap.String("move_id", res.ID.String()),
			zap.Error(err))
	}
}

func (c *Controller) setState(state State, errorMsg string) {
	c.mu.Lock()
	previousState := c.currentState
	c.previousState = previousState
	c.currentState = state
	c.errorMessage = errorMsg
	c.lastStateChange = time.Now()
	b := c.broadcaster
	c.mu.Unlock()

	if errorMsg != "" {
		c.logger.Error("Machine state changed",
			zap.String("state", string(state)),
			zap.String("error", errorMsg))
	} else {
		c.logger.Info("Machine state changed", zap.String("state", string(state)))
	}

	if b != nil {
		b.Broadcast(websocket.NewMachineStateMessage(string(state), string(previousState), errorMsg))
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentState
}

// Network exposes the session for diagnostics.
func (c *Controller) Network() *ecat.Network {
	return c.network
}

func (c *Controller) GetStatus() MachineStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := MachineStatus{
		State:           c.currentState,
		PreviousState:   c.previousState,
		NetworkPhase:    c.network.Phase(),
		Units:           c.network.Units(),
		Unit:            c.network.Unit(),
		Busy:            c.busy,
		ErrorMessage:    c.errorMessage,
		LastMove:        c.lastMove,
		Moves:           c.moves,
		LastStateChange: c.lastStateChange,
	}
	if c.lastSample != nil {
		sample := *c.lastSample
		status.Position = &sample
	}
	return status
}

// Snapshot feeds new websocket clients.
func (c *Controller) Snapshot() any {
	return c.GetStatus()
}

// Close cancels background moves and waits for them.
func (c *Controller) Close() {
	c.baseCancel()
	c.cancelMove()
	c.wg.Wait()
}
