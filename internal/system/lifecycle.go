// Package system wires the fieldbus master, the axis controller and the
// optional API and journal into one process lifecycle.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/api/rest"
	"github.com/KevinKickass/ecatmotor/internal/api/websocket"
	"github.com/KevinKickass/ecatmotor/internal/auth"
	"github.com/KevinKickass/ecatmotor/internal/config"
	"github.com/KevinKickass/ecatmotor/internal/devices"
	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/KevinKickass/ecatmotor/internal/gateway"
	"github.com/KevinKickass/ecatmotor/internal/interfaces"
	"github.com/KevinKickass/ecatmotor/internal/machine"
	"github.com/KevinKickass/ecatmotor/internal/sim"
	"github.com/KevinKickass/ecatmotor/internal/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Option adjusts how the lifecycle manager is built.
type Option func(*LifecycleManager)

// WithMaster supplies the fieldbus master instead of building one from
// fieldbus.transport.
func WithMaster(m fieldbus.Master) Option {
	return func(lm *LifecycleManager) {
		lm.master = m
	}
}

type LifecycleManager struct {
	config            *config.Config
	storage           *storage.PostgresClient
	master            fieldbus.Master
	machineController *machine.Controller
	poller            *machine.Poller
	authenticator     *auth.Authenticator
	logger            *zap.Logger

	wsHub      *websocket.Hub
	hubCancel  context.CancelFunc
	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    string
	startedAt    time.Time

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds every component from cfg. db may be nil when
// the run journal is disabled.
func NewLifecycleManager(db *storage.PostgresClient, cfg *config.Config, logger *zap.Logger, opts ...Option) (*LifecycleManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	lm := &LifecycleManager{
		config:       cfg,
		storage:      db,
		logger:       logger,
		currentState: StateInitializing,
		startedAt:    time.Now(),
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lm)
	}

	if lm.master == nil {
		master, err := newMaster(cfg, logger)
		if err != nil {
			return nil, err
		}
		lm.master = master
	}

	loader, err := devices.NewProfileLoader(cfg.Devices.SearchPaths, logger)
	if err != nil {
		return nil, err
	}
	profile, err := loader.Load(cfg.Motion.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load drive profile: %w", err)
	}

	network, err := ecat.NewNetwork(lm.master, ecat.Config{
		Interface:        cfg.Fieldbus.Interface,
		Unit:             cfg.Fieldbus.Unit,
		MailboxTimeout:   cfg.Fieldbus.MailboxTimeout,
		StateTimeout:     cfg.Fieldbus.StateTimeout,
		ReturnTimeout:    cfg.Fieldbus.ReturnTimeout,
		SafeOpMultiplier: cfg.Fieldbus.SafeOpMultiplier,
	}, logger)
	if err != nil {
		return nil, err
	}

	controller, err := machine.NewController(network, profile, drive.Options{
		StopOnError:   cfg.Motion.StopOnError,
		PollInterval:  cfg.Motion.PollInterval,
		Timeout:       cfg.Motion.Timeout,
		MaxReadErrors: cfg.Motion.MaxReadErrors,
	}, logger)
	if err != nil {
		return nil, err
	}
	lm.machineController = controller

	if db != nil {
		controller.SetJournal(db)
	}

	if cfg.Server.Enabled {
		if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
			logger.Warn("Auth enabled with development JWT secret",
				zap.String("env", cfg.Auth.JWTSecretEnv))
		}
		lm.authenticator = auth.NewAuthenticator(
			auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.TokenTTL),
			cfg.Auth.Enabled)

		lm.wsHub = websocket.NewHub(logger, lm.authenticator)
		lm.wsHub.SetStatusProvider(controller)
		controller.SetBroadcaster(lm.wsHub)

		lm.restServer = rest.NewServer(lm, logger, lm.wsHub, lm.authenticator)
		lm.poller = machine.NewPoller(controller, cfg.Server.SamplePeriod, logger)
	}

	return lm, nil
}

func newMaster(cfg *config.Config, logger *zap.Logger) (fieldbus.Master, error) {
	switch cfg.Fieldbus.Transport {
	case config.TransportSim:
		stuck := make(map[int]uint16, len(cfg.Sim.StuckUnits))
		for _, u := range cfg.Sim.StuckUnits {
			stuck[u.Unit] = u.StatusCode
		}
		return sim.New(sim.Config{
			Units:         cfg.Sim.Units,
			StuckUnits:    stuck,
			PulsesPerPoll: cfg.Sim.PulsesPerPoll,
		}, logger), nil
	case config.TransportGateway:
		return gateway.NewClient(cfg.Fieldbus.GatewayAddress, cfg.Fieldbus.NetworkTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown fieldbus transport %q", cfg.Fieldbus.Transport)
	}
}

// Config returns the loaded configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

// Storage returns the run journal, nil when disabled
func (lm *LifecycleManager) Storage() *storage.PostgresClient {
	return lm.storage
}

// MachineController returns the machine controller
func (lm *LifecycleManager) MachineController() *machine.Controller {
	return lm.machineController
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Start brings the network up and, when enabled, serves the API. A
// bring-up failure is returned; the API keeps serving so the failure can be
// inspected and reset.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting ecatmotor",
		zap.String("transport", lm.config.Fieldbus.Transport),
		zap.String("interface", lm.config.Fieldbus.Interface),
		zap.Int("unit", lm.config.Fieldbus.Unit))

	lm.setState(StateInitializing)

	if lm.storage != nil {
		if err := lm.storage.Migrate(ctx); err != nil {
			lm.setError(err)
			return err
		}
	}

	if lm.restServer != nil {
		hubCtx, cancel := context.WithCancel(context.Background())
		lm.hubCancel = cancel
		go lm.wsHub.Run(hubCtx)

		if err := lm.restServer.Start(); err != nil {
			lm.setError(fmt.Errorf("failed to start REST API: %w", err))
			return err
		}
	}

	if err := lm.machineController.ExecuteCommand(ctx, machine.CommandStart); err != nil {
		lm.setError(err)
		return fmt.Errorf("bring-up failed: %w", err)
	}

	if lm.poller != nil {
		lm.poller.Start()
	}

	lm.setState(StateRunning)
	lm.logger.Info("System started successfully",
		zap.Bool("api_enabled", lm.restServer != nil),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("journal_enabled", lm.storage != nil))
	return nil
}

// RunSequence moves to each angle in turn. Failed moves are reported and
// the sequence continues, unless the machine is no longer able to move.
func (lm *LifecycleManager) RunSequence(ctx context.Context, degrees ...int) error {
	var errs error
	for i, deg := range degrees {
		res, err := lm.machineController.GotoPos(ctx, deg)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("move %d to %d°: %w", i+1, deg, err))
			if res == nil || ctx.Err() != nil {
				return errs
			}
			continue
		}
		lm.logger.Info("Sequence step done",
			zap.Int("step", i+1),
			zap.Int("degrees", deg),
			zap.Int32("position", res.Final.Position),
			zap.Int("failed_writes", res.Failed()))
	}
	return errs
}

// Shutdown stops the API and tears the network down, whatever happened
// before. It runs once; later calls return nil.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs error

	if lm.poller != nil {
		lm.poller.Stop()
	}

	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, lm.config.Server.ShutdownTimeout)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	lm.machineController.Close()
	if lm.machineController.State() != machine.StateOffline {
		err := lm.machineController.ExecuteCommand(ctx, machine.CommandStop)
		if err != nil && !errors.Is(err, machine.ErrInvalidTransition) {
			errs = multierr.Append(errs, fmt.Errorf("network teardown failed: %w", err))
		}
	}

	if lm.hubCancel != nil {
		lm.hubCancel()
	}

	if errs != nil {
		lm.logger.Warn("Shutdown completed with errors", zap.Error(errs))
	} else {
		lm.logger.Info("Graceful shutdown completed")
	}
	return errs
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil && lm.currentState != state {
		lm.logger.Debug("Unexpected system state transition", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	lm.currentState = StateError
	lm.lastError = err.Error()
}

// State returns the lifecycle state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	machineStatus := lm.machineController.GetStatus()
	clients := 0
	if lm.wsHub != nil {
		clients = lm.wsHub.GetClientCount()
	}

	return interfaces.SystemStatus{
		State:            lm.currentState.String(),
		Transport:        lm.config.Fieldbus.Transport,
		Interface:        lm.config.Fieldbus.Interface,
		MachineState:     string(machineStatus.State),
		NetworkPhase:     string(machineStatus.NetworkPhase),
		Units:            machineStatus.Units,
		ConnectedClients: clients,
		JournalEnabled:   lm.storage != nil,
		UptimeSeconds:    int64(time.Since(lm.startedAt).Seconds()),
		Error:            lm.lastError,
	}
}
