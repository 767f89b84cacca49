package machine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller samples the idle axis on a fixed period so live clients see the
// position between moves. Moves publish their own samples.
type Poller struct {
	controller *Controller
	interval   time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func NewPoller(controller *Controller, interval time.Duration, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		controller: controller,
		interval:   interval,
		logger:     logger,
	}
}

// Start begins cyclic sampling. A non-positive interval disables it.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.interval <= 0 {
		return
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.pollLoop(p.stopChan)

	p.logger.Info("Poller started", zap.Duration("interval", p.interval))
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Poller stopped")
}

func (p *Poller) pollLoop(stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.pollAxis()
		}
	}
}

func (p *Poller) pollAxis() {
	c := p.controller
	c.mu.RLock()
	idle := c.currentState == StateReady && !c.busy
	c.mu.RUnlock()
	if !idle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.interval/2)
	defer cancel()

	if _, err := c.Position(ctx); err != nil && !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrBusy) {
		p.logger.Debug("Poll failed", zap.Error(err))
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
