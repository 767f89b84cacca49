package drive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sample is one monitor reading. Valid is false until a statusword read
// has succeeded.
type Sample struct {
	Position   int32      `json:"position"`
	Statusword Statusword `json:"statusword"`
	State      DriveState `json:"state"`
	Valid      bool       `json:"valid"`
	Polls      int        `json:"polls"`
	At         time.Time  `json:"at"`
}

// Position takes one sample of actual position and statusword.
func (a *Axis) Position(ctx context.Context) (Sample, error) {
	var sample Sample
	pos, err := a.regs.Read32(ctx, a.profile.Objects.PositionActual)
	if err != nil {
		return sample, err
	}
	status, err := a.regs.Read16(ctx, a.profile.Objects.Statusword)
	if err != nil {
		return sample, err
	}
	sample.Position = int32(pos)
	sample.Statusword = Statusword(status)
	sample.State = sample.Statusword.State()
	sample.Valid = true
	sample.Polls = 1
	sample.At = time.Now()
	return sample, nil
}

// Wait polls actual position and statusword until the target-pending bit is
// clear in a successfully read statusword. A failed read never ends the wait
// as success.
func (a *Axis) Wait(ctx context.Context) (Sample, error) {
	waitCtx := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	pendingBit := a.profile.Status.TargetPendingBit
	var sample Sample
	var lastErr error
	consecutive := 0

	var ticker *time.Ticker
	if a.opts.PollInterval > 0 {
		ticker = time.NewTicker(a.opts.PollInterval)
		defer ticker.Stop()
	}

	for {
		if err := waitCtx.Err(); err != nil {
			return sample, a.waitError(ctx, err, sample, lastErr)
		}

		pos, posErr := a.regs.Read32(waitCtx, a.profile.Objects.PositionActual)
		if posErr == nil {
			sample.Position = int32(pos)
		}
		status, statusErr := a.regs.Read16(waitCtx, a.profile.Objects.Statusword)
		sample.Polls++
		sample.At = time.Now()

		if statusErr != nil {
			lastErr = statusErr
			consecutive++
			if a.opts.MaxReadErrors > 0 && consecutive >= a.opts.MaxReadErrors {
				return sample, fmt.Errorf("%w (%d): %v", ErrStatusReadFailures, consecutive, statusErr)
			}
		} else {
			consecutive = 0
			sample.Statusword = Statusword(status)
			sample.State = sample.Statusword.State()
			sample.Valid = true

			a.logger.Debug("Position sample",
				zap.String("position", fmt.Sprintf("0x%08X", uint32(sample.Position))),
				zap.String("statusword", fmt.Sprintf("0x%04X", status)),
				zap.Int("polls", sample.Polls))
			if a.observer != nil {
				a.observer(sample)
			}

			if !sample.Statusword.Bit(pendingBit) {
				return sample, nil
			}
		}

		if ticker != nil {
			select {
			case <-waitCtx.Done():
			case <-ticker.C:
			}
		}
	}
}

// waitError tells a deadline of our own from cancellation by the caller.
func (a *Axis) waitError(parent context.Context, err error, sample Sample, lastErr error) error {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		wrapped := fmt.Errorf("%w after %s (%d polls, statusword 0x%04X)",
			ErrMotionTimeout, a.opts.Timeout, sample.Polls, uint16(sample.Statusword))
		if lastErr != nil {
			wrapped = fmt.Errorf("%w: last read error: %v", wrapped, lastErr)
		}
		return wrapped
	}
	return err
}
