package flowcontrol

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// FlowController shares one bandwidth budget between concurrent bulk
// transfers and bounds how many run at once
type FlowController struct {
	limiter           *RateLimiter
	activeTransfers   map[string]bool
	transferSemaphore chan struct{}
	mu                sync.Mutex
}

// NewFlowController creates a flow controller. bandwidth is in bytes per
// second, zero meaning unlimited.
func NewFlowController(bandwidth int64, maxConcurrent int) *FlowController {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &FlowController{
		limiter:           NewRateLimiter(bandwidth),
		activeTransfers:   make(map[string]bool),
		transferSemaphore: make(chan struct{}, maxConcurrent),
	}
}

// AcquireTransferSlot waits for a free slot for transferID
func (fc *FlowController) AcquireTransferSlot(ctx context.Context, transferID string) error {
	fc.mu.Lock()
	if fc.activeTransfers[transferID] {
		fc.mu.Unlock()
		return fmt.Errorf("transfer %s already active", transferID)
	}
	fc.mu.Unlock()

	select {
	case fc.transferSemaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	fc.mu.Lock()
	fc.activeTransfers[transferID] = true
	fc.mu.Unlock()
	return nil
}

// ReleaseTransferSlot releases the slot held by transferID
func (fc *FlowController) ReleaseTransferSlot(transferID string) {
	fc.mu.Lock()
	held := fc.activeTransfers[transferID]
	delete(fc.activeTransfers, transferID)
	fc.mu.Unlock()

	if held {
		<-fc.transferSemaphore
	}
}

// ActiveTransfers returns the number of transfers holding a slot
func (fc *FlowController) ActiveTransfers() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.activeTransfers)
}

// Writer paces writes to w with the shared bandwidth budget
func (fc *FlowController) Writer(ctx context.Context, w io.Writer) io.Writer {
	return fc.limiter.Writer(ctx, w)
}

// SetBandwidth changes the shared bandwidth budget
func (fc *FlowController) SetBandwidth(bytesPerSecond int64) {
	fc.limiter.SetRate(bytesPerSecond)
}

// Bandwidth returns the shared budget in bytes per second, zero when unlimited
func (fc *FlowController) Bandwidth() int64 {
	return fc.limiter.Limit()
}
