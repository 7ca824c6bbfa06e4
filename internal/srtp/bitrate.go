package srtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// twccLossEMAAlpha and twccTick mirror the root package's TWCC tuning
// constants (spec section 4.4 step 6); duplicated here rather than exported
// across the package boundary since they're private tuning of this
// controller, not part of the root Configuration surface.
const (
	twccLossEMAAlpha = 0.05
	twccTick         = time.Second
)

// BitrateController implements the TWCC-driven send-bitrate adjustment from
// spec section 4.4: an exponential moving average of the per-feedback loss
// fraction is updated as REMB/TWCC reports arrive, and on a fixed tick the
// target bitrate either grows 5% (low loss) or shrinks by the EMA loss
// fraction, clamped to [min, max].
type BitrateController struct {
	mu      sync.Mutex
	ema     float64
	current uint64
	min     uint64
	max     uint64

	onBitrateChanged func(uint64)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBitrateController constructs a controller starting at initial bits per
// second, clamped to [min, max].
func NewBitrateController(initial, min, max uint64, onBitrateChanged func(uint64)) *BitrateController {
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &BitrateController{
		current:          initial,
		min:              min,
		max:              max,
		onBitrateChanged: onBitrateChanged,
		stopCh:           make(chan struct{}),
	}
}

// RecordLossSample folds a single feedback report's loss fraction (0..1)
// into the running EMA.
func (c *BitrateController) RecordLossSample(lossFraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ema = twccLossEMAAlpha*lossFraction + (1-twccLossEMAAlpha)*c.ema
}

// Start begins the periodic adjustment tick. Call Stop to release it.
func (c *BitrateController) Start() {
	go func() {
		ticker := time.NewTicker(twccTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.adjust()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the adjustment goroutine. Safe to call multiple times.
func (c *BitrateController) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Current returns the controller's present target, in bits per second.
func (c *BitrateController) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ReportREMB folds a receiver estimate (RFC draft REMB, carried as
// rtcp.ReceiverEstimatedMaximumBitrate.Bitrate) in as an immediate cap on the
// current target, rather than waiting for the next tick: REMB already is an
// absolute bitrate estimate, not a delta the EMA needs to smooth.
func (c *BitrateController) ReportREMB(bitrate float64) {
	if bitrate <= 0 {
		return
	}
	estimate := uint64(bitrate)

	c.mu.Lock()
	next := c.current
	if estimate < next {
		next = estimate
	}
	if next < c.min {
		next = c.min
	}
	changed := next != c.current
	c.current = next
	cb := c.onBitrateChanged
	c.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}

// LossFraction derives the fraction (0..1) of reported-on packets a TWCC
// feedback round marked lost: pion/rtcp only populates RecvDeltas for
// packets the chunk vector marks as received, so the gap between
// PacketStatusCount and len(RecvDeltas) is the loss count.
func LossFraction(pkt *rtcp.TransportLayerCC) float64 {
	if pkt == nil || pkt.PacketStatusCount == 0 {
		return 0
	}
	received := len(pkt.RecvDeltas)
	if uint16(received) > pkt.PacketStatusCount {
		return 0
	}
	lost := int(pkt.PacketStatusCount) - received
	return float64(lost) / float64(pkt.PacketStatusCount)
}

func (c *BitrateController) adjust() {
	c.mu.Lock()
	next := c.current
	if c.ema <= twccLossEMAAlpha {
		next = c.current + c.current/20
	} else {
		loss := c.ema
		if loss > 1 {
			loss = 1
		}
		reduction := uint64(float64(c.current) * loss)
		if reduction >= c.current {
			next = c.min
		} else {
			next = c.current - reduction
		}
	}
	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	changed := next != c.current
	c.current = next
	cb := c.onBitrateChanged
	c.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
}
