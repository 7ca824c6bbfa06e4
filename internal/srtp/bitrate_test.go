package srtp

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func TestBitrateControllerGrowsUnderLowLoss(t *testing.T) {
	var got uint64
	c := NewBitrateController(1_000_000, 100_000, 5_000_000, func(b uint64) { got = b })
	c.RecordLossSample(0)
	c.adjust()
	require.Equal(t, uint64(1_000_000+1_000_000/20), got)
}

func TestBitrateControllerShrinksUnderHighLoss(t *testing.T) {
	var got uint64
	c := NewBitrateController(1_000_000, 100_000, 5_000_000, func(b uint64) { got = b })
	c.RecordLossSample(1)
	c.RecordLossSample(1)
	c.adjust()
	require.Less(t, got, uint64(1_000_000))
}

func TestBitrateControllerClampsToBounds(t *testing.T) {
	c := NewBitrateController(100_000, 100_000, 200_000, nil)
	for i := 0; i < 50; i++ {
		c.RecordLossSample(0)
		c.adjust()
	}
	require.LessOrEqual(t, c.Current(), uint64(200_000))

	c2 := NewBitrateController(200_000, 100_000, 200_000, nil)
	for i := 0; i < 50; i++ {
		c2.RecordLossSample(1)
		c2.adjust()
	}
	require.GreaterOrEqual(t, c2.Current(), uint64(100_000))
}

func TestBitrateControllerStartStop(t *testing.T) {
	c := NewBitrateController(500_000, 100_000, 1_000_000, nil)
	c.Start()
	time.Sleep(10 * time.Millisecond)
	c.Stop()
	c.Stop() // must tolerate a second Stop
}

func TestLossFractionComputesFromPacketStatusGap(t *testing.T) {
	// 100 reported-on packets, 12 of them never show up in RecvDeltas.
	pkt := &rtcp.TransportLayerCC{
		PacketStatusCount: 100,
		RecvDeltas:        make([]*rtcp.RecvDelta, 88),
	}
	require.InDelta(t, 0.12, LossFraction(pkt), 1e-9)
}

func TestLossFractionZeroWhenNoPacketsReported(t *testing.T) {
	require.Zero(t, LossFraction(&rtcp.TransportLayerCC{}))
	require.Zero(t, LossFraction(nil))
}

func TestBitrateControllerSeedTestTwelvePercentLossCutsAtLeastTenPercent(t *testing.T) {
	// Seed test 4: a sustained 12% loss must cut the video bitrate target by
	// >=10% within the next tick, staying above the configured minimum. TWCC
	// feedback arrives many times per tick, so the EMA is driven to converge
	// on the true loss fraction before adjust() fires.
	c := NewBitrateController(1_000_000, 150_000, 4_000_000, nil)
	for i := 0; i < 100; i++ {
		c.RecordLossSample(0.12)
	}
	c.adjust()
	require.LessOrEqual(t, c.Current(), uint64(900_000))
	require.GreaterOrEqual(t, c.Current(), uint64(150_000))
}

func TestReportREMBCapsCurrentImmediately(t *testing.T) {
	var got uint64
	c := NewBitrateController(1_000_000, 100_000, 5_000_000, func(b uint64) { got = b })
	c.ReportREMB(400_000)
	require.Equal(t, uint64(400_000), got)
	require.Equal(t, uint64(400_000), c.Current())
}

func TestReportREMBNeverGoesBelowMinimum(t *testing.T) {
	c := NewBitrateController(1_000_000, 200_000, 5_000_000, nil)
	c.ReportREMB(50_000)
	require.Equal(t, uint64(200_000), c.Current())
}

func TestReportREMBIgnoresNonPositiveEstimate(t *testing.T) {
	c := NewBitrateController(1_000_000, 100_000, 5_000_000, nil)
	c.ReportREMB(0)
	require.Equal(t, uint64(1_000_000), c.Current())
}
