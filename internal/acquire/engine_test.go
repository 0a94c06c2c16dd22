// ABOUTME: Tests for the acquisition engine and packet queue
// ABOUTME: Runs simulated rigs on a manual clock and checks corrections, files, grouping and stopping
package acquire

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/source"
	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsync"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	stats []StreamStats
}

func (r *recordingSink) StreamStats(s StreamStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *recordingSink) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.stats {
		if s.Name == name {
			n++
		}
	}
	return n
}

func TestPacketQueueOrder(t *testing.T) {
	q := NewPacketQueue()
	a, b := &Stream{}, &Stream{}
	q.add(a, source.Packet{Arrival: 30})
	q.add(a, source.Packet{Arrival: 10})
	q.add(b, source.Packet{Arrival: 20})
	q.add(b, source.Packet{Arrival: 10})

	var got []int64
	var streams []*Stream
	for q.Len() > 0 {
		head := q.peek()
		p := q.next()
		assert.Equal(t, head, p, "peek returns the packet next removes")
		got = append(got, p.packet.Arrival)
		streams = append(streams, p.stream)
	}
	assert.Equal(t, []int64{10, 10, 20, 30}, got)
	assert.Same(t, a, streams[0], "ties keep push order")
	assert.Same(t, b, streams[1])
}

func TestEngineFastModeCorrectsDrift(t *testing.T) {
	clk := clock.NewManualClock(0)
	m := tsync.NewModule("rig", clk)
	sink := &recordingSink{}

	mic := source.NewToneSource(source.ToneConfig{Name: "mic", SampleRate: 100, BlockSize: 10, DriftPPM: 10_000})
	cam := source.NewDeviceSource(source.DeviceConfig{
		Name:   "cam",
		Rate:   100,
		Offset: time.Second,
		StepAt: 30 * time.Second,
		StepBy: 20 * time.Millisecond,
	})

	e, err := New(m, []StreamSpec{
		{Source: mic, Tolerance: 5 * time.Millisecond},
		{Source: cam, Tolerance: time.Millisecond, WindowSize: 50},
	}, Options{Duration: time.Minute, Sinks: []StatsSink{sink}})
	require.NoError(t, err)
	assert.Equal(t, tsync.StateReady, m.State())

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, tsync.StateIdle, m.State())
	assert.LessOrEqual(t, clk.NowMicros(), int64(60_000_000))
	assert.Greater(t, clk.NowMicros(), int64(59_000_000))

	stats := e.Stats()
	require.Len(t, stats, 2)

	micStats := stats[0]
	assert.Equal(t, "counter", micStats.Kind)
	assert.True(t, micStats.Calibrated)
	assert.Positive(t, micStats.IndexOffset, "a fast device is shifted back")
	assert.Positive(t, micStats.Corrections)
	// uncorrected the error would reach 600ms
	assert.Less(t, micStats.Error.Abs(), 200*time.Millisecond)
	assert.True(t, micStats.HasError)

	camStats := stats[1]
	assert.Equal(t, "clock", camStats.Kind)
	assert.True(t, camStats.Calibrated)
	assert.Equal(t, time.Second, camStats.ExpectedOffset)
	assert.InDelta(t, 20_000, camStats.Correction.Microseconds(), 1_000)
	assert.Less(t, camStats.Error.Abs(), time.Millisecond)
	assert.LessOrEqual(t, camStats.MaxError, 20*time.Millisecond)
	assert.Equal(t, int64(6001), camStats.Packets)

	assert.GreaterOrEqual(t, sink.count("mic"), 50)
	assert.GreaterOrEqual(t, sink.count("cam"), 50)
}

func TestEngineWritesFiles(t *testing.T) {
	dir := t.TempDir()
	m := tsync.NewModule("rig", clock.NewManualClock(0), tsync.WithDataDir(dir))

	e, err := New(m, []StreamSpec{
		{Source: source.NewDeviceSource(source.DeviceConfig{Name: "cam", Rate: 100}), WindowSize: 24},
		{Source: source.NewToneSource(source.ToneConfig{Name: "mic", SampleRate: 1000, BlockSize: 50}), WindowSize: 24},
		// strategies without the log flag write no file
		{Source: source.NewDeviceSource(source.DeviceConfig{Name: "imu", Rate: 100}), Strategies: tsync.ShiftForward},
	}, Options{Duration: 5 * time.Second})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	for _, name := range []string{"rig_cam", "rig_mic"} {
		f, err := tsyncfile.ReadFile(filepath.Join(dir, name+tsyncfile.FileExtension))
		require.NoError(t, err, name)
		assert.True(t, f.Intact())
		assert.NotEmpty(t, f.Records)
	}
	assert.NoFileExists(t, filepath.Join(dir, "rig_imu"+tsyncfile.FileExtension))
}

func TestEngineRejectsInvalidSetups(t *testing.T) {
	live := source.NewLineSource("uc", io.NopCloser(strings.NewReader("")), 10, clock.NewManualClock(0))
	sim := source.NewDeviceSource(source.DeviceConfig{Name: "cam"})

	_, err := New(tsync.NewModule("a", clock.NewManualClock(0)), nil, Options{})
	assert.ErrorIs(t, err, ErrNoStreams)

	_, err = New(tsync.NewModule("b", clock.NewMasterClock()), []StreamSpec{{Source: sim}}, Options{})
	assert.ErrorIs(t, err, ErrNeedManualClock)

	_, err = New(tsync.NewModule("c", clock.NewManualClock(0)), []StreamSpec{{Source: live}}, Options{})
	assert.ErrorIs(t, err, ErrNotSimulated)

	m := tsync.NewModule("d", clock.NewManualClock(0))
	require.NoError(t, m.Prepare())
	require.NoError(t, m.MarkReady())
	require.NoError(t, m.Start())
	_, err = New(m, []StreamSpec{{Source: sim}}, Options{})
	assert.ErrorIs(t, err, tsync.ErrInvalidModuleState)
}

func TestEngineGroups(t *testing.T) {
	var specs []StreamSpec
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		specs = append(specs, StreamSpec{Source: source.NewDeviceSource(source.DeviceConfig{Name: name})})
	}
	live := source.NewLineSource("uc", io.NopCloser(strings.NewReader("")), 10, clock.NewMasterClock())
	specs = append(specs[:2], append([]StreamSpec{{Source: live}}, specs[2:]...)...)

	sizes := func(groups [][]*Stream) []int {
		var out []int
		for _, g := range groups {
			out = append(out, len(g))
		}
		return out
	}

	e, err := New(tsync.NewModule("rig", nil, tsync.WithMaxModulesPerThread(2)), specs, Options{Realtime: true})
	require.NoError(t, err)
	groups := e.groups()
	assert.Equal(t, []int{2, 1, 2, 1}, sizes(groups))
	assert.Equal(t, "uc", groups[1][0].Name())

	e, err = New(tsync.NewModule("rig", nil), specs, Options{Realtime: true})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1}, sizes(e.groups()))

	sim := []StreamSpec{specs[0], specs[1]}
	e, err = New(tsync.NewModule("rig", clock.NewManualClock(0)), sim, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sizes(e.groups()))
}

func TestEngineRealtimeStops(t *testing.T) {
	m := tsync.NewModule("rig", nil)
	e, err := New(m, []StreamSpec{
		{Source: source.NewDeviceSource(source.DeviceConfig{Name: "cam", Rate: 1000})},
	}, Options{Realtime: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on cancellation")
	}
	assert.Positive(t, e.Stats()[0].Packets)
	assert.Equal(t, tsync.StateIdle, m.State())
}

func TestEngineStopUnblocksLiveSource(t *testing.T) {
	r, w := io.Pipe()
	m := tsync.NewModule("rig", nil)
	live := source.NewLineSource("uc", r, 10, m.Clock())

	e, err := New(m, []StreamSpec{{Source: live}}, Options{Realtime: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	_, err = io.WriteString(w, "1000\n2000\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats()[0].Packets == 2 }, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
