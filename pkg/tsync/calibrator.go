// ABOUTME: Calibration, outlier and notification machinery shared by both synchronizers
// ABOUTME: Owns the calibration window, configuration, event handler and .tsync writer
package tsync

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Resonate-Protocol/streamsync/pkg/clock"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/google/uuid"
)

// maxConsecutiveOutliers bounds how many samples in a row are kept out of
// the calibration window
const maxConsecutiveOutliers = 3

// calibrator holds the state common to every synchronizer. It is embedded
// by the concrete types, which supply the per-sample algorithm.
type calibrator struct {
	id      string
	kind    string
	clock   clock.Clock
	handler EventHandler

	// outlierK scales the current window SD in the outlier test
	outlierK float64

	// configuration, frozen once calibrated
	freqHz     float64
	windowSize int
	tolerance  int64
	strategies Strategy
	basename   string

	// file header details, set by the owning module
	moduleName   string
	collectionID uuid.UUID
	deviceUnit   tsyncfile.TimeUnit
	deviceEnc    tsyncfile.Encoding

	window         *CalibrationWindow
	samples        int
	calibrated     bool
	started        bool
	stopped        bool
	expectedOffset int64
	expectedSD     float64
	deviation      int64
	outlierRun     int

	writer  *tsyncfile.Writer
	lastRec tsyncfile.Record
	haveRec bool

	inTolerance bool
	lastNotify  int64
}

func newCalibrator(id, kind string, clk clock.Clock, handler EventHandler, freqHz float64) calibrator {
	if clk == nil {
		clk = clock.NewMasterClock()
	}
	if handler == nil {
		handler = nopHandler{}
	}
	return calibrator{
		id:         id,
		kind:       kind,
		clock:      clk,
		handler:    handler,
		freqHz:     freqHz,
		tolerance:  halfPeriodMicros(freqHz),
		strategies: ShiftForward | ShiftBackward,
		deviceUnit: tsyncfile.UnitMicroseconds,
		deviceEnc:  tsyncfile.EncodingInt64,
	}
}

func halfPeriodMicros(freqHz float64) int64 {
	if freqHz <= 0 {
		return 0
	}
	t := int64(math.Round(0.5e6 / freqHz))
	if t < 1 {
		t = 1
	}
	return t
}

func (c *calibrator) logf(format string, args ...any) {
	log.Printf("tsync: %s: "+format, append([]any{c.id}, args...)...)
}

// ID returns the stream identifier
func (c *calibrator) ID() string {
	return c.id
}

// IsCalibrated reports whether the warm-up phase has completed
func (c *calibrator) IsCalibrated() bool {
	return c.calibrated
}

// ExpectedOffset returns the device-to-master offset frozen at calibration
func (c *calibrator) ExpectedOffset() time.Duration {
	return toDuration(c.expectedOffset)
}

// ExpectedStdDev returns the offset spread frozen at calibration
func (c *calibrator) ExpectedStdDev() time.Duration {
	return time.Duration(c.expectedSD * float64(time.Microsecond))
}

// Deviation returns the latest mean deviation from the expected offset
func (c *calibrator) Deviation() time.Duration {
	return toDuration(c.deviation)
}

// Tolerance returns the allowed deviation before corrections are made
func (c *calibrator) Tolerance() time.Duration {
	return toDuration(c.tolerance)
}

// Strategies returns the enabled strategy flags
func (c *calibrator) Strategies() Strategy {
	return c.strategies
}

// CalibrationWindowSize returns the window capacity, 0 while it is still
// to be derived from the first data
func (c *calibrator) CalibrationWindowSize() int {
	if c.window != nil {
		return c.window.Cap()
	}
	return c.windowSize
}

// TimeSyncBasename returns the path the log file is written to, without extension
func (c *calibrator) TimeSyncBasename() string {
	return c.basename
}

func (c *calibrator) rejectCalibrated(what string) bool {
	if c.calibrated {
		c.logf("cannot change %s after calibration, keeping previous value", what)
		return true
	}
	return false
}

// SetTolerance sets the allowed deviation. Ignored once calibrated.
func (c *calibrator) SetTolerance(d time.Duration) {
	if c.rejectCalibrated("tolerance") {
		return
	}
	if d <= 0 {
		c.logf("ignoring non-positive tolerance %v", d)
		return
	}
	c.tolerance = d.Microseconds()
	if c.tolerance < 1 {
		c.tolerance = 1
	}
	c.notifyDetails()
}

// SetCalibrationWindowSize fixes the window capacity instead of deriving
// it. Changing it during warm-up restarts the warm-up. Ignored once calibrated.
func (c *calibrator) SetCalibrationWindowSize(n int) {
	if c.rejectCalibrated("calibration window size") {
		return
	}
	if n < 1 {
		c.logf("ignoring calibration window size %d", n)
		return
	}
	c.windowSize = n
	c.window = nil
	c.samples = 0
	c.notifyDetails()
}

// SetStrategies replaces the strategy flags. Ignored once calibrated.
func (c *calibrator) SetStrategies(s Strategy) {
	if c.rejectCalibrated("strategies") {
		return
	}
	c.strategies = s
	c.notifyDetails()
}

// SetTimeSyncBasename sets where the log file is written. Ignored once calibrated.
func (c *calibrator) SetTimeSyncBasename(name string) {
	if c.rejectCalibrated("time sync basename") {
		return
	}
	c.basename = name
}

func (c *calibrator) notifyDetails() {
	c.handler.SyncDetailsChanged(c.id, c.strategies, c.Tolerance())
}

func (c *calibrator) notifyOffset() {
	c.lastNotify = c.clock.NowMicros()
	c.handler.OffsetChanged(c.id, c.Deviation())
}

// start resets the warm-up state and opens the log file if requested
func (c *calibrator) start() error {
	if c.stopped {
		c.logf("cannot start: already stopped")
		return ErrStopped
	}
	if c.calibrated {
		c.logf("cannot start: already calibrated")
		return ErrAlreadyCalibrated
	}
	c.closeWriter()

	c.window = nil
	c.samples = 0
	c.deviation = 0
	c.outlierRun = 0
	c.haveRec = false

	if c.strategies.Has(WriteLogFile) {
		if c.basename == "" {
			c.logf("cannot start: %v", ErrNoBasename)
			return ErrNoBasename
		}
		w, err := tsyncfile.Create(c.basename, c.fileHeader())
		if err != nil {
			c.logf("cannot open time sync file: %v", err)
			return fmt.Errorf("open time sync file: %w", err)
		}
		c.writer = w
		c.logf("writing correspondence points to %s", w.Path())
	}
	c.started = true
	return nil
}

// stop closes the log file; later calls are no-ops
func (c *calibrator) stop() error {
	if c.stopped {
		return nil
	}
	c.stopped = true
	return c.closeWriter()
}

func (c *calibrator) closeWriter() error {
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	if err != nil {
		c.logf("closing time sync file: %v", err)
	}
	c.writer = nil
	return err
}

func (c *calibrator) fileHeader() tsyncfile.Header {
	return tsyncfile.Header{
		ModuleName:   c.moduleName,
		CollectionID: c.collectionID,
		Metadata: map[string]any{
			"stream":       c.id,
			"synchronizer": c.kind,
			"tolerance_us": c.tolerance,
			"frequency_hz": c.freqHz,
			"window_size":  int64(c.windowSize),
			"strategies":   c.strategies.String(),
		},
		SyncMode: tsyncfile.SyncModeSyncPoints,
		Device:   tsyncfile.Channel{Name: "device", Unit: c.deviceUnit, Encoding: c.deviceEnc},
		Master:   tsyncfile.Channel{Name: "master", Unit: tsyncfile.UnitMicroseconds, Encoding: tsyncfile.EncodingInt64},
	}
}

func (c *calibrator) ensureWindow(derived int) {
	if c.window != nil {
		return
	}
	n := c.windowSize
	if n == 0 {
		n = derived
	}
	if n < 1 {
		n = minWindowSize
	}
	c.window = NewCalibrationWindow(n)
}

// isOutlier tests x against the window before x is pushed
func (c *calibrator) isOutlier(x int64) bool {
	if c.window.Len() < 2 {
		return false
	}
	dev := math.Abs(float64(x) - c.window.Mean())
	return dev > c.expectedSD && dev-c.expectedSD > c.outlierK*c.window.StdDev()
}

// observe runs the outlier test, pushes x and advances calibration.
// Once calibrated an outlier stays out of the window, so it moves neither
// the mean nor the deviation. After maxConsecutiveOutliers rejections in a
// row the next sample is admitted regardless, which lets a genuine step of
// the device clock reach the window. It reports whether x was rejected and
// whether this sample completed the warm-up.
func (c *calibrator) observe(x int64) (outlier, calibratedNow bool) {
	c.samples++

	if c.calibrated && c.isOutlier(x) && c.outlierRun < maxConsecutiveOutliers {
		c.outlierRun++
		return true, false
	}
	c.outlierRun = 0
	c.window.Push(x)

	if !c.calibrated {
		if c.samples >= 2*c.window.Cap() {
			c.freeze()
			return false, true
		}
		return false, false
	}
	c.deviation = int64(math.Round(c.window.Mean())) - c.expectedOffset
	return false, false
}

func (c *calibrator) freeze() {
	c.expectedOffset = c.window.Median()
	c.expectedSD = c.window.StdDev()
	c.calibrated = true
	c.deviation = int64(math.Round(c.window.Mean())) - c.expectedOffset
	c.inTolerance = c.withinTolerance()

	c.logf("calibrated: expected offset %dµs, sd %.1fµs, window %d, tolerance %dµs",
		c.expectedOffset, c.expectedSD, c.window.Cap(), c.tolerance)
	c.notifyOffset()
}

func (c *calibrator) withinTolerance() bool {
	return abs64(c.deviation) < c.tolerance
}

// trackOffset sends OffsetChanged on tolerance crossings and periodically otherwise
func (c *calibrator) trackOffset() {
	in := c.withinTolerance()
	if in != c.inTolerance {
		c.inTolerance = in
		if in {
			c.logf("deviation %dµs back within tolerance", c.deviation)
		} else {
			c.logf("deviation %dµs exceeds tolerance %dµs", c.deviation, c.tolerance)
		}
		c.notifyOffset()
		return
	}
	if c.clock.NowMicros()-c.lastNotify >= offsetNotifyInterval.Microseconds() {
		c.notifyOffset()
	}
}

// gate returns the part of correction v the strategies allow. A positive
// correction is subtracted from output time and so moves it backward.
func (c *calibrator) gate(v int64) int64 {
	switch {
	case v > 0 && !c.strategies.Has(ShiftBackward):
		return 0
	case v < 0 && !c.strategies.Has(ShiftForward):
		return 0
	}
	return v
}

// writeRecord appends a correspondence point, clamped so neither
// dimension runs backward
func (c *calibrator) writeRecord(device, master int64) {
	if c.writer == nil {
		return
	}
	if c.haveRec {
		device = max(device, c.lastRec.Device)
		master = max(master, c.lastRec.Master)
	}
	if err := c.writer.WriteTimes(device, master); err != nil {
		c.logf("writing correspondence point: %v", err)
		return
	}
	c.lastRec = tsyncfile.Record{Device: device, Master: master}
	c.haveRec = true
}
