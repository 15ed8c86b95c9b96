// Package perfmonitor measures the wall time of a single operation. The RPC
// router uses one per dispatched request.
package perfmonitor

import "time"

// PerformanceMonitor records a start and an end instant. It is not safe for
// concurrent use; create one per measured operation.
type PerformanceMonitor struct {
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with no recorded instants.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// StartNew returns a monitor that has already been started.
func StartNew() *PerformanceMonitor {
	pm := NewPerformanceMonitor()
	pm.Start()
	return pm
}

// Start records the start instant, overwriting any previous one.
func (pm *PerformanceMonitor) Start() {
	pm.startTime = time.Now()
}

// Stop records the end instant. It is ignored when Start was not called.
// Calling Stop again moves the end instant forward.
func (pm *PerformanceMonitor) Stop() {
	if pm.startTime.IsZero() {
		return
	}

	pm.endTime = time.Now()
}

// Reset clears both instants so the monitor can be reused.
func (pm *PerformanceMonitor) Reset() {
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// Elapsed returns end minus start, or 0 unless both were recorded.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}

	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed as fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}

// ElapsedSeconds returns Elapsed as fractional seconds, the unit histogram
// metrics are recorded in.
func (pm *PerformanceMonitor) ElapsedSeconds() float64 {
	return pm.Elapsed().Seconds()
}
