package verify

import (
	"encoding/json"

	"github.com/veraproof/backend/internal/opticalflow"
)

// SensorWindow accumulates one session's capture data. It is owned by the
// session's read loop and needs no locking.
type SensorWindow struct {
	videoChunks [][]byte
	rawIMU      []json.RawMessage
	gyroGamma   []float64
	flow        []float64

	engine *opticalflow.Engine
}

func NewSensorWindow() *SensorWindow {
	return &SensorWindow{engine: opticalflow.NewEngine()}
}

// AddVideoChunk buffers the chunk for artifact upload and feeds it to the
// optical flow engine. Undecodable chunks still become part of the stored
// video.
func (w *SensorWindow) AddVideoChunk(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	w.videoChunks = append(w.videoChunks, cp)

	if mag, ok := w.engine.ProcessChunk(chunk); ok {
		w.flow = append(w.flow, mag)
	}
}

// AddIMUBatch stores the raw batch and extracts gyro gamma values for
// correlation. Zero readings are dropped, matching the capture client's
// idle filter.
func (w *SensorWindow) AddIMUBatch(batch []json.RawMessage) {
	for _, raw := range batch {
		w.rawIMU = append(w.rawIMU, raw)
		var s imuSample
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if g, ok := s.gamma(); ok && g != 0 {
			w.gyroGamma = append(w.gyroGamma, g)
		}
	}
}

// Gyro returns the collected gyro gamma series.
func (w *SensorWindow) Gyro() []float64 { return w.gyroGamma }

// Flow returns the optical flow series. If the flow pipeline produced
// nothing and synthetic fallback is allowed, a series derived from the
// gyro data is returned instead.
func (w *SensorWindow) Flow(allowSynthetic bool) []float64 {
	if len(w.flow) > 0 || !allowSynthetic {
		return w.flow
	}
	synthetic := make([]float64, len(w.gyroGamma))
	for i, g := range w.gyroGamma {
		synthetic[i] = g*0.9 + float64(i%3-1)*0.1
	}
	return synthetic
}

// Video joins the buffered chunks into the full capture.
func (w *SensorWindow) Video() []byte {
	size := 0
	for _, c := range w.videoChunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range w.videoChunks {
		out = append(out, c...)
	}
	return out
}

// IMUJSON renders the raw IMU batch list for artifact upload.
func (w *SensorWindow) IMUJSON() ([]byte, error) {
	if w.rawIMU == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(w.rawIMU)
}

// FlowJSON renders the flow series used for correlation.
func (w *SensorWindow) FlowJSON(allowSynthetic bool) ([]byte, error) {
	flow := w.Flow(allowSynthetic)
	if flow == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(flow)
}

// Samples reports how many aligned gyro/flow pairs are available.
func (w *SensorWindow) Samples(allowSynthetic bool) int {
	g := len(w.gyroGamma)
	f := len(w.Flow(allowSynthetic))
	if f < g {
		return f
	}
	return g
}

// Clear releases the buffered capture data after artifacts are stored.
func (w *SensorWindow) Clear() {
	w.videoChunks = nil
	w.rawIMU = nil
	w.gyroGamma = nil
	w.flow = nil
	w.engine.Reset()
}
