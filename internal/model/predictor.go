// Package model holds the next-hour temperature predictor. A Predictor is built
// once at startup, trained explicitly with Train and persisted with Save/Load.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/i474232898/weather-gateway/internal/weather"
)

var (
	// ErrNotTrained is returned by Predict before a successful Train or Load.
	ErrNotTrained = errors.New("model is not trained")
	// ErrInsufficientData is returned when there are too few readings to train or predict.
	ErrInsufficientData = errors.New("insufficient data")
)

const (
	// Lags is the number of previous hourly temperatures fed to the model.
	Lags = 3
	// Step is the prediction horizon.
	Step = time.Hour

	ridge = 1e-6
)

// Prediction is a forecast temperature for a single timestamp.
type Prediction struct {
	Timestamp   time.Time `json:"timestamp"`
	Temperature float64   `json:"temperature"`
	TrainedAt   time.Time `json:"trained_at"`
}

// state is the persisted form of a trained model.
type state struct {
	Weights   []float64 `json:"weights"`
	Samples   int       `json:"samples"`
	RMSE      float64   `json:"rmse"`
	TrainedAt time.Time `json:"trained_at"`
}

// Predictor is a least-squares linear model over lagged temperatures and hour of day.
// It is safe for concurrent use.
type Predictor struct {
	path string

	mu sync.RWMutex
	st *state
}

// New returns an untrained predictor persisted at path.
func New(path string) *Predictor {
	return &Predictor{path: path}
}

// Trained reports whether the predictor can serve predictions.
func (p *Predictor) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.st != nil
}

// Info returns sample count, training RMSE and training time of the current model.
func (p *Predictor) Info() (samples int, rmse float64, trainedAt time.Time, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.st == nil {
		return 0, 0, time.Time{}, false
	}
	return p.st.Samples, p.st.RMSE, p.st.TrainedAt, true
}

// Train fits the model on ascending hourly series (one per location). The previous model
// stays in place if training fails.
func (p *Predictor) Train(series [][]weather.Reading) error {
	var (
		xs [][]float64
		ys []float64
	)
	for _, s := range series {
		for i := Lags; i < len(s); i++ {
			xs = append(xs, features(s[i-Lags:i], s[i].Timestamp))
			ys = append(ys, s[i].Temperature)
		}
	}
	if len(xs) <= len(xs0()) {
		return fmt.Errorf("%w: %d samples", ErrInsufficientData, len(xs))
	}

	w, err := leastSquares(xs, ys)
	if err != nil {
		return err
	}

	var sse float64
	for i, x := range xs {
		d := dot(w, x) - ys[i]
		sse += d * d
	}

	p.mu.Lock()
	p.st = &state{
		Weights:   w,
		Samples:   len(xs),
		RMSE:      math.Sqrt(sse / float64(len(xs))),
		TrainedAt: time.Now().UTC(),
	}
	p.mu.Unlock()
	return nil
}

// Predict returns the temperature one Step after the last of the ascending recent readings.
func (p *Predictor) Predict(recent []weather.Reading) (Prediction, error) {
	p.mu.RLock()
	st := p.st
	p.mu.RUnlock()

	if st == nil {
		return Prediction{}, ErrNotTrained
	}
	if len(recent) < Lags {
		return Prediction{}, fmt.Errorf("%w: need %d readings, got %d", ErrInsufficientData, Lags, len(recent))
	}

	window := recent[len(recent)-Lags:]
	at := window[Lags-1].Timestamp.Add(Step)
	return Prediction{
		Timestamp:   at,
		Temperature: dot(st.Weights, features(window, at)),
		TrainedAt:   st.TrainedAt,
	}, nil
}

// Save writes the trained model to its path atomically.
func (p *Predictor) Save() error {
	p.mu.RLock()
	st := p.st
	p.mu.RUnlock()
	if st == nil {
		return ErrNotTrained
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if dir := filepath.Dir(p.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return os.Rename(tmp, p.path)
}

// Load replaces the current model with the one stored at path.
func (p *Predictor) Load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read model: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	if len(st.Weights) != len(xs0()) {
		return fmt.Errorf("decode model: expected %d weights, got %d", len(xs0()), len(st.Weights))
	}

	p.mu.Lock()
	p.st = &st
	p.mu.Unlock()
	return nil
}

// features builds [1, t-1, ..., t-Lags, sin(hour), cos(hour)] for a target time.
// window is ascending, so window[len-1] is t-1.
func features(window []weather.Reading, at time.Time) []float64 {
	x := []float64{1}
	for i := len(window) - 1; i >= 0; i-- {
		x = append(x, window[i].Temperature)
	}
	angle := 2 * math.Pi * float64(at.UTC().Hour()) / 24
	return append(x, math.Sin(angle), math.Cos(angle))
}

// xs0 is a zero feature vector, used for its length.
func xs0() []float64 {
	return features(make([]weather.Reading, Lags), time.Time{})
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
