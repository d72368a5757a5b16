package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/model"
	"github.com/i474232898/weather-gateway/internal/weather"
)

// ErrNoTrainingData is returned by Retrain when no location produced a series.
var ErrNoTrainingData = errors.New("no training data")

type Config struct {
	// FetchInterval controls how often the current reading of every location is recorded.
	FetchInterval time.Duration
	// RetrainInterval controls how often the predictor is refitted.
	RetrainInterval time.Duration
	// JobTimeout bounds a single location fetch.
	JobTimeout time.Duration
	// TrainingDays is the look-back window for training data.
	TrainingDays int
}

func (c Config) withDefaults() Config {
	if c.FetchInterval <= 0 {
		c.FetchInterval = 15 * time.Minute
	}
	if c.RetrainInterval <= 0 {
		c.RetrainInterval = time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Second
	}
	if c.TrainingDays <= 0 {
		c.TrainingDays = 7
	}
	return c
}

// Scheduler periodically records weather snapshots for configured locations and
// retrains the predictor from them.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   *weather.Service
	predictor *model.Predictor
	locations []weather.Location
	cfg       Config
	log       *zap.SugaredLogger
}

// New creates a new Scheduler. predictor may be nil to disable retraining.
func New(locations []weather.Location, service *weather.Service, predictor *model.Predictor, cfg Config, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		service:   service,
		predictor: predictor,
		locations: locations,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// Start schedules the periodic jobs and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.locations) == 0 {
		s.log.Info("scheduler: no locations configured; nothing to schedule")
		return nil
	}

	_, err := s.scheduler.Every(s.cfg.FetchInterval).SingletonMode().Do(func() {
		s.RecordAll(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule record job: %w", err)
	}

	if s.predictor != nil {
		_, err = s.scheduler.Every(s.cfg.RetrainInterval).WaitForSchedule().SingletonMode().Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout*time.Duration(len(s.locations)))
			defer cancel()
			if err := s.Retrain(ctx); err != nil {
				s.log.Warnw("scheduler: retrain failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule retrain job: %w", err)
		}
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// RecordAll records the current reading of every location concurrently and returns
// the number of snapshots stored.
func (s *Scheduler) RecordAll(ctx context.Context) int {
	s.log.Debug("scheduler: running weather record job")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		recorded int
	)
	for _, loc := range s.locations {
		wg.Add(1)
		go func(loc weather.Location) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()

			if err := s.service.RecordCurrent(ctx, loc); err != nil {
				s.log.Warnw("scheduler: record failed", "location", loc.Key(), "error", err)
				return
			}
			mu.Lock()
			recorded++
			mu.Unlock()
		}(loc)
	}
	wg.Wait()

	s.log.Debugw("scheduler: completed weather record job", "recorded", recorded, "locations", len(s.locations))
	return recorded
}

// Retrain fits the predictor on the last TrainingDays of data and persists it.
func (s *Scheduler) Retrain(ctx context.Context) error {
	if s.predictor == nil {
		return nil
	}

	since := time.Now().UTC().AddDate(0, 0, -s.cfg.TrainingDays)
	minSamples := s.cfg.TrainingDays * 24 / 2
	series := s.service.TrainingSeries(ctx, s.locations, since, s.cfg.TrainingDays, minSamples)
	if len(series) == 0 {
		return ErrNoTrainingData
	}

	if err := s.predictor.Train(series); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	if err := s.predictor.Save(); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	samples, rmse, _, _ := s.predictor.Info()
	s.log.Infow("scheduler: model retrained", "samples", samples, "rmse", rmse, "series", len(series))
	return nil
}
