package bot

import (
	"context"
	"discord-automod/model"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// BotProvider defines the methods the scheduler needs from the Bot.
type BotProvider interface {
	GetConfig() *model.Config
	SweepSpam() int
	RunReversals(ctx context.Context)
}

// Scheduler manages all background tasks.
type Scheduler struct {
	bot         BotProvider
	done        chan struct{}
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	sweepTicker *time.Ticker
	metrics     *http.Server
	logger      *logrus.Entry
}

// NewScheduler creates a new scheduler.
func NewScheduler(bot BotProvider) *Scheduler {
	return &Scheduler{
		bot:    bot,
		done:   make(chan struct{}),
		logger: logrus.WithField("module", "Tasks"),
	}
}

// Start begins all background tasks.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.runReversals(ctx)
	go s.startScheduledTasks()

	if addr := s.bot.GetConfig().MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		s.wg.Add(1)
		go s.serveMetrics()
	}
}

// Stop terminates all background tasks gracefully.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.logger.Info("Stopping scheduler...")
	close(s.done)
	s.cancel()
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped.")
}

func (s *Scheduler) runReversals(ctx context.Context) {
	defer s.wg.Done()
	s.bot.RunReversals(ctx)
}

func (s *Scheduler) startScheduledTasks() {
	defer s.wg.Done()
	interval := s.bot.GetConfig().SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.sweepTicker = time.NewTicker(interval)
	defer s.sweepTicker.Stop()

	for {
		select {
		case <-s.sweepTicker.C:
			if n := s.bot.SweepSpam(); n > 0 {
				s.logger.WithField("records", n).Debug("dropped idle spam records")
			}
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) serveMetrics() {
	defer s.wg.Done()
	s.logger.WithField("addr", s.metrics.Addr).Info("serving metrics")
	if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.WithError(err).Error("metrics server stopped")
	}
}
