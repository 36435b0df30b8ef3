package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/metrics"
)

// Sweep is a periodic maintenance task run by the Manager.
type Sweep struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Manager runs the job queue workers and the scheduled sweeps
type Manager struct {
	queue   *Queue
	sweeps  []Sweep
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewManager creates a manager for the queue and sweeps
func NewManager(queue *Queue, sweeps ...Sweep) *Manager {
	return &Manager{queue: queue, sweeps: sweeps}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and schedules every sweep. A sweep with an
// invalid schedule is reported and the rest still start.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogger{}))))

	var firstErr error
	for _, s := range m.sweeps {
		sweep := s
		if _, err := c.AddFunc(sweep.Schedule, func() { m.runSweep(sweep) }); err != nil {
			log.Errorf("[JobQueue Manager] Failed to schedule %s (%q): %v", sweep.Name, sweep.Schedule, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("schedule %s: %w", sweep.Name, err)
			}
			continue
		}
		log.Infof("[JobQueue Manager] Scheduled %s (%s)", sweep.Name, sweep.Schedule)
	}

	if m.queue != nil {
		m.queue.Start()
	}
	c.Start()
	m.cron = c
	m.running = true
	log.Info("[JobQueue Manager] Started successfully")
	return firstErr
}

// Stop stops the scheduled sweeps, waits for running ones, then stops the queue
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	<-m.cron.Stop().Done()
	if m.queue != nil {
		m.queue.Stop()
	}
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// RunSweepOnce runs the named sweep immediately (admin use).
func (m *Manager) RunSweepOnce(name string) error {
	for _, s := range m.sweeps {
		if s.Name == name {
			return m.runSweep(s)
		}
	}
	return fmt.Errorf("unknown sweep %q", name)
}

func (m *Manager) runSweep(s Sweep) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	err := s.Run(ctx)
	metrics.Default().Sweep(s.Name, err)
	if err != nil {
		log.Errorf("[JobQueue Manager] %s failed after %s: %v", s.Name, time.Since(started), err)
		return err
	}
	log.Debugf("[JobQueue Manager] %s finished in %s", s.Name, time.Since(started))
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// cronLogger routes cron's panic reports into the fiber logger.
type cronLogger struct{}

func (cronLogger) Printf(format string, args ...interface{}) {
	log.Errorf("[Scheduler] "+format, args...)
}
