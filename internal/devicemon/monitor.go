// Package devicemon checks the MOD device on a schedule and remembers
// whether the last check reached it.
package devicemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmplugins/plugin-manager/internal/manager"
	"github.com/dmplugins/plugin-manager/internal/metrics"
)

const DefaultSchedule = "@every 30s"

// checkTimeout bounds a single scheduled check.
const checkTimeout = 15 * time.Second

// Status is the result of the most recent check.
type Status struct {
	Connected bool      `json:"connected"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Monitor runs connectivity checks against the device.
type Monitor struct {
	dial     manager.Dialer
	schedule string

	mu     sync.RWMutex
	status Status
	cron   *cron.Cron
}

// New returns a stopped monitor. An empty schedule uses DefaultSchedule.
func New(dial manager.Dialer, schedule string) *Monitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Monitor{dial: dial, schedule: schedule}
}

// Check connects to the device, disconnects and records the outcome.
func (m *Monitor) Check(ctx context.Context) Status {
	st := Status{CheckedAt: time.Now()}
	dev, err := m.dial(ctx)
	if err == nil {
		st.Connected = true
		if derr := dev.Disconnect(); derr != nil {
			log.Printf("[devicemon] disconnect after check: %v", derr)
		}
	} else {
		st.Error = err.Error()
	}

	m.mu.Lock()
	changed := m.status.CheckedAt.IsZero() || m.status.Connected != st.Connected
	m.status = st
	m.mu.Unlock()

	metrics.SetDeviceConnected(st.Connected)
	if changed {
		if st.Connected {
			log.Printf("[devicemon] device reachable")
		} else {
			log.Printf("[devicemon] device unreachable: %s", st.Error)
		}
	}
	return st
}

// Status returns the last recorded check result. CheckedAt is zero before
// the first check.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Start schedules periodic checks. It is an error to start twice.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("device monitor already started")
	}

	c := cron.New()
	_, err := c.AddFunc(m.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		m.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid check schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c
	log.Printf("[devicemon] started (schedule: %s)", m.schedule)
	return nil
}

// Stop cancels future checks and waits for a running one to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Printf("[devicemon] stopped")
}
