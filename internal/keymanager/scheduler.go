package keymanager

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/radix-relay/bridge-core/internal/keys"
	"github.com/radix-relay/bridge-core/internal/metrics"
)

// Scheduler periodically checks whether the signed or PQ pre-key
// needs rotation and, if so, rotates it and sweeps expired records. A
// ticker driven by a cancellable context, guarded by a mutex so
// Start/Stop/Enable can race with the running loop safely.
type Scheduler struct {
	manager  *Manager
	identity *keys.IdentityKeyPair

	ctx        context.Context
	cancelFunc context.CancelFunc
	ticker     *time.Ticker
	lock       sync.Mutex
	logger     *log.Logger
	enabled    bool

	checkInterval time.Duration
}

// NewScheduler creates a scheduler for the given manager and identity.
// checkInterval controls how often the rotation condition is
// re-evaluated; a quarter of RotationInterval, floored at one hour, is
// a reasonable default.
func NewScheduler(manager *Manager, identity *keys.IdentityKeyPair, checkInterval time.Duration) *Scheduler {
	if checkInterval < time.Hour {
		checkInterval = time.Hour
	}
	return &Scheduler{
		manager:       manager,
		identity:      identity,
		checkInterval: checkInterval,
		logger:        log.New(os.Stdout, "[KEY-MANAGER] ", log.Ldate|log.Ltime|log.LUTC),
		enabled:       true,
	}
}

// Start begins the background rotation loop if the scheduler is
// enabled.
func (s *Scheduler) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.enabled {
		s.logger.Println("key rotation scheduler is disabled")
		return
	}
	s.ctx, s.cancelFunc = context.WithCancel(context.Background())
	go s.run()
}

// Stop cancels the background rotation loop. Safe to call even if
// Start was never called.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

// Enable re-allows Start to spin up the loop.
func (s *Scheduler) Enable() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.enabled = true
}

// Disable stops any running loop and prevents Start from starting a
// new one until Enable is called again.
func (s *Scheduler) Disable() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.enabled = false
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

func (s *Scheduler) run() {
	s.lock.Lock()
	ctx := s.ctx
	ticker := time.NewTicker(s.checkInterval)
	s.ticker = ticker
	s.lock.Unlock()
	defer ticker.Stop()

	s.checkAndRotate()
	for {
		select {
		case <-ticker.C:
			s.checkAndRotate()
		case <-ctx.Done():
			s.logger.Println("key rotation scheduler stopped")
			return
		}
	}
}

func (s *Scheduler) checkAndRotate() {
	if needs, err := s.manager.SignedPreKeyNeedsRotation(); err != nil {
		s.logger.Printf("failed to check signed pre-key rotation: %v", err)
	} else if needs {
		if err := s.manager.RotateSignedPreKey(s.identity); err != nil {
			s.logger.Printf("failed to rotate signed pre-key: %v", err)
		} else {
			metrics.SignedPreKeyRotationsTotal.Inc()
			s.logger.Println("rotated signed pre-key")
		}
	}
	if err := s.manager.CleanupExpiredSignedPreKeys(); err != nil {
		s.logger.Printf("failed to clean up expired signed pre-keys: %v", err)
	}

	if needs, err := s.manager.PQPreKeyNeedsRotation(); err != nil {
		s.logger.Printf("failed to check pq pre-key rotation: %v", err)
	} else if needs {
		if err := s.manager.RotatePQPreKey(s.identity); err != nil {
			s.logger.Printf("failed to rotate pq pre-key: %v", err)
		} else {
			metrics.PQPreKeyRotationsTotal.Inc()
			s.logger.Println("rotated pq pre-key")
		}
	}
	if err := s.manager.CleanupExpiredPQPreKeys(); err != nil {
		s.logger.Printf("failed to clean up expired pq pre-keys: %v", err)
	}
}
