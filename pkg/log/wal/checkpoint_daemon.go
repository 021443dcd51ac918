package wal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"reldb/pkg/primitives"
)

// CheckpointConfig configures automatic checkpoint triggering.
type CheckpointConfig struct {
	// Interval between time-based checkpoints.
	Interval time.Duration

	// MaxWALSize triggers a checkpoint once the log grows past this many
	// bytes. Zero disables the size trigger.
	MaxWALSize int64

	// SnapshotDir, if set, receives a copy of DataDir after every
	// successful checkpoint.
	DataDir     string
	SnapshotDir string

	Enabled bool
}

// DefaultCheckpointConfig returns the defaults used by the engine shell.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Interval:   10 * time.Minute,
		MaxWALSize: 64 * 1024 * 1024,
		Enabled:    true,
	}
}

// CheckpointDaemonStats tracks daemon activity.
type CheckpointDaemonStats struct {
	TotalCheckpoints  int64
	TimeBasedTriggers int64
	SizeBasedTriggers int64
	ManualTriggers    int64
	FailedCheckpoints int64
	LastCheckpoint    Checkpoint
	LastCheckpointAt  time.Time
}

// CheckpointDaemon periodically takes checkpoints so that recovery never has
// to scan the whole log.
type CheckpointDaemon struct {
	wal      *WAL
	config   CheckpointConfig
	log      *logrus.Entry
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	statsMu sync.Mutex
	stats   CheckpointDaemonStats
}

// NewCheckpointDaemon builds a daemon over the given log.
func NewCheckpointDaemon(w *WAL, config CheckpointConfig) *CheckpointDaemon {
	return &CheckpointDaemon{
		wal:      w,
		config:   config,
		log:      logrus.WithField("component", "checkpoint-daemon"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the daemon loop. Starting a running daemon is an error.
func (cd *CheckpointDaemon) Start() error {
	if !cd.config.Enabled {
		cd.log.Info("checkpoint daemon disabled")
		return nil
	}
	if !cd.running.CompareAndSwap(false, true) {
		return fmt.Errorf("wal: checkpoint daemon already running")
	}
	cd.stopChan = make(chan struct{})

	cd.log.WithFields(logrus.Fields{
		"interval":   cd.config.Interval,
		"maxWALSize": cd.config.MaxWALSize,
	}).Info("checkpoint daemon started")

	cd.wg.Add(1)
	go cd.run()
	return nil
}

// Stop shuts the daemon down and waits for the loop to exit.
func (cd *CheckpointDaemon) Stop() {
	if !cd.running.Load() {
		return
	}
	close(cd.stopChan)
	cd.wg.Wait()
	cd.running.Store(false)
	cd.log.Info("checkpoint daemon stopped")
}

func (cd *CheckpointDaemon) run() {
	defer cd.wg.Done()

	ticker := time.NewTicker(cd.config.Interval)
	defer ticker.Stop()
	sizeTicker := time.NewTicker(30 * time.Second)
	defer sizeTicker.Stop()

	for {
		select {
		case <-cd.stopChan:
			return
		case <-ticker.C:
			cd.trigger("time")
			cd.count(func(s *CheckpointDaemonStats) { s.TimeBasedTriggers++ })
		case <-sizeTicker.C:
			if cd.overSize() {
				cd.trigger("size")
				cd.count(func(s *CheckpointDaemonStats) { s.SizeBasedTriggers++ })
			}
		}
	}
}

func (cd *CheckpointDaemon) overSize() bool {
	if cd.config.MaxWALSize <= 0 {
		return false
	}
	size, err := cd.wal.Size()
	if err != nil {
		cd.log.WithError(err).Warn("could not stat log for size trigger")
		return false
	}
	return size >= cd.config.MaxWALSize
}

func (cd *CheckpointDaemon) trigger(reason string) {
	start := time.Now()
	ckpt, err := cd.wal.WriteCheckpoint()
	if err != nil {
		cd.log.WithError(err).WithField("reason", reason).Error("checkpoint failed")
		cd.count(func(s *CheckpointDaemonStats) { s.FailedCheckpoints++ })
		return
	}

	if cd.config.SnapshotDir != "" && cd.config.DataDir != "" {
		if err := SnapshotDir(cd.config.DataDir, cd.config.SnapshotDir); err != nil {
			cd.log.WithError(err).Warn("post-checkpoint snapshot failed")
		}
	}

	cd.count(func(s *CheckpointDaemonStats) {
		s.TotalCheckpoints++
		s.LastCheckpoint = ckpt
		s.LastCheckpointAt = start
	})
}

// TriggerManualCheckpoint takes a checkpoint outside the daemon's schedule.
func (cd *CheckpointDaemon) TriggerManualCheckpoint() (primitives.LSN, error) {
	ckpt, err := cd.wal.WriteCheckpoint()
	if err != nil {
		cd.count(func(s *CheckpointDaemonStats) { s.FailedCheckpoints++ })
		return primitives.InvalidLSN, err
	}
	cd.count(func(s *CheckpointDaemonStats) {
		s.TotalCheckpoints++
		s.ManualTriggers++
		s.LastCheckpoint = ckpt
		s.LastCheckpointAt = time.Now()
	})
	return ckpt.End, nil
}

func (cd *CheckpointDaemon) count(update func(*CheckpointDaemonStats)) {
	cd.statsMu.Lock()
	defer cd.statsMu.Unlock()
	update(&cd.stats)
}

// Stats returns a copy of the daemon counters.
func (cd *CheckpointDaemon) Stats() CheckpointDaemonStats {
	cd.statsMu.Lock()
	defer cd.statsMu.Unlock()
	return cd.stats
}

// IsRunning reports whether the daemon loop is active.
func (cd *CheckpointDaemon) IsRunning() bool {
	return cd.running.Load()
}
