// Package engine assembles the storage engine: buffer pool, log manager,
// catalog, startup recovery and the checkpoint daemon.
package engine

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"reldb/pkg/catalog"
	"reldb/pkg/log/wal"
	"reldb/pkg/memory"
	"reldb/pkg/primitives"
	"reldb/pkg/recovery"
)

// Config selects the data directory and tuning knobs.
type Config struct {
	DataDir    string
	PoolFrames int
	Checkpoint wal.CheckpointConfig
	Truncate   wal.TruncateConfig
}

// DefaultConfig returns the defaults for a data directory.
func DefaultConfig(dataDir string) Config {
	ckpt := wal.DefaultCheckpointConfig()
	ckpt.DataDir = dataDir
	return Config{
		DataDir:    dataDir,
		PoolFrames: memory.DefaultPoolFrames,
		Checkpoint: ckpt,
		Truncate:   wal.DefaultTruncateConfig(),
	}
}

// Engine is the assembled storage engine. Open runs recovery to completion
// before returning, so a successfully opened engine is consistent.
type Engine struct {
	config Config
	wal    *wal.WAL
	pool   *memory.BufferPool
	sm     *catalog.SystemManager
	daemon *wal.CheckpointDaemon
	log    *logrus.Entry
}

// WALPath returns the log file location for a data directory.
func WALPath(dataDir string) string {
	return filepath.Join(dataDir, "wal.log")
}

// Open brings the engine up: open the log, register the heap files, recover,
// and start the checkpoint daemon. Recovery failure is fatal to the open;
// the engine never serves from inconsistent state.
func Open(config Config) (*Engine, error) {
	e := &Engine{
		config: config,
		log:    logrus.WithField("component", "engine"),
	}

	pool := memory.NewBufferPool(config.PoolFrames)
	walPath := WALPath(config.DataDir)

	sm, err := catalog.Open(config.DataDir, walPath, pool)
	if err != nil {
		return nil, err
	}
	w, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}

	// Write-ahead discipline: a dirty page may only reach disk once the
	// log covering its stamp is durable.
	pool.SetWALHooks(
		func(lsn primitives.LSN) error {
			if !lsn.Valid() {
				return nil
			}
			return w.Force()
		},
		w.PageFlushed,
	)

	rm := recovery.NewRecoveryManager(w, sm, pool)
	if err := rm.Recover(); err != nil {
		w.Close()
		pool.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.wal = w
	e.pool = pool
	e.sm = sm
	e.daemon = wal.NewCheckpointDaemon(w, config.Checkpoint)
	if err := e.daemon.Start(); err != nil {
		return nil, err
	}
	e.log.WithField("dir", config.DataDir).Info("engine open")
	return e, nil
}

// WAL exposes the log manager.
func (e *Engine) WAL() *wal.WAL {
	return e.wal
}

// Catalog exposes the system manager.
func (e *Engine) Catalog() *catalog.SystemManager {
	return e.sm
}

// Pool exposes the buffer pool.
func (e *Engine) Pool() *memory.BufferPool {
	return e.pool
}

// Checkpoint takes a manual checkpoint and then truncates the log if the
// configured thresholds allow.
func (e *Engine) Checkpoint() error {
	if _, err := e.wal.WriteCheckpoint(); err != nil {
		return err
	}
	if _, err := e.wal.Truncate(e.config.Truncate); err != nil {
		return err
	}
	return nil
}

// Close stops the daemon, flushes the pool and closes the log.
func (e *Engine) Close() error {
	e.daemon.Stop()
	if err := e.sm.Close(); err != nil {
		return err
	}
	if err := e.pool.Close(); err != nil {
		return err
	}
	return e.wal.Close()
}
