// Package sidechannel implements the side-channel supervisor (C8): a
// parent reconcile loop that keeps one monitor child process running
// per locally-active VM, each child speaking a framed packet protocol
// to the guest agent over a Unix socket.
package sidechannel

import (
	"context"
	"time"

	"github.com/fleetkit/controlplane/pkg/log"
	"github.com/rs/zerolog"
)

// Supervisor is the parent reconcile loop, grounded on
// original_source/shakenfist/daemons/sidechannel.py's Monitor.run and
// pkg/reconciler/reconciler.go's ticker+structured-log idiom.
type Supervisor struct {
	lister   DomainLister
	children map[string]*childProcess
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewSupervisor(lister DomainLister) *Supervisor {
	return &Supervisor{
		lister:   lister,
		children: map[string]*childProcess{},
		logger:   log.WithComponent("sidechannel"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the reconcile loop in the background until Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Info().Msg("starting")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.shutdown()
			s.logger.Info().Msg("terminated")
			return
		case <-ticker.C:
			s.reapDead()
			if err := s.reconcile(ctx); err != nil {
				log.Recover("sidechannel", "reconcile", err)
			}
		}
	}
}

// reapDead drops any child whose process has already exited.
func (s *Supervisor) reapDead() {
	for uuid, c := range s.children {
		if !c.alive() {
			c.wait(time.Second)
			s.logger.Info().Str("instance_uuid", uuid).Msg("sidechannel monitor ended")
			delete(s.children, uuid)
		}
	}
}

// reconcile starts a monitor for every active-but-unmonitored VM and
// stops monitors for VMs no longer active.
func (s *Supervisor) reconcile(ctx context.Context) error {
	active, err := s.lister.ActiveInstances(ctx)
	if err != nil {
		return err
	}

	activeSet := make(map[string]bool, len(active))
	for _, uuid := range active {
		activeSet[uuid] = true
		if _, ok := s.children[uuid]; ok {
			continue
		}
		c, err := spawnChild(ctx, uuid)
		if err != nil {
			s.logger.Warn().Err(err).Str("instance_uuid", uuid).Msg("failed to start sidechannel monitor")
			continue
		}
		s.children[uuid] = c
		s.logger.Info().Str("instance_uuid", uuid).Msg("sidechannel monitor started")
	}

	for uuid, c := range s.children {
		if activeSet[uuid] {
			continue
		}
		if err := c.terminate(); err != nil {
			s.logger.Warn().Err(err).Str("instance_uuid", uuid).Msg("failed to stop sidechannel monitor")
		}
		c.wait(time.Second)
		delete(s.children, uuid)
		s.logger.Info().Str("instance_uuid", uuid).Msg("sidechannel monitor finished")
	}
	return nil
}

// shutdown sends SIGTERM to every child, waits up to 10s, then nudges
// any stragglers with SIGUSR1 for a thread dump, matching spec.md
// §4.8's shutdown sequence.
func (s *Supervisor) shutdown() {
	if len(s.children) == 0 {
		return
	}
	s.logger.Info().Msg("shutdown_commenced")
	for uuid, c := range s.children {
		if err := c.terminate(); err != nil {
			s.logger.Warn().Err(err).Str("instance_uuid", uuid).Msg("failed to send SIGTERM")
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && len(s.children) > 0 {
		for uuid, c := range s.children {
			if !c.alive() {
				delete(s.children, uuid)
			}
		}
		if len(s.children) > 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}

	if len(s.children) > 0 {
		s.logger.Warn().Msg("we have taken more than ten seconds to shut down")
	}
	for uuid, c := range s.children {
		s.logger.Warn().Str("instance_uuid", uuid).Int("pid", c.pid()).Msg("sidechannel monitor still running, dumping threads")
		if err := c.dumpThreads(); err != nil {
			s.logger.Warn().Err(err).Str("instance_uuid", uuid).Msg("failed to send SIGUSR1")
		}
	}
}

// Stop signals the reconcile loop to run its shutdown sequence and
// blocks until it has.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.doneCh
}
