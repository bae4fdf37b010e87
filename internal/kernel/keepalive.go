package kernel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mitchmitchell/elke27/internal/events"
	"github.com/mitchmitchell/elke27/internal/session"
)

const keepaliveCommandKey = "system_r_u_alive"

// keepaliveLoop runs the periodic system.r_u_alive probe cadence
// (spec §4.8). It reuses Kernel.Submit exactly like any other command
// — SPEC_FULL §3 confirms the original does not give keepalive a side
// channel — with PriorityHigh as a transport hint only.
type keepaliveLoop struct {
	k *Kernel

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	missed  int
	limiter *rate.Limiter
}

func newKeepaliveLoop(k *Kernel) *keepaliveLoop {
	return &keepaliveLoop{k: k}
}

// StartKeepalive begins the probe cadence. A no-op if keepalive is
// disabled in Config or already running.
func (k *Kernel) StartKeepalive() {
	if !k.cfg.KeepaliveEnabled {
		return
	}
	kl := k.keepalive
	kl.mu.Lock()
	if kl.running {
		kl.mu.Unlock()
		return
	}
	kl.running = true
	kl.missed = 0
	kl.stop = make(chan struct{})
	// rate.Every(interval) with burst 1 means a stray extra call to
	// probe (e.g. a racing Start/Stop) can never exceed one probe per
	// interval, even though the ticker below already paces at the same
	// cadence — belt and suspenders against the two racing, per
	// SPEC_FULL §2's rationale for adopting x/time/rate here.
	kl.limiter = rate.NewLimiter(rate.Every(k.cfg.KeepaliveInterval), 1)
	stop := kl.stop
	kl.mu.Unlock()

	go kl.run(stop)
}

// StopKeepalive halts the probe cadence. A no-op if not running.
func (k *Kernel) StopKeepalive() {
	kl := k.keepalive
	kl.mu.Lock()
	if !kl.running {
		kl.mu.Unlock()
		return
	}
	kl.running = false
	close(kl.stop)
	kl.mu.Unlock()
}

func (kl *keepaliveLoop) run(stop chan struct{}) {
	ticker := time.NewTicker(kl.k.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			kl.probe()
		}
	}
}

func (kl *keepaliveLoop) probe() {
	if err := kl.limiter.Wait(context.Background()); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), kl.k.cfg.KeepaliveTimeout)
	defer cancel()
	_, err := kl.k.Submit(ctx, keepaliveCommandKey, "system", "r_u_alive", map[string]any{}, kl.k.cfg.KeepaliveTimeout, session.PriorityHigh)

	kl.mu.Lock()
	defer kl.mu.Unlock()
	if err != nil {
		kl.missed++
		kl.k.logger.Warn("elke27: keepalive probe failed", "missed", kl.missed, "max_missed", kl.k.cfg.KeepaliveMaxMissed, "error", err)
		if kl.missed >= kl.k.cfg.KeepaliveMaxMissed {
			kl.running = false
			close(kl.stop)
			go kl.k.forceCloseOnKeepaliveTimeout()
		}
		return
	}
	kl.missed = 0
}

// forceCloseOnKeepaliveTimeout closes the transport after consecutive
// keepalive failures and emits the keepalive-specific ConnectionState
// event directly — not via OnSessionDisconnected, since the session
// will see its own explicit-close flag set and suppress that callback
// (spec §4.8).
func (k *Kernel) forceCloseOnKeepaliveTimeout() {
	_ = k.sess.Close()
	k.eventq.Push(events.ConnectionState(false, "keepalive_timeout", ""))
}
