package risk

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// KillSwitch is the process-wide emergency halt flag. Components read it via
// an injected handle, never a package global, so per-symbol tests can carry
// their own switch. It starts released; once engaged it stays engaged until
// Release is called.
type KillSwitch struct {
	engaged atomic.Bool

	mu     sync.Mutex
	reason string
}

func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Engage halts order intake system-wide. Idempotent; the first reason wins.
func (k *KillSwitch) Engage(reason string) {
	if k.engaged.Swap(true) {
		return
	}
	k.mu.Lock()
	k.reason = reason
	k.mu.Unlock()
	log.Error().Str("reason", reason).Msg("kill switch engaged")
}

// Engaged is the hot-path read.
func (k *KillSwitch) Engaged() bool {
	return k.engaged.Load()
}

// Reason returns why the switch was engaged, if it was.
func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// Release is a manual operator action.
func (k *KillSwitch) Release() {
	if !k.engaged.Swap(false) {
		return
	}
	k.mu.Lock()
	k.reason = ""
	k.mu.Unlock()
	log.Info().Msg("kill switch released")
}
