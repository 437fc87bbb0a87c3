package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forest6511/stellar/internal/atomicfile"
)

// LockState tracks failed authentication attempts for cooldown enforcement
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	LockoutCount   int       `json:"lockout_count"` // Number of times cooldown was triggered
}

// loadLockState reads the attempt state file
func (v *Vault) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(v.attemptsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &LockState{}, nil // No lock state yet
		}
		return nil, fmt.Errorf("vault: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted state file - reset state
		v.logger.Warn("resetting unreadable lock state", "error", err)
		return &LockState{}, nil
	}
	return &state, nil
}

// saveLockState writes the attempt state file
func (v *Vault) saveLockState(state *LockState) error {
	if err := v.checkDiskSpaceForWrite(1024); err != nil { // Lock state is small (~1KB)
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal lock state: %w", err)
	}
	if err := atomicfile.WriteFile(v.attemptsPath(), data, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write lock state: %w", err)
	}
	return nil
}

// clearLockState removes the attempt state file after a successful
// authentication
func (v *Vault) clearLockState() error {
	err := os.Remove(v.attemptsPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown verifies if authentication is allowed or if cooldown is active
func (v *Vault) checkCooldown() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt records a failed attempt and potentially triggers
// cooldown: 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
func (v *Vault) recordFailedAttempt() (time.Duration, error) {
	state, err := v.loadLockState()
	if err != nil {
		return 0, err
	}

	state.FailedAttempts++
	state.LastAttempt = time.Now()

	var cooldownDuration time.Duration

	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldownDuration = time.Duration(CooldownDuration3) * time.Second
	case state.FailedAttempts >= CooldownThreshold2:
		cooldownDuration = time.Duration(CooldownDuration2) * time.Second
	case state.FailedAttempts >= CooldownThreshold1:
		cooldownDuration = time.Duration(CooldownDuration1) * time.Second
	}
	if cooldownDuration > 0 {
		state.CooldownUntil = time.Now().Add(cooldownDuration)
		state.LockoutCount++
	}

	if err := v.saveLockState(state); err != nil {
		return cooldownDuration, err
	}
	return cooldownDuration, nil
}

// GetLockState returns the current lock state for display purposes
func (v *Vault) GetLockState() (*LockState, error) {
	return v.loadLockState()
}

// RemainingCooldown returns the remaining cooldown time, or 0 if not in cooldown
func (v *Vault) RemainingCooldown() time.Duration {
	remaining, err := v.checkCooldown()
	if err != nil {
		return remaining
	}
	return 0
}
