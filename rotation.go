package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

// maxReWrapFailureRate is the tolerated fraction of content keys that may
// fail re-wrapping before a rotation is rolled back. Individual failures are
// recoverable (those keys still unwrap via the retired generation); a high
// failure rate points at a systemic problem worth aborting for.
const maxReWrapFailureRate = 0.2

// RotationStage identifies a phase of a running rotation for progress
// reporting.
type RotationStage string

const (
	StageAcquiringLock RotationStage = "acquiring-lock"
	StageSnapshot      RotationStage = "snapshot"
	StageKeygen        RotationStage = "generating-keypair"
	StageReWrap        RotationStage = "rewrapping-secrets"
	StageCommit        RotationStage = "committing"
	StageRollback      RotationStage = "rolling-back"
	StageComplete      RotationStage = "complete"
)

// RotationProgress is sent on the options' progress channel as the rotation
// advances. Sends are non-blocking: a slow consumer loses updates, never
// stalls the rotation.
type RotationProgress struct {
	Stage     RotationStage `json:"stage"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// RotationOptions configures a single rotation run.
type RotationOptions struct {
	// Reason is recorded in the rotation ledger and audit log.
	// Defaults to "manual rotation".
	Reason string

	// TriggeredBy attributes the rotation: "manual", "scheduled", "policy".
	// Defaults to "manual".
	TriggeredBy string

	// ReWrapper re-wraps stored content keys from the old generations to
	// the new keypair. Nil means there is nothing to re-wrap.
	ReWrapper SecretReWrapper

	// Progress receives stage updates when non-nil.
	Progress chan<- RotationProgress
}

// RotationResult reports the outcome of a rotation run.
type RotationResult struct {
	Success           bool   `json:"success"`
	RotationID        string `json:"rotationId,omitempty"`
	OldKeyID          string `json:"oldKeyId,omitempty"`
	NewKeyID          string `json:"newKeyId,omitempty"`
	SecretsReWrapped  int    `json:"secretsReWrapped"`
	SecretsFailed     int    `json:"secretsFailed"`
	DurationMs        int64  `json:"durationMs"`
	Aborted           bool   `json:"aborted,omitempty"`
	RollbackPerformed bool   `json:"rollbackPerformed,omitempty"`
}

// RotationStatus summarizes the rotation posture of the keystore.
type RotationStatus struct {
	Mode                string          `json:"mode"`
	IntervalDays        int             `json:"intervalDays,omitempty"`
	CurrentKeyID        string          `json:"currentKeyId"`
	CurrentKeyCreatedAt time.Time       `json:"currentKeyCreatedAt"`
	RotationCount       int             `json:"rotationCount"`
	PreviousKeypairs    int             `json:"previousKeypairs"`
	LastRotation        *RotationRecord `json:"lastRotation,omitempty"`
	NextDue             *time.Time      `json:"nextDue,omitempty"`
	Due                 bool            `json:"due"`
}

// ReWrapSession is handed to a SecretReWrapper during rotation. Unwrap tries
// every pre-rotation generation; Wrap seals under the incoming keypair. The
// session is only valid for the duration of the ReWrap call.
type ReWrapSession interface {
	Unwrap(ct *hybrid.Ciphertext) ([]byte, int, error)
	Wrap(secret []byte) (*hybrid.Ciphertext, error)

	// TargetKeyID identifies the generation Wrap seals under, so re-wrappers
	// can track which keypair each stored ciphertext depends on.
	TargetKeyID() string
}

// ReWrapOutcome counts the content keys a re-wrapper processed.
type ReWrapOutcome struct {
	Succeeded int
	Failed    int
}

// SecretReWrapper re-wraps all stored content keys during a rotation. An
// error return means the re-wrap could not run at all (as opposed to
// individual keys failing, which is reported through the outcome counts).
type SecretReWrapper interface {
	ReWrap(ctx context.Context, session ReWrapSession) (ReWrapOutcome, error)
}

// ReWrapCommitter is implemented by re-wrappers that stage their writes.
// Commit is called once the rotation has committed; Revert whenever the
// rotation rolls back or aborts after ReWrap ran.
type ReWrapCommitter interface {
	Commit() error
	Revert() error
}

// rewrapSession adapts the vault's open key material to the ReWrapSession
// surface without exposing the keypairs themselves.
type rewrapSession struct {
	current     *hybrid.Keypair
	previous    []*hybrid.Keypair
	target      *hybrid.PublicKey
	targetKeyID string
}

func (s *rewrapSession) Unwrap(ct *hybrid.Ciphertext) ([]byte, int, error) {
	return hybrid.UnwrapWithFallback(ct, s.current, s.previous)
}

func (s *rewrapSession) Wrap(secret []byte) (*hybrid.Ciphertext, error) {
	return hybrid.Wrap(secret, s.target)
}

func (s *rewrapSession) TargetKeyID() string {
	return s.targetKeyID
}

// Rotate generates a fresh hybrid keypair, re-wraps stored content keys, and
// commits the new generation.
//
// The sequence is: acquire the cross-device rotation lock, snapshot the
// keystore, generate and seal the new keypair, run the re-wrapper, then
// mutate and persist. Cancellation is honored at three checkpoints (before
// key generation, after re-wrapping, before commit); past the final
// checkpoint the rotation always completes. If the re-wrap failure rate
// exceeds the tolerance the keystore is restored from the snapshot and
// ErrRollbackPerformed is returned.
//
// The rotation lock is released on every exit path.
func (v *Vault) Rotate(ctx context.Context, opts RotationOptions) (*RotationResult, error) {
	start := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}
	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}
	if v.state != StateUnlocked {
		return nil, ErrVaultLocked
	}

	if opts.Reason == "" {
		opts.Reason = "manual rotation"
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "manual"
	}

	result := &RotationResult{OldKeyID: v.ks.CurrentKeypair.KeyID}

	// Cross-device serialization: exactly one holder rotates at a time.
	reportProgress(opts.Progress, StageAcquiringLock, "acquiring rotation lock")
	if _, err := v.store.AcquireRotationLock(v.instanceID, v.options.RotationLockTTL); err != nil {
		var held persist.LockHeldError
		if errors.As(err, &held) {
			_ = v.audit.Log("rotation_start", false, map[string]interface{}{
				"error":       "lock contention",
				"lock_holder": held.HolderID,
			})
			return nil, fmt.Errorf("%w: rotation lock held by %s until %s",
				ErrLockContention, held.HolderID, held.ExpiresAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("failed to acquire rotation lock: %w", err)
	}
	defer func() {
		if err := v.store.ReleaseRotationLock(v.instanceID); err != nil {
			_ = v.audit.Log("rotation_lock_release_failed", false, map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	_ = v.audit.Log("rotation_start", true, map[string]interface{}{
		"old_key_id":   result.OldKeyID,
		"reason":       opts.Reason,
		"triggered_by": opts.TriggeredBy,
	})

	// Checkpoint: before key generation.
	if err := ctx.Err(); err != nil {
		return v.abortRotationLocked(result, opts, nil, StageKeygen, start)
	}

	// Snapshot for rollback. The snapshot is a deep copy, so a restore is
	// byte-identical to the pre-rotation document.
	reportProgress(opts.Progress, StageSnapshot, "snapshotting keystore")
	snapshot := v.ks.Clone()

	reportProgress(opts.Progress, StageKeygen, "generating new hybrid keypair")
	newKP, err := hybrid.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	rotationID := uuid.NewString()
	enc := newSessionEncryptor(v.sessionKey)
	newRecord, err := newKeypairRecord(enc, newKP)
	if err != nil {
		newKP.Zeroize()
		return nil, err
	}
	result.RotationID = rotationID
	result.NewKeyID = newRecord.KeyID

	// Open the retired generations once so the re-wrapper can fall back
	// across all pre-rotation keys.
	previous, err := v.openPreviousKeypairsLocked()
	if err != nil {
		newKP.Zeroize()
		return nil, err
	}
	defer func() {
		for _, kp := range previous {
			kp.Zeroize()
		}
	}()

	var outcome ReWrapOutcome
	if opts.ReWrapper != nil {
		reportProgress(opts.Progress, StageReWrap, "rewrapping content keys")
		session := &rewrapSession{
			current:     v.keypair,
			previous:    previous,
			target:      newRecord.PublicKey.Clone(),
			targetKeyID: newRecord.KeyID,
		}
		outcome, err = opts.ReWrapper.ReWrap(ctx, session)
		if err != nil {
			revertReWrapper(opts.ReWrapper)
			newKP.Zeroize()
			_ = v.audit.Log("rotation_abort", false, map[string]interface{}{
				"rotation_id": rotationID,
				"stage":       string(StageReWrap),
				"error":       err.Error(),
			})
			return nil, fmt.Errorf("rewrap failed: %w", err)
		}
		result.SecretsReWrapped = outcome.Succeeded
		result.SecretsFailed = outcome.Failed

		if total := outcome.Succeeded + outcome.Failed; total > 0 {
			if rate := float64(outcome.Failed) / float64(total); rate > maxReWrapFailureRate {
				reportProgress(opts.Progress, StageRollback, "failure rate exceeded tolerance")
				revertReWrapper(opts.ReWrapper)
				newKP.Zeroize()
				v.ks = snapshot
				result.RollbackPerformed = true
				result.DurationMs = time.Since(start).Milliseconds()
				_ = v.audit.Log("rotation_rollback", false, map[string]interface{}{
					"rotation_id":  rotationID,
					"failed":       outcome.Failed,
					"succeeded":    outcome.Succeeded,
					"failure_rate": rate,
				})
				return result, fmt.Errorf("%w: %d of %d content keys failed to rewrap",
					ErrRollbackPerformed, outcome.Failed, total)
			}
		}
	}

	// Checkpoint: after re-wrapping, before any keystore mutation.
	if err := ctx.Err(); err != nil {
		revertReWrapper(opts.ReWrapper)
		newKP.Zeroize()
		return v.abortRotationLocked(result, opts, snapshot, StageReWrap, start)
	}

	now := time.Now().UTC()
	oldRecord := v.ks.CurrentKeypair

	// Demote the current keypair. Newest retirement sits first; the oldest
	// generation is evicted once the cap is exceeded.
	retired := RetiredKeypairRecord{
		EncryptedKeypairRecord: *oldRecord,
		RetiredAt:              now,
		Reason:                 opts.Reason,
	}
	v.ks.PreviousKeypairs = append([]RetiredKeypairRecord{retired}, v.ks.PreviousKeypairs...)
	if len(v.ks.PreviousKeypairs) > misc.MaxPreviousKeypairs {
		v.ks.PreviousKeypairs = v.ks.PreviousKeypairs[:misc.MaxPreviousKeypairs]
	}

	v.ks.CurrentKeypair = newRecord
	v.ks.RotationHistory = append(v.ks.RotationHistory, RotationRecord{
		RotationID:       rotationID,
		Timestamp:        now,
		OldKeyID:         oldRecord.KeyID,
		NewKeyID:         newRecord.KeyID,
		NewPublicKey:     *newRecord.PublicKey.Clone(),
		Reason:           opts.Reason,
		SecretsReWrapped: outcome.Succeeded,
		SecretsFailed:    outcome.Failed,
		DurationMs:       time.Since(start).Milliseconds(),
		TriggeredBy:      opts.TriggeredBy,
	})

	if v.ks.RotationPolicy.Mode == RotationModeInterval && v.ks.RotationPolicy.IntervalDays > 0 {
		next := now.Add(time.Duration(v.ks.RotationPolicy.IntervalDays) * 24 * time.Hour)
		v.ks.RotationPolicy.NextDue = &next
	}

	// Checkpoint: before commit. Past this point the rotation completes.
	if err := ctx.Err(); err != nil {
		v.ks = snapshot
		revertReWrapper(opts.ReWrapper)
		newKP.Zeroize()
		return v.abortRotationLocked(result, opts, nil, StageCommit, start)
	}

	reportProgress(opts.Progress, StageCommit, "persisting keystore")
	if err := v.persistLocked(); err != nil {
		v.ks = snapshot
		revertReWrapper(opts.ReWrapper)
		newKP.Zeroize()
		result.RollbackPerformed = true
		result.DurationMs = time.Since(start).Milliseconds()
		_ = v.audit.Log("rotation_rollback", false, map[string]interface{}{
			"rotation_id": rotationID,
			"error":       err.Error(),
		})
		return result, fmt.Errorf("failed to commit rotation: %w", err)
	}

	// Committed. Let a staging re-wrapper publish its writes; a failure
	// here is not fatal since the old generation still unwraps everything.
	if err := commitReWrapper(opts.ReWrapper); err != nil {
		_ = v.audit.Log("rotation_rewrap_commit_failed", false, map[string]interface{}{
			"rotation_id": rotationID,
			"error":       err.Error(),
		})
	}

	// Swap the in-memory working keypair to the new generation.
	v.keypair.Zeroize()
	v.keypair = newKP

	result.Success = true
	result.DurationMs = time.Since(start).Milliseconds()

	_ = v.audit.Log("rotation_complete", true, map[string]interface{}{
		"rotation_id": rotationID,
		"old_key_id":  result.OldKeyID,
		"new_key_id":  result.NewKeyID,
		"rewrapped":   outcome.Succeeded,
		"failed":      outcome.Failed,
		"duration_ms": result.DurationMs,
	})
	reportProgress(opts.Progress, StageComplete, "rotation complete")

	return result, nil
}

// abortRotationLocked finalizes a cancelled rotation: restores the snapshot
// when one was taken, audits the abort, and returns ErrRotationAborted.
func (v *Vault) abortRotationLocked(result *RotationResult, opts RotationOptions, snapshot *Keystore, stage RotationStage, start time.Time) (*RotationResult, error) {
	if snapshot != nil {
		v.ks = snapshot
	}
	result.Aborted = true
	result.DurationMs = time.Since(start).Milliseconds()
	_ = v.audit.Log("rotation_abort", false, map[string]interface{}{
		"rotation_id": result.RotationID,
		"stage":       string(stage),
		"reason":      opts.Reason,
	})
	reportProgress(opts.Progress, StageRollback, "rotation aborted")
	return result, fmt.Errorf("%w: cancelled before %s", ErrRotationAborted, stage)
}

func reportProgress(ch chan<- RotationProgress, stage RotationStage, message string) {
	if ch == nil {
		return
	}
	select {
	case ch <- RotationProgress{Stage: stage, Message: message, Timestamp: time.Now().UTC()}:
	default:
	}
}

func revertReWrapper(rw SecretReWrapper) {
	if committer, ok := rw.(ReWrapCommitter); ok {
		_ = committer.Revert()
	}
}

func commitReWrapper(rw SecretReWrapper) error {
	if committer, ok := rw.(ReWrapCommitter); ok {
		return committer.Commit()
	}
	return nil
}

// GetRotationStatus reports whether rotation is due, when the next one is
// scheduled, and a summary of the last rotation. Works in any vault state.
func (v *Vault) GetRotationStatus() (*RotationStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	status := &RotationStatus{
		Mode:                v.ks.RotationPolicy.Mode,
		IntervalDays:        v.ks.RotationPolicy.IntervalDays,
		CurrentKeyID:        v.ks.CurrentKeypair.KeyID,
		CurrentKeyCreatedAt: v.ks.CurrentKeypair.CreatedAt,
		RotationCount:       len(v.ks.RotationHistory),
		PreviousKeypairs:    len(v.ks.PreviousKeypairs),
	}

	if n := len(v.ks.RotationHistory); n > 0 {
		last := v.ks.RotationHistory[n-1]
		status.LastRotation = &last
	}

	if v.ks.RotationPolicy.Mode == RotationModeInterval && v.ks.RotationPolicy.IntervalDays > 0 {
		next := v.ks.RotationPolicy.NextDue
		if next == nil {
			computed := v.ks.CurrentKeypair.CreatedAt.Add(
				time.Duration(v.ks.RotationPolicy.IntervalDays) * 24 * time.Hour)
			next = &computed
		}
		due := *next
		status.NextDue = &due
		status.Due = !time.Now().Before(due)
	}

	return status, nil
}

// GetRotationHistory returns the rotation ledger, oldest first.
func (v *Vault) GetRotationHistory() ([]RotationRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ks == nil {
		return nil, fmt.Errorf("keystore not initialized for user %s", v.options.UserID)
	}

	out := make([]RotationRecord, len(v.ks.RotationHistory))
	copy(out, v.ks.RotationHistory)
	return out, nil
}
