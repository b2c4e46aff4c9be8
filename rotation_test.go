package keystore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

func TestRotationAll(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"Basic", testRotateBasic},
		{"Persistence", testRotatePersistence},
		{"ToleratedFailures", testRotateToleratedFailures},
		{"Rollback", testRotateRollback},
		{"AbortBeforeStart", testRotateAbortBeforeStart},
		{"AbortAfterReWrap", testRotateAbortAfterReWrap},
		{"ReWrapError", testRotateReWrapError},
		{"LockContention", testRotateLockContention},
		{"RequiresUnlock", testRotateRequiresUnlock},
		{"PreviousKeypairCap", testRotatePreviousKeypairCap},
		{"Status", testRotationStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t)
		})
	}
}

// recordingReWrapper re-wraps a fixed set of ciphertexts through the session,
// recording the target key ID and any commit or revert calls.
type recordingReWrapper struct {
	cts       []*hybrid.Ciphertext
	rewrapped []*hybrid.Ciphertext
	targetID  string
	commits   int
	reverts   int
}

func (r *recordingReWrapper) ReWrap(ctx context.Context, session ReWrapSession) (ReWrapOutcome, error) {
	r.targetID = session.TargetKeyID()
	r.rewrapped = nil

	var outcome ReWrapOutcome
	for _, ct := range r.cts {
		secret, _, err := session.Unwrap(ct)
		if err != nil {
			outcome.Failed++
			continue
		}
		renewed, err := session.Wrap(secret)
		if err != nil {
			outcome.Failed++
			continue
		}
		r.rewrapped = append(r.rewrapped, renewed)
		outcome.Succeeded++
	}
	return outcome, nil
}

func (r *recordingReWrapper) Commit() error { r.commits++; return nil }
func (r *recordingReWrapper) Revert() error { r.reverts++; return nil }

// stubReWrapper reports a canned outcome without touching the session.
type stubReWrapper struct {
	outcome ReWrapOutcome
	err     error
	commits int
	reverts int
}

func (s *stubReWrapper) ReWrap(context.Context, ReWrapSession) (ReWrapOutcome, error) {
	return s.outcome, s.err
}

func (s *stubReWrapper) Commit() error { s.commits++; return nil }
func (s *stubReWrapper) Revert() error { s.reverts++; return nil }

// cancellingReWrapper cancels the rotation context from inside the re-wrap,
// exercising the post-rewrap checkpoint.
type cancellingReWrapper struct {
	cancel  context.CancelFunc
	reverts int
}

func (c *cancellingReWrapper) ReWrap(ctx context.Context, session ReWrapSession) (ReWrapOutcome, error) {
	c.cancel()
	return ReWrapOutcome{Succeeded: 1}, nil
}

func (c *cancellingReWrapper) Commit() error { return nil }
func (c *cancellingReWrapper) Revert() error { c.reverts++; return nil }

func testRotateBasic(t *testing.T) {
	vault := newInitializedVault(t)
	oldKeyID := vault.ks.CurrentKeypair.KeyID

	secret := testSecret(t)
	oldCT, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	rw := &recordingReWrapper{cts: []*hybrid.Ciphertext{oldCT}}
	progress := make(chan RotationProgress, 16)

	result, err := vault.Rotate(context.Background(), RotationOptions{
		Reason:      "scheduled rotation",
		TriggeredBy: "scheduled",
		ReWrapper:   rw,
		Progress:    progress,
	})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if !result.Success {
		t.Error("Rotation did not report success")
	}
	if result.OldKeyID != oldKeyID {
		t.Errorf("OldKeyID = %s, want %s", result.OldKeyID, oldKeyID)
	}
	if result.NewKeyID == "" || result.NewKeyID == oldKeyID {
		t.Errorf("NewKeyID = %q, want a fresh key ID", result.NewKeyID)
	}
	if result.RotationID == "" {
		t.Error("Rotation has no ID")
	}
	if result.SecretsReWrapped != 1 || result.SecretsFailed != 0 {
		t.Errorf("ReWrapped/Failed = %d/%d, want 1/0", result.SecretsReWrapped, result.SecretsFailed)
	}

	// The session wrapped under the incoming generation.
	if rw.targetID != result.NewKeyID {
		t.Errorf("Session target = %s, want %s", rw.targetID, result.NewKeyID)
	}
	if rw.commits != 1 {
		t.Errorf("Commit calls = %d, want 1", rw.commits)
	}
	if rw.reverts != 0 {
		t.Errorf("Revert calls = %d, want 0", rw.reverts)
	}

	// Old wraps fall back to the retired generation; re-wrapped and fresh
	// wraps hit the current one.
	got, generation, err := vault.UnwrapContentKey(oldCT)
	if err != nil {
		t.Fatalf("Unwrap of pre-rotation ciphertext failed: %v", err)
	}
	if generation != 1 {
		t.Errorf("Pre-rotation generation = %d, want 1", generation)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Pre-rotation ciphertext recovered the wrong secret")
	}

	if _, generation, err = vault.UnwrapContentKey(rw.rewrapped[0]); err != nil || generation != 0 {
		t.Errorf("Re-wrapped ciphertext: generation %d, err %v, want 0/nil", generation, err)
	}

	history, err := vault.GetRotationHistory()
	if err != nil {
		t.Fatalf("GetRotationHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("History length = %d, want 1", len(history))
	}
	record := history[0]
	if record.RotationID != result.RotationID || record.OldKeyID != oldKeyID || record.NewKeyID != result.NewKeyID {
		t.Errorf("History record %+v does not match result %+v", record, result)
	}
	if record.Reason != "scheduled rotation" || record.TriggeredBy != "scheduled" {
		t.Errorf("Record attribution = %q/%q", record.Reason, record.TriggeredBy)
	}

	close(progress)
	var stages []RotationStage
	for p := range progress {
		stages = append(stages, p.Stage)
	}
	want := []RotationStage{StageAcquiringLock, StageSnapshot, StageKeygen, StageReWrap, StageCommit, StageComplete}
	if len(stages) != len(want) {
		t.Fatalf("Progress stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("Stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}

func testRotatePersistence(t *testing.T) {
	dir := t.TempDir()
	options := Options{UserID: testUserID, DeviceName: "test-device", IdleTimeout: -1}

	store, err := persist.NewFileSystemStore(dir, testUserID)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	vault, err := NewWithStore(options, store, nil)
	if err != nil {
		t.Fatalf("Failed to create vault: %v", err)
	}
	if _, err := vault.Initialize(testPassword); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	secret := testSecret(t)
	oldCT, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	result, err := vault.Rotate(context.Background(), RotationOptions{})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if err := vault.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A fresh process sees the rotated generation and still unwraps the old
	// ciphertext through the retired keypair.
	store2, err := persist.NewFileSystemStore(dir, testUserID)
	if err != nil {
		t.Fatalf("Failed to recreate store: %v", err)
	}
	reopened, err := NewWithStore(options, store2, nil)
	if err != nil {
		t.Fatalf("Failed to reopen vault: %v", err)
	}
	defer reopened.Close()

	unlocked, err := reopened.Unlock(testPassword)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if unlocked.KeyID != result.NewKeyID {
		t.Errorf("Reopened key ID = %s, want %s", unlocked.KeyID, result.NewKeyID)
	}
	if unlocked.RotationCount != 1 {
		t.Errorf("RotationCount = %d, want 1", unlocked.RotationCount)
	}

	got, generation, err := reopened.UnwrapContentKey(oldCT)
	if err != nil {
		t.Fatalf("Unwrap after reopen failed: %v", err)
	}
	if generation != 1 || !bytes.Equal(got, secret) {
		t.Errorf("Unwrap after reopen: generation %d, match %v", generation, bytes.Equal(got, secret))
	}
}

func testRotateToleratedFailures(t *testing.T) {
	vault := newInitializedVault(t)

	// One failure in five is within tolerance: the rotation commits and the
	// stragglers stay recoverable via the retired generation.
	rw := &stubReWrapper{outcome: ReWrapOutcome{Succeeded: 4, Failed: 1}}
	result, err := vault.Rotate(context.Background(), RotationOptions{ReWrapper: rw})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !result.Success {
		t.Error("Rotation did not report success")
	}
	if result.SecretsFailed != 1 || result.SecretsReWrapped != 4 {
		t.Errorf("ReWrapped/Failed = %d/%d, want 4/1", result.SecretsReWrapped, result.SecretsFailed)
	}
	if rw.commits != 1 || rw.reverts != 0 {
		t.Errorf("Commit/Revert calls = %d/%d, want 1/0", rw.commits, rw.reverts)
	}
}

func testRotateRollback(t *testing.T) {
	vault := newInitializedVault(t)
	oldKeyID := vault.ks.CurrentKeypair.KeyID

	secret := testSecret(t)
	ct, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	// Half the keys failing is a systemic problem: restore the snapshot.
	rw := &stubReWrapper{outcome: ReWrapOutcome{Succeeded: 1, Failed: 1}}
	result, err := vault.Rotate(context.Background(), RotationOptions{ReWrapper: rw})
	if !errors.Is(err, ErrRollbackPerformed) {
		t.Fatalf("Rotate returned %v, want ErrRollbackPerformed", err)
	}
	if result == nil || !result.RollbackPerformed {
		t.Fatal("Result does not report the rollback")
	}
	if rw.reverts != 1 {
		t.Errorf("Revert calls = %d, want 1", rw.reverts)
	}
	if rw.commits != 0 {
		t.Errorf("Commit calls = %d, want 0", rw.commits)
	}

	// Nothing changed: same current key, empty ledger, secrets accessible.
	if vault.ks.CurrentKeypair.KeyID != oldKeyID {
		t.Errorf("Current key after rollback = %s, want %s", vault.ks.CurrentKeypair.KeyID, oldKeyID)
	}
	history, err := vault.GetRotationHistory()
	if err != nil {
		t.Fatalf("GetRotationHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("History length after rollback = %d, want 0", len(history))
	}
	got, generation, err := vault.UnwrapContentKey(ct)
	if err != nil || generation != 0 || !bytes.Equal(got, secret) {
		t.Errorf("Unwrap after rollback: generation %d, err %v", generation, err)
	}
}

func testRotateAbortBeforeStart(t *testing.T) {
	vault := newInitializedVault(t)
	oldKeyID := vault.ks.CurrentKeypair.KeyID

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rw := &stubReWrapper{}
	result, err := vault.Rotate(ctx, RotationOptions{ReWrapper: rw})
	if !errors.Is(err, ErrRotationAborted) {
		t.Fatalf("Rotate returned %v, want ErrRotationAborted", err)
	}
	if result == nil || !result.Aborted {
		t.Fatal("Result does not report the abort")
	}

	// Cancelled before anything happened: no keygen, no re-wrap.
	if result.NewKeyID != "" {
		t.Error("Aborted rotation produced a new key ID")
	}
	if vault.ks.CurrentKeypair.KeyID != oldKeyID {
		t.Error("Aborted rotation changed the current keypair")
	}
	if !vault.IsUnlocked() {
		t.Error("Aborted rotation locked the vault")
	}
}

func testRotateAbortAfterReWrap(t *testing.T) {
	vault := newInitializedVault(t)
	oldKeyID := vault.ks.CurrentKeypair.KeyID

	secret := testSecret(t)
	ct, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rw := &cancellingReWrapper{cancel: cancel}

	result, err := vault.Rotate(ctx, RotationOptions{ReWrapper: rw})
	if !errors.Is(err, ErrRotationAborted) {
		t.Fatalf("Rotate returned %v, want ErrRotationAborted", err)
	}
	if !result.Aborted {
		t.Error("Result does not report the abort")
	}
	if rw.reverts != 1 {
		t.Errorf("Revert calls = %d, want 1", rw.reverts)
	}

	// The snapshot restore leaves the keystore exactly as before, and the
	// working keypair still unwraps at generation zero.
	if vault.ks.CurrentKeypair.KeyID != oldKeyID {
		t.Error("Abort did not restore the current keypair")
	}
	if len(vault.ks.PreviousKeypairs) != 0 {
		t.Error("Abort left a demoted keypair behind")
	}
	got, generation, err := vault.UnwrapContentKey(ct)
	if err != nil || generation != 0 || !bytes.Equal(got, secret) {
		t.Errorf("Unwrap after abort: generation %d, err %v", generation, err)
	}
}

func testRotateReWrapError(t *testing.T) {
	vault := newInitializedVault(t)
	oldKeyID := vault.ks.CurrentKeypair.KeyID

	rw := &stubReWrapper{err: errors.New("index unavailable")}
	if _, err := vault.Rotate(context.Background(), RotationOptions{ReWrapper: rw}); err == nil {
		t.Fatal("Rotate did not surface the re-wrap error")
	}
	if rw.reverts != 1 {
		t.Errorf("Revert calls = %d, want 1", rw.reverts)
	}
	if vault.ks.CurrentKeypair.KeyID != oldKeyID {
		t.Error("Failed re-wrap changed the current keypair")
	}

	// The lock was released on the error path, so a retry succeeds.
	if _, err := vault.Rotate(context.Background(), RotationOptions{}); err != nil {
		t.Errorf("Retry after re-wrap error failed: %v", err)
	}
}

func testRotateLockContention(t *testing.T) {
	vault := newInitializedVault(t)

	if _, err := vault.store.AcquireRotationLock("other-device", time.Minute); err != nil {
		t.Fatalf("Failed to seed foreign lock: %v", err)
	}

	_, err := vault.Rotate(context.Background(), RotationOptions{})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("Rotate under foreign lock returned %v, want ErrLockContention", err)
	}

	if err := vault.store.ReleaseRotationLock("other-device"); err != nil {
		t.Fatalf("Failed to release foreign lock: %v", err)
	}
	if _, err := vault.Rotate(context.Background(), RotationOptions{}); err != nil {
		t.Errorf("Rotate after lock release failed: %v", err)
	}
}

func testRotateRequiresUnlock(t *testing.T) {
	vault := newInitializedVault(t)
	vault.Lock(EventManualLock)

	if _, err := vault.Rotate(context.Background(), RotationOptions{}); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Rotate while locked returned %v, want ErrVaultLocked", err)
	}
}

func testRotatePreviousKeypairCap(t *testing.T) {
	vault := newInitializedVault(t)

	secret := testSecret(t)
	firstCT, err := vault.WrapContentKey(secret)
	if err != nil {
		t.Fatalf("WrapContentKey failed: %v", err)
	}

	rotations := misc.MaxPreviousKeypairs + 2
	for i := 0; i < rotations; i++ {
		if _, err := vault.Rotate(context.Background(), RotationOptions{}); err != nil {
			t.Fatalf("Rotation %d failed: %v", i+1, err)
		}
	}

	status, err := vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.PreviousKeypairs != misc.MaxPreviousKeypairs {
		t.Errorf("Previous keypairs = %d, want cap %d", status.PreviousKeypairs, misc.MaxPreviousKeypairs)
	}
	if status.RotationCount != rotations {
		t.Errorf("Rotation count = %d, want %d", status.RotationCount, rotations)
	}

	// The first generation fell off the retention window, so its wraps are
	// gone for good.
	if _, _, err := vault.UnwrapContentKey(firstCT); !errors.Is(err, hybrid.ErrAuthentication) {
		t.Errorf("Unwrap of evicted generation returned %v, want ErrAuthentication", err)
	}
}

func testRotationStatus(t *testing.T) {
	vault := newInitializedVault(t)

	status, err := vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.Mode != RotationModeInterval {
		t.Errorf("Mode = %q, want interval", status.Mode)
	}
	if status.RotationCount != 0 || status.PreviousKeypairs != 0 {
		t.Errorf("Fresh keystore status = %+v", status)
	}
	if status.LastRotation != nil {
		t.Error("Fresh keystore reports a last rotation")
	}
	if status.NextDue == nil {
		t.Fatal("Interval mode reports no next-due time")
	}
	if status.Due {
		t.Error("Fresh keystore reports rotation due")
	}
	wantDue := time.Now().AddDate(0, 0, DefaultRotationIntervalDays)
	if status.NextDue.Before(wantDue.Add(-time.Hour)) || status.NextDue.After(wantDue.Add(time.Hour)) {
		t.Errorf("NextDue = %v, want about %v", status.NextDue, wantDue)
	}

	result, err := vault.Rotate(context.Background(), RotationOptions{})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	status, err = vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.CurrentKeyID != result.NewKeyID {
		t.Errorf("CurrentKeyID = %s, want %s", status.CurrentKeyID, result.NewKeyID)
	}
	if status.LastRotation == nil || status.LastRotation.RotationID != result.RotationID {
		t.Error("LastRotation does not reflect the rotation just performed")
	}

	// A backdated due time flips the due flag.
	past := time.Now().Add(-time.Hour)
	vault.ks.RotationPolicy.NextDue = &past
	status, err = vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if !status.Due {
		t.Error("Overdue keystore does not report rotation due")
	}

	// Manual mode never reports a schedule.
	vault.ks.RotationPolicy.Mode = RotationModeManual
	status, err = vault.GetRotationStatus()
	if err != nil {
		t.Fatalf("GetRotationStatus failed: %v", err)
	}
	if status.NextDue != nil || status.Due {
		t.Error("Manual mode reports a rotation schedule")
	}
}
