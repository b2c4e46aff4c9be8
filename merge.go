package keystore

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
)

// mergeSource identifies the bundle being merged: the exporting device from
// the verified envelope, plus the bundle signature recorded for replay
// detection.
type mergeSource struct {
	DeviceID   string
	DeviceName string
	Signature  string
}

// MergeStats summarizes what an import changed.
type MergeStats struct {
	KeypairsUpdated        int `json:"keypairsUpdated"`
	PreviousKeypairsMerged int `json:"previousKeypairsMerged"`
	RotationHistoryMerged  int `json:"rotationHistoryMerged"`
	ConflictsResolved      int `json:"conflictsResolved"`
}

// mergeKeystores merges a verified sync payload into a deep copy of local
// and returns the merged keystore. local is never mutated; on any error the
// caller keeps its original state untouched.
//
// The merge is deterministic: the same local state and the same bundle
// always produce the same result. Device-local state (salt, iterations,
// device identity, biometric profile, vault settings) is never taken from
// the bundle.
//
// Returns:
//   - ErrIdentityMismatch if the bundle belongs to a different user
//   - ErrReplayAttack if this bundle signature was already imported
//   - ErrDowngradeAttack if the bundle omits a rotation known locally
func mergeKeystores(local *Keystore, payload *syncPayload, src mergeSource, enc KeypairEncryptor) (*Keystore, *MergeStats, error) {
	stats := &MergeStats{}

	// IDENTITY: a bundle exported for another user is rejected outright,
	// before any of its contents are considered.
	if payload.UserID != local.UserID {
		return nil, nil, fmt.Errorf("%w: bundle was exported for a different user", ErrIdentityMismatch)
	}

	// REPLAY: each bundle may be merged at most once per device.
	if local.hasSeenBundleSignature(src.Signature) {
		return nil, nil, fmt.Errorf("%w: bundle %s was already imported on this device", ErrReplayAttack, src.Signature[:min(len(src.Signature), 16)])
	}

	// DOWNGRADE: the rotation ledger is append-only, so a legitimate bundle
	// from the same lineage carries every rotation this device knows about.
	// A bundle missing one is stale or doctored to resurrect an old keypair.
	remoteRotations := make(map[string]struct{}, len(payload.RotationHistory))
	for i := range payload.RotationHistory {
		remoteRotations[payload.RotationHistory[i].RotationID] = struct{}{}
	}
	for i := range local.RotationHistory {
		if _, ok := remoteRotations[local.RotationHistory[i].RotationID]; !ok {
			return nil, nil, fmt.Errorf("%w: bundle omits rotation %s known to this device",
				ErrDowngradeAttack, local.RotationHistory[i].RotationID)
		}
	}

	merged := local.Clone()
	now := time.Now().UTC()

	// ROTATION HISTORY UNION: merged first so the keypair resolution below
	// can consult records from either side. Dedup by rotation id, oldest
	// first, ids breaking timestamp ties for a stable order.
	seen := make(map[string]struct{}, len(merged.RotationHistory))
	for i := range merged.RotationHistory {
		seen[merged.RotationHistory[i].RotationID] = struct{}{}
	}
	for i := range payload.RotationHistory {
		rec := &payload.RotationHistory[i]
		if _, ok := seen[rec.RotationID]; ok {
			continue
		}
		seen[rec.RotationID] = struct{}{}
		merged.RotationHistory = append(merged.RotationHistory, rec.clone())
		stats.RotationHistoryMerged++
	}
	sort.SliceStable(merged.RotationHistory, func(i, j int) bool {
		a, b := &merged.RotationHistory[i], &merged.RotationHistory[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.RotationID < b.RotationID
	})

	// CURRENT KEYPAIR RESOLUTION: when the two sides disagree on the current
	// keypair, the one installed by the more recent rotation wins and the
	// loser is demoted to a retired generation. With no rotation record for
	// either key the comparison is ambiguous, so the local key stays current
	// and the remote key is preserved as retired anyway: dropping it would
	// strand whatever content it still protects.
	var demoted []RetiredKeypairRecord
	if !merged.CurrentKeypair.PublicKey.Equal(&payload.CurrentKeypair.PublicKey) {
		stats.ConflictsResolved++

		localRot := merged.latestRotationForPublicKey(&merged.CurrentKeypair.PublicKey)
		remoteRot := merged.latestRotationForPublicKey(&payload.CurrentKeypair.PublicKey)

		remoteRec, err := resealPortable(enc, &payload.CurrentKeypair)
		if err != nil {
			return nil, nil, fmt.Errorf("sealing keypair %s from bundle: %w", payload.CurrentKeypair.KeyID, err)
		}

		switch {
		case remoteRot != nil && (localRot == nil || remoteRot.Timestamp.After(localRot.Timestamp)):
			// Remote lineage is newer: adopt its current keypair and retire
			// ours.
			demoted = append(demoted, RetiredKeypairRecord{
				EncryptedKeypairRecord: *merged.CurrentKeypair,
				RetiredAt:              now,
				Reason:                 "superseded by sync",
			})
			merged.CurrentKeypair = remoteRec
			stats.KeypairsUpdated++
		default:
			// Local lineage is newer, or neither key has a rotation record.
			// Keep local, retire the remote key.
			demoted = append(demoted, RetiredKeypairRecord{
				EncryptedKeypairRecord: *remoteRec,
				RetiredAt:              now,
				Reason:                 "superseded by sync",
			})
		}
	}

	// RETIRED GENERATIONS UNION: local records, remote records re-sealed
	// under the local session key, and whichever key step above demoted.
	// Dedup by public key fingerprint, preferring the locally sealed record.
	currentFP := merged.CurrentKeypair.PublicKey.Fingerprint()
	localFPs := make(map[string]struct{}, len(local.PreviousKeypairs)+1)
	localFPs[local.CurrentKeypair.PublicKey.Fingerprint()] = struct{}{}
	for i := range local.PreviousKeypairs {
		localFPs[local.PreviousKeypairs[i].PublicKey.Fingerprint()] = struct{}{}
	}

	kept := make(map[string]struct{}, len(merged.PreviousKeypairs))
	previous := make([]RetiredKeypairRecord, 0, len(merged.PreviousKeypairs)+len(payload.PreviousKeypairs)+1)
	appendRetired := func(rec RetiredKeypairRecord, fromBundle bool) {
		fp := rec.PublicKey.Fingerprint()
		if fp == currentFP {
			return
		}
		if _, ok := kept[fp]; ok {
			return
		}
		kept[fp] = struct{}{}
		previous = append(previous, rec)
		if fromBundle {
			if _, ok := localFPs[fp]; !ok {
				stats.PreviousKeypairsMerged++
			}
		}
	}

	for i := range merged.PreviousKeypairs {
		appendRetired(merged.PreviousKeypairs[i], false)
	}
	for i := range demoted {
		_, wasLocal := localFPs[demoted[i].PublicKey.Fingerprint()]
		appendRetired(demoted[i], !wasLocal)
	}
	for i := range payload.PreviousKeypairs {
		p := &payload.PreviousKeypairs[i]
		if _, ok := kept[p.PublicKey.Fingerprint()]; ok {
			continue
		}
		if p.PublicKey.Fingerprint() == currentFP {
			continue
		}
		rec, err := resealPortable(enc, p)
		if err != nil {
			return nil, nil, fmt.Errorf("sealing retired keypair %s from bundle: %w", p.KeyID, err)
		}
		retiredAt := now
		if p.RetiredAt != nil {
			retiredAt = *p.RetiredAt
		}
		appendRetired(RetiredKeypairRecord{
			EncryptedKeypairRecord: *rec,
			RetiredAt:              retiredAt,
			Reason:                 p.RetireReason,
		}, true)
	}

	// Most recently active generations first; the cap evicts from the tail,
	// so the oldest lineage goes first when space runs out.
	sort.SliceStable(previous, func(i, j int) bool {
		a := retiredSortTime(merged, &previous[i])
		b := retiredSortTime(merged, &previous[j])
		if !a.Equal(b) {
			return a.After(b)
		}
		return previous[i].KeyID < previous[j].KeyID
	})
	if len(previous) > misc.MaxPreviousKeypairs {
		previous = previous[:misc.MaxPreviousKeypairs]
	}
	merged.PreviousKeypairs = previous

	// Rotation policy follows the winning current keypair: adopting the
	// bundle's keypair means adopting the schedule that produced it.
	if stats.KeypairsUpdated > 0 {
		merged.RotationPolicy = payload.RotationPolicy
		if payload.RotationPolicy.NextDue != nil {
			due := *payload.RotationPolicy.NextDue
			merged.RotationPolicy.NextDue = &due
		}
	}

	// SYNC LEDGER: record the import so replay detection sees this bundle
	// from now on.
	merged.SyncHistory = append(merged.SyncHistory, SyncRecord{
		SyncID:                 uuid.NewString(),
		Timestamp:              now,
		SourceDeviceID:         src.DeviceID,
		SourceDeviceName:       src.DeviceName,
		TargetDeviceID:         merged.DeviceID,
		SyncType:               SyncTypeImport,
		KeypairsAdopted:        stats.KeypairsUpdated,
		PreviousKeypairsMerged: stats.PreviousKeypairsMerged,
		RotationRecordsMerged:  stats.RotationHistoryMerged,
		ConflictsResolved:      stats.ConflictsResolved,
		Signature:              src.Signature,
	})
	merged.LastSyncedAt = &now

	return merged, stats, nil
}

// resealPortable reconstructs a keypair from its portable form and seals it
// under the local session key, keeping the bundle's key id and creation time
// so both devices agree on the generation's identity.
func resealPortable(enc KeypairEncryptor, p *portableKeypair) (*EncryptedKeypairRecord, error) {
	kp := p.keypair()
	defer kp.Zeroize()
	return enc.EncryptKeypair(kp, p.KeyID, p.CreatedAt)
}

// retiredSortTime ranks a retired generation by the rotation that installed
// it, falling back to when it was retired, then to when it was created.
func retiredSortTime(ks *Keystore, rec *RetiredKeypairRecord) time.Time {
	if rot := ks.latestRotationForPublicKey(&rec.PublicKey); rot != nil {
		return rot.Timestamp
	}
	if !rec.RetiredAt.IsZero() {
		return rec.RetiredAt
	}
	return rec.CreatedAt
}
