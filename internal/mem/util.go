// Package mem applies process-wide memory locking so unwrapped keypairs and
// session keys cannot be swapped to disk. Locking is best effort: the vault
// reports the achieved level and keeps running when the OS refuses.
package mem

// ProtectionLevel is the degree of swap protection the process obtained.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // no protection available
	ProtectionPartial                        // guarded buffers only, pages may swap
	ProtectionFull                           // all pages locked in RAM
)

// Lock pins the process address space into RAM where the platform allows it.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases the locks taken by Lock.
func Unlock() error {
	return unlockMemoryPlatform()
}
