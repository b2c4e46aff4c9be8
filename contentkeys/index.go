// Package contentkeys maintains the device-local index of wrapped content
// keys: one hybrid ciphertext per content item, each protecting that item's
// 32-byte content key.
//
// The index is the production SecretReWrapper. During a keypair rotation it
// re-wraps every stored ciphertext under the incoming generation inside a
// single staged transaction, so a rotation rollback discards the re-wraps
// along with the rest of the rotation. It also answers the retirement usage
// check: a retired keypair cannot be destroyed while indexed ciphertexts
// still depend on it.
package contentkeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	_ "modernc.org/sqlite"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
	"github.com/Player420/OnestarStream1.0-sub001/hybrid"
)

var (
	// ErrNotFound signals that no content key is indexed under the item id.
	ErrNotFound = errors.New("content key not found")

	// ErrReWrapInProgress signals that the index is staging a re-wrap and
	// rejects mutations until Commit or Revert.
	ErrReWrapInProgress = errors.New("re-wrap in progress")
)

const schema = `
CREATE TABLE IF NOT EXISTS content_keys (
	item_id    TEXT PRIMARY KEY,
	key_id     TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_content_keys_key_id ON content_keys(key_id);
`

// Entry is the metadata of one indexed content key. The ciphertext itself is
// returned only by Get.
type Entry struct {
	ItemID    string    `json:"itemId"`
	KeyID     string    `json:"keyId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Index is a sqlite-backed content key index. Safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	// staged holds the open re-wrap transaction between ReWrap and
	// Commit/Revert.
	staged *sql.Tx
}

// Open initializes the index database at path, creating the schema if
// needed. The file is restricted to the owner on unix systems.
func Open(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index database: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
			db.Close()
			return nil, fmt.Errorf("chmod index database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index schema: %w", err)
	}

	return &Index{db: db, path: path}, nil
}

// Close rolls back any staged re-wrap and releases the database.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.staged != nil {
		_ = x.staged.Rollback()
		x.staged = nil
	}
	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}

// Put indexes a wrapped content key for itemID, replacing any previous
// entry. keyID names the keypair generation that wrapped it.
func (x *Index) Put(itemID, keyID string, ct *hybrid.Ciphertext) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.writableLocked(); err != nil {
		return err
	}
	if itemID == "" || keyID == "" {
		return errors.New("item id and key id are required")
	}

	blob, err := json.Marshal(ct)
	if err != nil {
		return fmt.Errorf("encode ciphertext: %w", err)
	}

	_, err = x.db.Exec(
		`INSERT INTO content_keys (item_id, key_id, ciphertext) VALUES (?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET key_id = excluded.key_id,
		   ciphertext = excluded.ciphertext, updated_at = CURRENT_TIMESTAMP`,
		itemID, keyID, blob,
	)
	if err != nil {
		return fmt.Errorf("insert content key: %w", err)
	}
	return nil
}

// Get returns the wrapped content key for itemID, or ErrNotFound.
func (x *Index) Get(itemID string) (*hybrid.Ciphertext, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil, errors.New("index is closed")
	}

	var blob []byte
	err := x.db.QueryRow(
		`SELECT ciphertext FROM content_keys WHERE item_id = ?`, itemID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select content key: %w", err)
	}

	var ct hybrid.Ciphertext
	if err := json.Unmarshal(blob, &ct); err != nil {
		return nil, fmt.Errorf("decode ciphertext for %s: %w", itemID, err)
	}
	return &ct, nil
}

// Delete removes the entry for itemID. Deleting an absent entry is not an
// error.
func (x *Index) Delete(itemID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.writableLocked(); err != nil {
		return err
	}
	if _, err := x.db.Exec(`DELETE FROM content_keys WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("delete content key: %w", err)
	}
	return nil
}

// Count returns the number of indexed content keys.
func (x *Index) Count() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.countLocked(`SELECT COUNT(*) FROM content_keys`)
}

// CountDependents returns how many indexed ciphertexts were wrapped by the
// given keypair generation. The vault consults this before destroying a
// retired keypair.
func (x *Index) CountDependents(keyID string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.countLocked(`SELECT COUNT(*) FROM content_keys WHERE key_id = ?`, keyID)
}

// List returns metadata for every indexed content key, newest first.
func (x *Index) List() ([]Entry, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil, errors.New("index is closed")
	}

	rows, err := x.db.Query(
		`SELECT item_id, key_id, created_at, updated_at
		 FROM content_keys ORDER BY updated_at DESC, item_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select content keys: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ItemID, &e.KeyID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan content key row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content key rows: %w", err)
	}
	return out, nil
}

// KeyDistribution returns entry counts grouped by wrapping generation.
func (x *Index) KeyDistribution() (map[string]int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return nil, errors.New("index is closed")
	}

	rows, err := x.db.Query(`SELECT key_id, COUNT(*) FROM content_keys GROUP BY key_id`)
	if err != nil {
		return nil, fmt.Errorf("select key distribution: %w", err)
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var keyID string
		var n int
		if err := rows.Scan(&keyID, &n); err != nil {
			return nil, fmt.Errorf("scan key distribution row: %w", err)
		}
		dist[keyID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key distribution rows: %w", err)
	}
	return dist, nil
}

// ReWrap re-wraps every indexed ciphertext under the session's target
// generation. All updates are staged in a single transaction that stays open
// until Commit or Revert, so the on-disk index is untouched if the rotation
// rolls back.
//
// An entry whose old ciphertext cannot be unwrapped, or whose content key
// cannot be re-wrapped, is counted as failed and keeps its old row. An error
// return means the re-wrap could not run as a whole; any staged work is
// rolled back before returning.
func (x *Index) ReWrap(ctx context.Context, session keystore.ReWrapSession) (keystore.ReWrapOutcome, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var outcome keystore.ReWrapOutcome

	if x.db == nil {
		return outcome, errors.New("index is closed")
	}
	if x.staged != nil {
		return outcome, ErrReWrapInProgress
	}

	type row struct {
		itemID string
		blob   []byte
	}
	rows, err := x.db.Query(`SELECT item_id, ciphertext FROM content_keys ORDER BY item_id`)
	if err != nil {
		return outcome, fmt.Errorf("select content keys: %w", err)
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.itemID, &r.blob); err != nil {
			rows.Close()
			return outcome, fmt.Errorf("scan content key row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return outcome, fmt.Errorf("iterate content key rows: %w", err)
	}
	rows.Close()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome, fmt.Errorf("begin re-wrap transaction: %w", err)
	}

	newKeyID := session.TargetKeyID()
	for _, r := range all {
		if err := ctx.Err(); err != nil {
			_ = tx.Rollback()
			return outcome, err
		}

		var ct hybrid.Ciphertext
		if err := json.Unmarshal(r.blob, &ct); err != nil {
			outcome.Failed++
			continue
		}

		secret, _, err := session.Unwrap(&ct)
		if err != nil {
			outcome.Failed++
			continue
		}
		newCT, err := session.Wrap(secret)
		memguard.WipeBytes(secret)
		if err != nil {
			outcome.Failed++
			continue
		}

		blob, err := json.Marshal(newCT)
		if err != nil {
			outcome.Failed++
			continue
		}
		if _, err := tx.Exec(
			`UPDATE content_keys SET key_id = ?, ciphertext = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE item_id = ?`,
			newKeyID, blob, r.itemID,
		); err != nil {
			_ = tx.Rollback()
			return outcome, fmt.Errorf("stage re-wrapped key for %s: %w", r.itemID, err)
		}
		outcome.Succeeded++
	}

	x.staged = tx
	return outcome, nil
}

// Commit applies the staged re-wrap.
func (x *Index) Commit() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.staged == nil {
		return nil
	}
	err := x.staged.Commit()
	x.staged = nil
	if err != nil {
		return fmt.Errorf("commit re-wrap: %w", err)
	}
	return nil
}

// Revert discards the staged re-wrap, leaving every entry wrapped by its
// previous generation. Reverting with nothing staged is not an error.
func (x *Index) Revert() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.staged == nil {
		return nil
	}
	err := x.staged.Rollback()
	x.staged = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("revert re-wrap: %w", err)
	}
	return nil
}

func (x *Index) writableLocked() error {
	if x.db == nil {
		return errors.New("index is closed")
	}
	if x.staged != nil {
		return ErrReWrapInProgress
	}
	return nil
}

func (x *Index) countLocked(query string, args ...interface{}) (int, error) {
	if x.db == nil {
		return 0, errors.New("index is closed")
	}
	var n int
	if err := x.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count content keys: %w", err)
	}
	return n, nil
}

// Interface checks against the vault's rotation and retirement contracts.
var (
	_ keystore.SecretReWrapper = (*Index)(nil)
	_ keystore.ReWrapCommitter = (*Index)(nil)
	_ keystore.KeypairUsage    = (*Index)(nil)
)
