// Package checkpoint persists the state of a run in an sqlite database, so that it can be resumed.
//
// Rows are keyed by basis function, and hold the rest of a walker row as JSON.
// Run level state, such as the shift and the random number generators, is stored as JSON under the meta table.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"

	"github.com/fumin/fciqmc/mbf"
	"github.com/fumin/fciqmc/shift"
	"github.com/fumin/fciqmc/wavefunction"
)

const (
	tableRows = "rows"
	tableMeta = "meta"
	metaKey   = "run"

	timeout = 30 * time.Second
)

// Meta is the run level state of a checkpoint.
type Meta struct {
	RunID      string             `json:"run_id"`
	Cycle      int                `json:"cycle"`
	NRank      int                `json:"nrank"`
	Shape      wavefunction.Shape `json:"shape"`
	Tau        float64            `json:"tau"`
	Shift      shift.State        `json:"shift"`
	ClassProbs []float64          `json:"class_probs"`
	// Blocks is the block to rank table of the rank allocator.
	Blocks []int `json:"blocks"`
	// RNG holds the binary state of the random number generator of each rank.
	RNG [][]byte `json:"rng"`
	// References is the reference basis function of each root.
	References []mbf.MBF `json:"references"`
}

type Checkpoint struct {
	Path string
	db   *sql.DB
}

// Open opens the checkpoint at path, creating it if needed.
func Open(path string) (*Checkpoint, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// Ranks take turns writing, a single connection avoids lock contention.
	db.SetMaxOpenConns(1)
	if err := prepareDB(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "")
	}
	return &Checkpoint{Path: path, db: db}, nil
}

func prepareDB(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (mbf BLOB PRIMARY KEY, rank INTEGER, row TEXT) STRICT`, tableRows)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v TEXT) STRICT`, tableMeta)
	if _, err := db.ExecContext(ctx, sqlStr); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func (c *Checkpoint) Close() error {
	if err := c.db.Close(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// Reset deletes everything, before a new checkpoint is written.
func (c *Checkpoint) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, table := range []string{tableRows, tableMeta} {
		if _, err := c.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

// WriteRows stores the rows of the store of rank.
func (c *Checkpoint) WriteRows(ctx context.Context, rank int, store *wavefunction.Store) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := writeRows(ctx, tx, rank, store); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func writeRows(ctx context.Context, tx *sql.Tx, rank int, store *wavefunction.Store) error {
	sqlStr := fmt.Sprintf(`INSERT INTO %s (mbf, rank, row) VALUES (?, ?, ?)`, tableRows)
	stmt, err := tx.PrepareContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer stmt.Close()
	for _, row := range store.All() {
		b, err := sonnet.Marshal(row.Snapshot())
		if err != nil {
			return errors.Wrap(err, "")
		}
		if _, err := stmt.ExecContext(ctx, row.MBF.Bytes(), rank, string(b)); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%v", row.MBF))
		}
	}
	return nil
}

// ReadRows calls fn with every stored row.
func (c *Checkpoint) ReadRows(ctx context.Context, fn func(wavefunction.Snapshot) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT mbf, row FROM %s ORDER BY mbf`, tableRows)
	rows, err := c.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var key []byte
		var rowStr string
		if err := rows.Scan(&key, &rowStr); err != nil {
			return errors.Wrap(err, "")
		}
		var snap wavefunction.Snapshot
		if err := sonnet.Unmarshal([]byte(rowStr), &snap); err != nil {
			return errors.Wrap(err, "")
		}
		if snap.MBF, err = mbf.FromBytes(key); err != nil {
			return errors.Wrap(err, "")
		}
		if err := fn(snap); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func (c *Checkpoint) WriteMeta(ctx context.Context, meta Meta) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	b, err := sonnet.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "")
	}
	sqlStr := fmt.Sprintf(`INSERT OR REPLACE INTO %s (k, v) VALUES (?, ?)`, tableMeta)
	if _, err := c.db.ExecContext(ctx, sqlStr, metaKey, string(b)); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// ReadMeta returns sql.ErrNoRows if no checkpoint was written.
func (c *Checkpoint) ReadMeta(ctx context.Context) (Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sqlStr := fmt.Sprintf(`SELECT v FROM %s WHERE k=?`, tableMeta)
	var v string
	if err := c.db.QueryRowContext(ctx, sqlStr, metaKey).Scan(&v); err != nil {
		return Meta{}, errors.Wrap(err, "")
	}
	var meta Meta
	if err := sonnet.Unmarshal([]byte(v), &meta); err != nil {
		return Meta{}, errors.Wrap(err, "")
	}
	return meta, nil
}
