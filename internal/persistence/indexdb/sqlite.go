package indexdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"autolevel.ai/internal/protocol"
	"autolevel.ai/internal/sim/catalogs"
	"autolevel.ai/internal/sim/classify"
	"autolevel.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of block classifications and
// entity events. Events are written asynchronously and dropped when the
// writer falls behind; the JSONL event log stays the source of truth.
type SQLiteIndex struct {
	db *sqlx.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvents atomic.Uint64
	written    atomic.Uint64
	failed     atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqFlush
)

type req struct {
	kind  reqKind
	event protocol.EntityEvent
	ack   chan struct{}
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS classifications (
			block TEXT NOT NULL,
			class TEXT NOT NULL,
			ord INTEGER NOT NULL,
			PRIMARY KEY (block, class)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_classifications_class ON classifications(class, block);`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			"partition" TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			entity_name TEXT NOT NULL,
			reason TEXT NOT NULL,
			tick INTEGER NOT NULL,
			at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON events("partition", entity_id, at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, at_ms);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Emit implements monitor.EventSink. It never blocks.
func (s *SQLiteIndex) Emit(ev protocol.EntityEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		s.dropEvents.Add(1)
	}
}

// Flush commits everything queued before the call.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	DropEventTotal uint64 `json:"drop_event_total"`
	WrittenTotal   uint64 `json:"written_total"`
	FailedTotal    uint64 `json:"failed_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropEventTotal: s.dropEvents.Load(),
		WrittenTotal:   s.written.Load(),
		FailedTotal:    s.failed.Load(),
	}
}

// UpsertClassifications replaces the classification table with idx and
// records the block configuration and tuning digests.
func (s *SQLiteIndex) UpsertClassifications(cat *catalogs.BlockCatalog, idx *classify.Index, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM classifications`); err != nil {
		return err
	}
	stmt, err := tx.Preparex(`INSERT INTO classifications(block,class,ord) VALUES(?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, name := range cat.Names {
		classes, _ := idx.Classes(name)
		for i, c := range classes {
			if _, err := stmt.Exec(name, c, i); err != nil {
				return fmt.Errorf("classification %s/%s: %w", name, c, err)
			}
		}
	}

	defs := make([]catalogs.BlockDef, 0, len(cat.Names))
	for _, name := range cat.Names {
		d, _ := cat.Def(name)
		defs = append(defs, d)
	}
	defsJSON, _ := json.Marshal(defs)
	tuneJSON, _ := json.Marshal(tune)
	rows := []struct {
		name, digest string
		json         []byte
	}{
		{"blocks_config", cat.Digest, defsJSON},
		{"tuning", sha256Hex(tuneJSON), tuneJSON},
	}
	for _, r := range rows {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`, r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClassMembers lists the blocks carrying class, sorted by name.
func (s *SQLiteIndex) ClassMembers(ctx context.Context, class string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT block FROM classifications WHERE class = ? ORDER BY block`, class)
	return out, err
}

// ClassesOf returns the classes of block in resolution order.
func (s *SQLiteIndex) ClassesOf(ctx context.Context, block string) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `SELECT class FROM classifications WHERE block = ? ORDER BY ord`, block)
	return out, err
}

// CatalogDigest returns the stored digest of a catalogs row.
func (s *SQLiteIndex) CatalogDigest(ctx context.Context, name string) (string, error) {
	var d string
	err := s.db.GetContext(ctx, &d, `SELECT digest FROM catalogs WHERE name = ?`, name)
	return d, err
}

// EventFilter narrows RecentEvents. Zero fields match everything.
type EventFilter struct {
	Partition string
	Kind      string
	EntityID  int
	Limit     int
}

// RecentEvents returns matching events, newest first.
func (s *SQLiteIndex) RecentEvents(ctx context.Context, f EventFilter) ([]protocol.EntityEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.Partition != "" {
		where = append(where, `"partition" = ?`)
		args = append(args, f.Partition)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, strings.ToUpper(f.Kind))
	}
	if f.EntityID != 0 {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	q := `SELECT event_id, kind, "partition", entity_id, entity_name, reason, tick, at_ms FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at_ms DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	var out []protocol.EntityEvent
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Type = protocol.TypeEntityEvent
		out[i].ProtocolVersion = protocol.Version
	}
	return out, nil
}

func (s *SQLiteIndex) loop() {
	insertEvent, _ := s.db.Preparex(`INSERT OR REPLACE INTO events(event_id,kind,"partition",entity_id,entity_name,reason,tick,at_ms) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
	}()

	var (
		tx            *sqlx.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.Beginx()
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		n := opCount
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(n))
		} else {
			s.written.Add(uint64(n))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount))
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		switch r.kind {
		case reqFlush:
			commit()
			close(r.ack)
			continue
		case reqEvent:
			begin()
			if tx == nil || insertEvent == nil {
				s.failed.Add(1)
				continue
			}
			ev := r.event
			if _, err := tx.Stmtx(insertEvent).Exec(
				ev.EventID,
				ev.Kind,
				ev.Partition,
				ev.EntityID,
				ev.EntityName,
				ev.Reason,
				int64(ev.Tick),
				ev.AtMS,
			); err != nil {
				rollback()
				s.failed.Add(1)
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
