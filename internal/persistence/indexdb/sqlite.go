package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"crowdmaster.ai/internal/sim/engine"
	"crowdmaster.ai/internal/sim/gen"
)

// SQLiteIndex is a queryable secondary index of simulated frames, committed
// keyframes and generation runs. Writes are queued and applied by a single
// goroutine in batched transactions; the JSONL frame log stays the source of
// truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrames atomic.Uint64
	dropRuns   atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqRun
	reqConfig
)

type req struct {
	kind reqKind

	frame  engine.Frame
	run    runRow
	config configRow
}

type runRow struct {
	Report     gen.Report
	RecordedAt string
}

type configRow struct {
	Name      string
	Digest    string
	JSON      string
	UpdatedAt string
}

// Stats reports queue pressure. Drops happen only when the writer falls
// behind a full queue.
type Stats struct {
	DropFrameTotal uint64
	DropRunTotal   uint64
	QueueDepth     int
	QueueCapacity  int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
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
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			run_id TEXT NOT NULL,
			frame INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			key_count INTEGER NOT NULL,
			registrations INTEGER NOT NULL,
			elapsed_ns INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, frame)
		);`,
		`CREATE TABLE IF NOT EXISTS keyframes (
			run_id TEXT NOT NULL,
			object TEXT NOT NULL,
			path TEXT NOT NULL,
			idx INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, object, path, idx, frame)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_keyframes_object_frame ON keyframes(object, frame);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			agents INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			geometry INTEGER NOT NULL,
			deferred INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
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

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropFrameTotal: s.dropFrames.Load(),
		DropRunTotal:   s.dropRuns.Load(),
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
	}
}

// RecordFrame queues f and its committed keys.
func (s *SQLiteIndex) RecordFrame(f engine.Frame) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFrame, frame: f}:
	default:
		s.dropFrames.Add(1)
	}
	return nil
}

// RecordRun queues the report of a generation run.
func (s *SQLiteIndex) RecordRun(r gen.Report) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	row := runRow{Report: r, RecordedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	select {
	case s.ch <- req{kind: reqRun, run: row}:
	default:
		s.dropRuns.Add(1)
	}
	return nil
}

// UpsertConfig stores the canonical JSON of v under name together with its
// digest, so an index can be matched to the settings that produced it.
// Unlike frames, configs are never dropped.
func (s *SQLiteIndex) UpsertConfig(name string, v any) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	s.ch <- req{kind: reqConfig, config: configRow{
		Name:      name,
		Digest:    hex.EncodeToString(sum[:]),
		JSON:      string(b),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}}
	return nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(run_id,frame,agents,key_count,registrations,elapsed_ns,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertKey, _ := s.db.Prepare(`INSERT OR REPLACE INTO keyframes(run_id,object,path,idx,frame,value) VALUES(?,?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,agents,dropped,geometry,deferred,recorded_at) VALUES(?,?,?,?,?,?)`)
	insertConfig, _ := s.db.Prepare(`INSERT OR REPLACE INTO configs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertKey, insertRun, insertConfig} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			f := r.frame
			if insertFrame == nil {
				break
			}
			raw, _ := json.Marshal(f)
			if _, err := tx.Stmt(insertFrame).Exec(
				f.RunID,
				f.Frame,
				len(f.Agents),
				len(f.Keys),
				f.Registrations,
				f.Elapsed.Nanoseconds(),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
			for _, k := range f.Keys {
				if insertKey == nil {
					break
				}
				if _, err := tx.Stmt(insertKey).Exec(f.RunID, k.Object, k.Path, k.Index, k.Frame, k.Value); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqRun:
			rr := r.run
			if insertRun == nil {
				break
			}
			if _, err := tx.Stmt(insertRun).Exec(
				rr.Report.RunID,
				rr.Report.Agents,
				rr.Report.Dropped,
				rr.Report.Geometry,
				rr.Report.Deferred,
				rr.RecordedAt,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqConfig:
			c := r.config
			if insertConfig == nil {
				break
			}
			if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
				rollback()
				continue
			}
			if _, err := tx.Stmt(insertConfig).Exec(c.Name, c.Digest, c.JSON, c.UpdatedAt); err != nil {
				rollback()
				continue
			}
			opCount += 2
		}
		flushIfNeeded()
	}

	commit()
}
