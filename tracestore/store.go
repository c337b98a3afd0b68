// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🗄️ TRACE STORE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: SQLite-backed scheduler trace sink
//
// Description:
//   Implements machine.Tracer. Trace stamps an event and pushes it onto the ring of its
//   processor; Flush drains every ring into one SQLite transaction. Tracing never blocks the
//   scheduler: events that do not fit are counted and dropped.
//
// Schema:
//   events(ts, cpu, code, name, a1, a2, a3, a4) with an index on code.
//   Arguments are stored as signed 64-bit integers holding the raw bits.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package tracestore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"schedcore/debug"
	"schedcore/machine"
)

const (
	// DefaultRingSize is the per-processor ring capacity.
	DefaultRingSize = 1 << 14

	// flushBatch bounds the events taken from one ring per flush pass.
	flushBatch = 4096
)

// Options configures a Store.
type Options struct {
	Path     string        // database file, or ":memory:"
	CPUs     int           // number of processor rings
	RingSize int           // per-processor capacity, DefaultRingSize when zero
	Clock    machine.Clock // timestamps events
}

// Store is a trace sink backed by SQLite.
type Store struct {
	db    *sql.DB
	rings []*Ring
	clock machine.Clock

	flushMu sync.Mutex
	written uint64
}

// Open creates or opens the trace database and prepares the rings.
func Open(opts Options) (*Store, error) {
	if opts.CPUs <= 0 {
		return nil, errors.Newf("trace store needs at least one cpu, got %d", opts.CPUs)
	}
	if opts.Clock == nil {
		return nil, errors.New("trace store needs a clock")
	}
	size := opts.RingSize
	if size == 0 {
		size = DefaultRingSize
	}
	path := opts.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace database %s", path)
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	if err := configureDatabase(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, clock: opts.Clock, rings: make([]*Ring, opts.CPUs)}
	for i := range s.rings {
		s.rings[i] = NewRing(size)
	}
	return s, nil
}

func configureDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = MEMORY",
		"PRAGMA synchronous = OFF",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, "execute %s", p)
		}
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		ts   INTEGER NOT NULL,
		cpu  INTEGER NOT NULL,
		code INTEGER NOT NULL,
		name TEXT    NOT NULL,
		a1   INTEGER NOT NULL,
		a2   INTEGER NOT NULL,
		a3   INTEGER NOT NULL,
		a4   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS events_code ON events(code);
	`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "create trace schema")
}

// Trace records an event. It never blocks.
func (s *Store) Trace(code machine.EventCode, cpu int, a1, a2, a3, a4 uint64) {
	if cpu < 0 || cpu >= len(s.rings) {
		cpu = 0
	}
	ev := Event{TS: s.clock.Now(), Code: code, CPU: int32(cpu), Args: [4]uint64{a1, a2, a3, a4}}
	s.rings[cpu].Push(&ev)
}

// Dropped returns the events lost across every ring.
func (s *Store) Dropped() uint64 {
	var n uint64
	for _, r := range s.rings {
		n += r.Dropped()
	}
	return n
}

// Written returns the events persisted so far.
func (s *Store) Written() uint64 {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.written
}

// Flush drains every ring into the database and returns the number of
// events written.
func (s *Store) Flush() (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin trace flush")
	}
	stmt, err := tx.Prepare(`INSERT INTO events (ts, cpu, code, name, a1, a2, a3, a4) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, errors.Wrap(err, "prepare trace insert")
	}

	total := 0
	var insertErr error
	for _, r := range s.rings {
		for {
			n := r.Drain(flushBatch, func(ev *Event) {
				if insertErr != nil {
					return
				}
				_, insertErr = stmt.Exec(ev.TS, ev.CPU, int64(ev.Code), ev.Code.String(),
					int64(ev.Args[0]), int64(ev.Args[1]), int64(ev.Args[2]), int64(ev.Args[3]))
			})
			total += n
			if n < flushBatch {
				break
			}
		}
	}
	_ = stmt.Close()
	if insertErr != nil {
		_ = tx.Rollback()
		return 0, errors.Wrap(insertErr, "insert trace event")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit trace flush")
	}
	s.written += uint64(total)
	return total, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if _, err := s.Flush(); err != nil {
				debug.DropError("tracestore", err)
			}
			return
		case <-t.C:
			if _, err := s.Flush(); err != nil {
				debug.DropError("tracestore", err)
			}
		}
	}
}

// Close flushes pending events and closes the database.
func (s *Store) Close() error {
	_, ferr := s.Flush()
	cerr := s.db.Close()
	return errors.CombineErrors(ferr, cerr)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// CodeCount is the number of events of one kind.
type CodeCount struct {
	Name  string
	Count int64
}

// Summary counts persisted events by kind, most frequent first.
func (s *Store) Summary(ctx context.Context) ([]CodeCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, COUNT(*) FROM events GROUP BY code, name ORDER BY COUNT(*) DESC, name`)
	if err != nil {
		return nil, errors.Wrap(err, "summarize trace")
	}
	defer rows.Close()
	var out []CodeCount
	for rows.Next() {
		var c CodeCount
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, errors.Wrap(err, "scan trace summary")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "read trace summary")
}

// Events returns up to limit persisted events in time order. code zero
// matches every kind.
func (s *Store) Events(ctx context.Context, code machine.EventCode, limit int) ([]Event, error) {
	query := `SELECT ts, cpu, code, a1, a2, a3, a4 FROM events`
	args := []any{}
	if code != 0 {
		query += ` WHERE code = ?`
		args = append(args, int64(code))
	}
	query += ` ORDER BY ts, rowid LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query trace events")
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var c int64
		var a [4]int64
		if err := rows.Scan(&ev.TS, &ev.CPU, &c, &a[0], &a[1], &a[2], &a[3]); err != nil {
			return nil, errors.Wrap(err, "scan trace event")
		}
		ev.Code = machine.EventCode(c)
		for i := range a {
			ev.Args[i] = uint64(a[i])
		}
		out = append(out, ev)
	}
	return out, errors.Wrap(rows.Err(), "read trace events")
}
