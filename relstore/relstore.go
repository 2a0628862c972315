// Package relstore is the relational backup store. It mirrors the
// authoritative spreadsheet data into SQLite so reads keep working while the
// spreadsheet service is rate-limited or down, and so the nightly sync has a
// durable target. It is a backup, not a source of truth for mutation: the
// hybrid store never accepts a fallback-only write.
package relstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
)

// upsertBatchSize bounds a single multi-row statement during bulk mirroring.
const upsertBatchSize = 100

// Store is the SQLite-backed fallback store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the fallback database at dbPath.
// If dbPath is empty or ":memory:", an in-memory database is used.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open fallback database")
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS clubs (
			club_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			daily_quota INTEGER NOT NULL DEFAULT 0,
			leader_id TEXT NOT NULL DEFAULT '',
			officer_ids TEXT NOT NULL DEFAULT '[]',
			source_updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS club_members (
			club_id TEXT NOT NULL,
			member_name TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (club_id, member_name)
		)`,
		`CREATE TABLE IF NOT EXISTS member_stats (
			club_id TEXT NOT NULL,
			member_name TEXT NOT NULL,
			date TEXT NOT NULL,
			fans_count INTEGER NOT NULL,
			fans_gain INTEGER NOT NULL,
			PRIMARY KEY (club_id, member_name, date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_member_stats_club_date ON member_stats(club_id, date)`,
		`CREATE TABLE IF NOT EXISTS sync_checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_sync_at INTEGER NOT NULL,
			last_sync_status TEXT NOT NULL,
			records_synced INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create fallback schema")
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FetchClub reads a club's configuration from the backup.
func (s *Store) FetchClub(ctx context.Context, clubID string) (fancount.ClubRecord, error) {
	var (
		rec       fancount.ClubRecord
		kind      string
		officers  string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT club_id, name, kind, daily_quota, leader_id, officer_ids, source_updated_at
		 FROM clubs WHERE club_id = ?`, clubID,
	).Scan(&rec.ClubID, &rec.Name, &kind, &rec.DailyQuota, &rec.LeaderID, &officers, &updatedAt)
	if err == sql.ErrNoRows {
		return fancount.ClubRecord{}, errors.Mark(errors.Newf("club %s not in fallback store", clubID), fancount.ErrNotFound)
	}
	if err != nil {
		return fancount.ClubRecord{}, errors.Wrapf(err, "fetch club %s from fallback", clubID)
	}
	rec.Kind, err = fancount.ParseClubKind(kind)
	if err != nil {
		return fancount.ClubRecord{}, err
	}
	if err := json.Unmarshal([]byte(officers), &rec.OfficerIDs); err != nil {
		return fancount.ClubRecord{}, errors.Wrapf(err, "club %s has bad officer list", clubID)
	}
	if updatedAt > 0 {
		rec.SourceUpdatedAt = time.Unix(0, updatedAt).UTC()
	}
	return rec, nil
}

// WriteClub upserts a club's configuration. Idempotent so mirroring and the
// nightly sync can re-run safely.
func (s *Store) WriteClub(ctx context.Context, rec fancount.ClubRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	officers, err := json.Marshal(rec.OfficerIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clubs (club_id, name, kind, daily_quota, leader_id, officer_ids, source_updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(club_id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			daily_quota = excluded.daily_quota,
			leader_id = excluded.leader_id,
			officer_ids = excluded.officer_ids,
			source_updated_at = excluded.source_updated_at`,
		rec.ClubID, rec.Name, rec.Kind.String(), rec.DailyQuota, rec.LeaderID, string(officers),
		rec.SourceUpdatedAt.UnixNano(),
	)
	return errors.Wrapf(err, "write club %s to fallback", rec.ClubID)
}

// FetchMembers reads a club's roster with the full per-day history.
func (s *Store) FetchMembers(ctx context.Context, clubID string) ([]fancount.MemberRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_name, verified FROM club_members WHERE club_id = ? ORDER BY member_name`, clubID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch roster of %s from fallback", clubID)
	}
	defer rows.Close()

	byName := make(map[string]*fancount.MemberRecord)
	var order []string
	for rows.Next() {
		var name string
		var verified int
		if err := rows.Scan(&name, &verified); err != nil {
			return nil, err
		}
		byName[name] = &fancount.MemberRecord{ClubID: clubID, MemberName: name, Verified: verified != 0}
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats, err := s.db.QueryContext(ctx,
		`SELECT member_name, date, fans_count, fans_gain
		 FROM member_stats WHERE club_id = ? ORDER BY member_name, date`, clubID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch stats of %s from fallback", clubID)
	}
	defer stats.Close()
	for stats.Next() {
		var name, dateStr string
		var count, gain int64
		if err := stats.Scan(&name, &dateStr, &count, &gain); err != nil {
			return nil, err
		}
		rec, ok := byName[name]
		if !ok {
			// Stats row without a roster row; tolerate it.
			rec = &fancount.MemberRecord{ClubID: clubID, MemberName: name}
			byName[name] = rec
			order = append(order, name)
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if err := rec.AppendDaily(date, count, gain); err != nil {
			continue
		}
	}
	if err := stats.Err(); err != nil {
		return nil, err
	}

	members := make([]fancount.MemberRecord, 0, len(order))
	for _, name := range order {
		members = append(members, *byName[name])
	}
	return members, nil
}

// WriteMemberDelta upserts the member's roster row and latest daily reading.
func (s *Store) WriteMemberDelta(ctx context.Context, rec fancount.MemberRecord) error {
	latest, ok := rec.Latest()
	if !ok {
		return errors.Newf("member %s has no readings to write", rec.MemberName)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := upsertRoster(ctx, tx, rec); err != nil {
		return err
	}
	if err := upsertStat(ctx, tx, rec.ClubID, rec.MemberName, latest); err != nil {
		return err
	}
	return tx.Commit()
}

type statRow struct {
	memberName string
	dc         fancount.DailyFanCount
}

// UpsertMembers mirrors a club's full roster and history. Stats rows are
// committed in batches so a large club does not hold one giant transaction.
// Used by the nightly sync and by async write mirroring; re-running it with
// the same data changes nothing.
func (s *Store) UpsertMembers(ctx context.Context, clubID string, members []fancount.MemberRecord) (int, error) {
	var rows []statRow
	for _, m := range members {
		for _, dc := range m.DailyFanCounts {
			rows = append(rows, statRow{memberName: m.MemberName, dc: dc})
		}
	}

	// Roster first, in its own transaction.
	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range members {
			if err := upsertRoster(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	var written int
	for start := 0; start < len(rows); start += upsertBatchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		end := min(start+upsertBatchSize, len(rows))
		batch := rows[start:end]
		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, row := range batch {
				if err := upsertStat(ctx, tx, clubID, row.memberName, row.dc); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return written, err
		}
		written += len(batch)
	}
	return written, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRoster(ctx context.Context, tx *sql.Tx, rec fancount.MemberRecord) error {
	verified := 0
	if rec.Verified {
		verified = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO club_members (club_id, member_name, verified) VALUES (?, ?, ?)
		 ON CONFLICT(club_id, member_name) DO UPDATE SET verified = excluded.verified`,
		rec.ClubID, rec.MemberName, verified)
	return err
}

func upsertStat(ctx context.Context, tx *sql.Tx, clubID, memberName string, dc fancount.DailyFanCount) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO member_stats (club_id, member_name, date, fans_count, fans_gain)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(club_id, member_name, date) DO UPDATE SET
			fans_count = excluded.fans_count,
			fans_gain = excluded.fans_gain`,
		clubID, memberName, dc.Date.Format("2006-01-02"), dc.Count, dc.Gain)
	return err
}

// ListClubIDs enumerates clubs known to the backup.
func (s *Store) ListClubIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT club_id FROM clubs ORDER BY club_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountStats returns the number of stats rows for a club, for sync reporting.
func (s *Store) CountStats(ctx context.Context, clubID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM member_stats WHERE club_id = ?`, clubID).Scan(&n)
	return n, err
}

// LoadCheckpoint reads the nightly-sync checkpoint. A missing row means the
// sync has never run; the zero checkpoint is returned without error.
func (s *Store) LoadCheckpoint(ctx context.Context) (fancount.SyncCheckpoint, error) {
	var cp fancount.SyncCheckpoint
	var at int64
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_at, last_sync_status, records_synced FROM sync_checkpoint WHERE id = 1`,
	).Scan(&at, &status, &cp.RecordsSynced)
	if err == sql.ErrNoRows {
		return fancount.SyncCheckpoint{}, nil
	}
	if err != nil {
		return fancount.SyncCheckpoint{}, errors.Wrap(err, "load sync checkpoint")
	}
	cp.LastSyncAt = time.Unix(0, at).UTC()
	cp.LastSyncStatus = fancount.SyncStatus(status)
	return cp, nil
}

// SaveCheckpoint persists the nightly-sync checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp fancount.SyncCheckpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_checkpoint (id, last_sync_at, last_sync_status, records_synced)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_sync_status = excluded.last_sync_status,
			records_synced = excluded.records_synced`,
		cp.LastSyncAt.UnixNano(), string(cp.LastSyncStatus), cp.RecordsSynced)
	return errors.Wrap(err, "save sync checkpoint")
}
