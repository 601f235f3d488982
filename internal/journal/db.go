// Package journal persists the broker's durability state: the send
// journal (accepted but undelivered messages) and the ack journal
// (delivered but unacknowledged messages). Each journal is a single
// table in its own SQLite file; a sidecar worker owns each file and
// applies the broker's events to it. The redelivery worker also deletes
// the ack-journal rows it has re-injected.
package journal

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// PageSize is the row count per replay/redelivery page.
const PageSize = 100

// Row is one journal row.
type Row struct {
	MessageID   string
	QueueName   string
	MessageData string
	PubDate     int64 // unix nanoseconds
}

// Store is one journal table in one SQLite file.
type Store struct {
	db    *sql.DB
	table string
}

// SQLite allows a single writer; one pooled connection serialises the
// worker's writes against the redelivery worker's reads without
// "database is locked" errors, and WAL lets those readers proceed.
func open(path, table string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    message_id   VARCHAR(100) PRIMARY KEY,
    queue_name   TEXT,
    message_data TEXT,
    pub_date     INTEGER
)`, table)
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	return &Store{db: db, table: table}, nil
}

// OpenSendStore opens (or creates) the send journal at path.
func OpenSendStore(path string) (*Store, error) {
	return open(path, "send_msg")
}

// OpenAckStore opens (or creates) the ack journal at path.
func OpenAckStore(path string) (*Store, error) {
	return open(path, "ack_msg")
}

// Insert writes one row.
func (s *Store) Insert(row Row) error {
	_, err := s.db.Exec(
		fmt.Sprintf(`INSERT INTO %s (message_id, queue_name, message_data, pub_date) VALUES (?, ?, ?, ?)`, s.table),
		row.MessageID, row.QueueName, row.MessageData, row.PubDate,
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", row.MessageID, err)
	}
	return nil
}

// DeleteByMessageID removes the row keyed by the identifier.
func (s *Store) DeleteByMessageID(messageID string) error {
	_, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE message_id = ?`, s.table), messageID,
	)
	if err != nil {
		return fmt.Errorf("journal: delete %s: %w", messageID, err)
	}
	return nil
}

// DeleteByQueueName removes every row belonging to a queue.
func (s *Store) DeleteByQueueName(queueName string) error {
	_, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE queue_name = ?`, s.table), queueName,
	)
	if err != nil {
		return fmt.Errorf("journal: delete queue %s: %w", queueName, err)
	}
	return nil
}

// Page returns page (1-based) of the journal ordered by publish time
// ascending, PageSize rows at a time.
func (s *Store) Page(page int) ([]Row, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT message_id, queue_name, message_data, pub_date FROM %s
         ORDER BY pub_date ASC LIMIT ? OFFSET ?`, s.table),
		PageSize, (page-1)*PageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: page %d: %w", page, err)
	}
	return scanRows(rows)
}

// PageOlderThan returns up to PageSize rows published strictly before
// cutoff, newest first.
func (s *Store) PageOlderThan(cutoff int64) ([]Row, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT message_id, queue_name, message_data, pub_date FROM %s
         WHERE pub_date < ? ORDER BY pub_date DESC LIMIT ?`, s.table),
		cutoff, PageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: page older than %d: %w", cutoff, err)
	}
	return scanRows(rows)
}

// Count returns the number of rows in the journal.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(message_id) FROM %s`, s.table),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.MessageID, &r.QueueName, &r.MessageData, &r.PubDate); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
