package raft

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jcalfee/node-zmq-raft/logpd"
)

// StateStore persists the hard state a peer must not forget across
// restarts: current term, voted-for, and the peer set. Stored in a
// sqlite database at <root>/raft-state: a single-row table for term
// and vote, and one row per peer.
type StateStore struct {
	db *sql.DB
}

func OpenStateStore(path string) (*StateStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("raft: open state store: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS hard_state (
		id   INTEGER PRIMARY KEY CHECK (id = 0),
		term INTEGER NOT NULL,
		vote INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS peers (
		id  INTEGER PRIMARY KEY,
		url TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("raft: init state store: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Load return the persisted term and vote; zeros on first start.
func (s *StateStore) Load() (term uint32, vote uint64, err error) {
	row := s.db.QueryRow(`SELECT term, vote FROM hard_state WHERE id = 0`)
	if err = row.Scan(&term, &vote); err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return term, vote, err
}

// Save overwrite the persisted term and vote. The write commits
// before the peer answers any message that depends on it.
func (s *StateStore) Save(term uint32, vote uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO hard_state (id, term, vote) VALUES (0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET term = excluded.term, vote = excluded.vote`,
		term, vote)
	return err
}

// LoadPeers return the persisted peer set, possibly empty.
func (s *StateStore) LoadPeers() ([]logpd.Peer, error) {
	rows, err := s.db.Query(`SELECT id, url FROM peers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []logpd.Peer
	for rows.Next() {
		var peer logpd.Peer
		if err := rows.Scan(&peer.ID, &peer.URL); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// SavePeers replace the persisted peer set.
func (s *StateStore) SavePeers(peers []logpd.Peer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM peers`); err != nil {
		tx.Rollback()
		return err
	}
	for _, peer := range peers {
		if _, err := tx.Exec(`INSERT INTO peers (id, url) VALUES (?, ?)`,
			peer.ID, peer.URL); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *StateStore) Close() error {
	return s.db.Close()
}
