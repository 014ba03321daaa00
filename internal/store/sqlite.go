package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/nbd-wtf/go-nostr"

	_ "modernc.org/sqlite"

	"github.com/eventrelay/relay/internal/filtermatch"
	"github.com/eventrelay/relay/internal/relayevent"
)

// contentCompressThreshold is the content size above which a row's
// content is zstd-compressed before storage; tags are stored as plain
// JSON. Large note bodies are common enough in this domain to make the
// compression worth the CPU.
const contentCompressThreshold = 1024

// SQLite is a Store backed by modernc.org/sqlite (pure Go, no cgo). Each
// event is one row with indexed columns for id/pubkey/kind/created_at and
// a joined tags table for "#X" lookups.
type SQLite struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY churn

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	s := &SQLite{db: db, encoder: encoder, decoder: decoder}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			pubkey TEXT NOT NULL,
			kind INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			content BLOB NOT NULL,
			content_compressed INTEGER NOT NULL DEFAULT 0,
			tags_json BLOB NOT NULL,
			sig TEXT NOT NULL,
			repl_key TEXT,
			addr_key TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
		CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_repl_key ON events(repl_key) WHERE repl_key IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_addr_key ON events(addr_key) WHERE addr_key IS NOT NULL;

		CREATE TABLE IF NOT EXISTS event_tags (
			event_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_tags_lookup ON event_tags(name, value);
		CREATE INDEX IF NOT EXISTS idx_event_tags_event ON event_tags(event_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	s.decoder.Close()
	return s.db.Close()
}

// PutBatch inserts events inside one transaction, applying the
// replaceable/addressable tie-break against the unique repl_key/addr_key
// index: read the current winner, skip the write if the incoming event
// loses, otherwise delete the incumbent and insert the new row.
func (s *SQLite) PutBatch(ctx context.Context, events []*nostr.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, evt := range events {
		if err := s.putOne(ctx, tx, evt); err != nil {
			return fmt.Errorf("put event %s: %w", evt.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) putOne(ctx context.Context, tx *sql.Tx, evt *nostr.Event) error {
	class := relayevent.ClassOf(evt.Kind)
	if class == relayevent.Ephemeral {
		return nil
	}

	var replKey, addrKey *string
	if class == relayevent.Replaceable {
		k := fmt.Sprintf("%s:%d", evt.PubKey, evt.Kind)
		replKey = &k
	}
	if class == relayevent.Addressable {
		k := fmt.Sprintf("%s:%d:%s", evt.PubKey, evt.Kind, relayevent.DValue(evt))
		addrKey = &k
	}

	if replKey != nil || addrKey != nil {
		incumbent, err := s.currentSlotWinner(ctx, tx, replKey, addrKey)
		if err != nil {
			return err
		}
		if incumbent != nil && !relayevent.Wins(evt, incumbent) {
			return nil
		}
		if incumbent != nil {
			if err := s.deleteLocked(ctx, tx, incumbent.ID); err != nil {
				return err
			}
		}
	}

	content, compressed := s.maybeCompress(evt.Content)
	tagsJSON, err := encodeTags(evt.Tags)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO events (id, pubkey, kind, created_at, content, content_compressed, tags_json, sig, repl_key, addr_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.PubKey, evt.Kind, int64(evt.CreatedAt), content, compressed, tagsJSON, evt.Sig, replKey, addrKey)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_tags WHERE event_id = ?`, evt.ID); err != nil {
		return err
	}
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO event_tags (event_id, name, value) VALUES (?, ?, ?)`, evt.ID, tag[0], tag[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) currentSlotWinner(ctx context.Context, tx *sql.Tx, replKey, addrKey *string) (*nostr.Event, error) {
	var row *sql.Row
	if replKey != nil {
		row = tx.QueryRowContext(ctx, `SELECT id FROM events WHERE repl_key = ?`, *replKey)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT id FROM events WHERE addr_key = ?`, *addrKey)
	}
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s.loadByIDTx(ctx, tx, id)
}

func (s *SQLite) loadByIDTx(ctx context.Context, tx *sql.Tx, id string) (*nostr.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT id, pubkey, kind, created_at, content, content_compressed, tags_json, sig FROM events WHERE id = ?`, id)
	return s.scanEvent(row)
}

func (s *SQLite) scanEvent(row *sql.Row) (*nostr.Event, error) {
	var evt nostr.Event
	var createdAt int64
	var content []byte
	var compressed bool
	var tagsJSON []byte
	if err := row.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &content, &compressed, &tagsJSON, &evt.Sig); err != nil {
		return nil, err
	}
	evt.CreatedAt = nostr.Timestamp(createdAt)
	plain, err := s.maybeDecompress(content, compressed)
	if err != nil {
		return nil, err
	}
	evt.Content = plain
	tags, err := decodeTags(tagsJSON)
	if err != nil {
		return nil, err
	}
	evt.Tags = tags
	return &evt, nil
}

func (s *SQLite) deleteLocked(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM event_tags WHERE event_id = ?`, id)
	return err
}

// Query translates filter into a SQL query, applying the tag join when
// "#X" constraints are present, then filters the remainder (ids/authors
// prefixes, search) in Go since SQLite's LIKE cannot express prefix sets
// efficiently for arbitrary-length hex prefixes.
func (s *SQLite) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	query, args := buildSelect(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var events []*nostr.Event
	for rows.Next() {
		var evt nostr.Event
		var createdAt int64
		var content []byte
		var compressed bool
		var tagsJSON []byte
		if err := rows.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &content, &compressed, &tagsJSON, &evt.Sig); err != nil {
			return nil, err
		}
		evt.CreatedAt = nostr.Timestamp(createdAt)
		plain, err := s.maybeDecompress(content, compressed)
		if err != nil {
			return nil, err
		}
		evt.Content = plain
		tags, err := decodeTags(tagsJSON)
		if err != nil {
			return nil, err
		}
		evt.Tags = tags
		events = append(events, &evt)
	}
	return applyGoSideFilters(events, filter), rows.Err()
}

// Count returns the number of events matching filter.
func (s *SQLite) Count(ctx context.Context, filter nostr.Filter) (int64, error) {
	events, err := s.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// Remove deletes every event matching filter.
func (s *SQLite) Remove(ctx context.Context, filter nostr.Filter) error {
	events, err := s.Query(ctx, filter)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, evt := range events {
		if err := s.deleteLocked(ctx, tx, evt.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func buildSelect(filter nostr.Filter) (string, []any) {
	var b strings.Builder
	var args []any
	b.WriteString(`SELECT DISTINCT events.id, events.pubkey, events.kind, events.created_at, events.content, events.content_compressed, events.tags_json, events.sig FROM events`)

	joinIdx := 0
	for name, values := range filter.Tags {
		joinIdx++
		alias := fmt.Sprintf("t%d", joinIdx)
		b.WriteString(fmt.Sprintf(" JOIN event_tags %s ON %s.event_id = events.id AND %s.name = ?", alias, alias, alias))
		args = append(args, name)
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			args = append(args, v)
		}
		b.WriteString(fmt.Sprintf(" AND %s.value IN (%s)", alias, strings.Join(placeholders, ",")))
	}

	var where []string
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		where = append(where, fmt.Sprintf("events.kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Since != nil {
		where = append(where, "events.created_at >= ?")
		args = append(args, int64(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "events.created_at <= ?")
		args = append(args, int64(*filter.Until))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY events.created_at DESC, events.id ASC")
	return b.String(), args
}

// applyGoSideFilters re-checks IDs/Authors/Search against filtermatch's
// relay-policy semantics; the SQL query above already narrowed on
// kinds/since/until/tags, but prefix matching and the search
// sort-directive rule are cheaper to apply in Go than in SQL.
func applyGoSideFilters(events []*nostr.Event, filter nostr.Filter) []*nostr.Event {
	idOnly := nostr.Filter{IDs: filter.IDs, Authors: filter.Authors, Search: filter.Search}
	out := events[:0]
	for _, evt := range events {
		if !filtermatch.Matches(evt, idOnly) {
			continue
		}
		out = append(out, evt)
	}
	limit := filtermatch.EffectiveLimit(filter, 500, 5000)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *SQLite) maybeCompress(content string) ([]byte, bool) {
	if len(content) < contentCompressThreshold {
		return []byte(content), false
	}
	compressed := s.encoder.EncodeAll([]byte(content), nil)
	if len(compressed) >= len(content) {
		return []byte(content), false
	}
	return compressed, true
}

func (s *SQLite) maybeDecompress(data []byte, compressed bool) (string, error) {
	if !compressed {
		return string(data), nil
	}
	plain, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("decompress content: %w", err)
	}
	return string(plain), nil
}

func encodeTags(tags nostr.Tags) ([]byte, error) {
	return json.Marshal(tags)
}

func decodeTags(data []byte) (nostr.Tags, error) {
	var tags nostr.Tags
	if len(data) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}
