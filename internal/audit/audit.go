// Package audit appends the action trail: every queue transition and admin
// mutation lands in audit_log, mirrored to the structured log, and optionally
// fanned out to a message broker.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Execer is the slice of pgx that audit needs. Both *pgxpool.Pool and pgx.Tx
// satisfy it, so writers can join the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EventSink receives a copy of each entry after the store write. Best effort:
// sink errors are logged and dropped.
type EventSink interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
}

type Writer struct {
	log  zerolog.Logger
	sink EventSink
}

// New builds a Writer. sink may be nil when no broker is configured.
func New(log zerolog.Logger, sink EventSink) *Writer {
	return &Writer{log: log.With().Str("component", "audit").Logger(), sink: sink}
}

// Log appends one entry through db, which may be a transaction. The meta map
// is serialized as JSON with non-ASCII text kept verbatim, so Russian reasons
// stay readable in the table.
func (w *Writer) Log(ctx context.Context, db Execer, entityType string, entityID int64, action string, meta map[string]any) error {
	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return fmt.Errorf("encode audit meta: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, meta, created_at)
		VALUES ($1, $2, $3, $4, now() at time zone 'utc')
	`, entityType, entityID, action, metaJSON)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	w.log.Info().
		Str("entity_type", entityType).
		Int64("entity_id", entityID).
		Str("action", action).
		RawJSON("meta", []byte(metaJSON)).
		Msg("audit")

	if w.sink != nil {
		w.fanOut(ctx, entityType, entityID, action, metaJSON)
	}
	return nil
}

func (w *Writer) fanOut(ctx context.Context, entityType string, entityID int64, action, metaJSON string) {
	payload, err := json.Marshal(map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"action":      action,
		"meta":        json.RawMessage(metaJSON),
	})
	if err != nil {
		return
	}
	key := fmt.Sprintf("audit.%s.%s", entityType, action)
	if err := w.sink.Publish(ctx, key, payload); err != nil {
		w.log.Warn().Str("routing_key", key).Err(err).Msg("audit fan-out failed")
	}
}

// encodeMeta marshals without HTML escaping so "<" and non-ASCII survive.
func encodeMeta(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(meta); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
