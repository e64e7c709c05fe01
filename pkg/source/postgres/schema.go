package postgres

import "fmt"

// SchemaSQL returns the DDL for the directory and message tables plus a
// trigger that publishes every inserted message on channel.
func SchemaSQL(channel string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS correspondents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	position   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	sender_id     TEXT NOT NULL,
	recipient_id  TEXT NOT NULL,
	body          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	read_at       TIMESTAMPTZ,
	message_type  TEXT NOT NULL DEFAULT 'text'
);

CREATE INDEX IF NOT EXISTS messages_sender_created_idx ON messages (sender_id, created_at);
CREATE INDEX IF NOT EXISTS messages_recipient_created_idx ON messages (recipient_id, created_at);

CREATE OR REPLACE FUNCTION %[1]s_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%[1]s', json_build_object('id', NEW.id, 'sender_id', NEW.sender_id, 'recipient_id', NEW.recipient_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %[1]s_notify ON messages;
CREATE TRIGGER %[1]s_notify AFTER INSERT ON messages
	FOR EACH ROW EXECUTE FUNCTION %[1]s_notify();
`, channel)
}
