package store

import "context"

// EnsureSchema creates the verification tables when they do not exist yet.
// verifyd runs it once on boot; production deployments may manage the same
// DDL through migrations instead.
func EnsureSchema(ctx context.Context, db DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id        TEXT PRIMARY KEY,
			level           INT NOT NULL DEFAULT 0,
			label           TEXT NOT NULL DEFAULT 'registered',
			challenge_code  TEXT NOT NULL DEFAULT '',
			challenge_token TEXT NOT NULL DEFAULT '',
			endpoint_url    TEXT NOT NULL DEFAULT '',
			code_url        TEXT NOT NULL DEFAULT '',
			origin_hash     TEXT NOT NULL DEFAULT '',
			registered_day  TEXT NOT NULL DEFAULT '',
			anchor_sig      TEXT NOT NULL DEFAULT '',
			revoked         BOOLEAN NOT NULL DEFAULT FALSE,
			expires_at      TIMESTAMPTZ NOT NULL,
			level_times     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agents_origin_day_idx ON agents(origin_hash, registered_day)`,
		`CREATE INDEX IF NOT EXISTS agents_endpoint_idx ON agents(endpoint_url) WHERE endpoint_url <> ''`,
		`CREATE TABLE IF NOT EXISTS extended_verifications (
			agent_id         TEXT PRIMARY KEY REFERENCES agents(agent_id),
			fingerprint_hash TEXT NOT NULL DEFAULT '',
			uniqueness       DOUBLE PRECISION NOT NULL DEFAULT 0,
			features         JSONB,
			hw_provider      TEXT NOT NULL DEFAULT '',
			hw_device_id     TEXT NOT NULL DEFAULT '',
			binding_hash     TEXT NOT NULL DEFAULT '',
			device_pubkey    TEXT NOT NULL DEFAULT '',
			anchor_sig       TEXT NOT NULL DEFAULT '',
			updated_at       TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sybil_signals (
			signal_id    TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			signal_type  TEXT NOT NULL,
			signal_value TEXT NOT NULL DEFAULT '',
			detected_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sybil_signals_agent_idx ON sybil_signals(agent_id)`,
		`CREATE TABLE IF NOT EXISTS pending_anchors (
			anchor_id  TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			memo       TEXT NOT NULL,
			retries    INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
