package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tradingstarllc/moltlaunch-verify/pkg/models"
)

// DB is the narrow pgx surface the store needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store over pgx.
type Postgres struct {
	DB DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{DB: db}
}

const agentColumns = `agent_id, level, label, challenge_code, challenge_token, endpoint_url,
	code_url, origin_hash, registered_day, anchor_sig, revoked, expires_at,
	level_times, created_at, updated_at`

func (p *Postgres) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	row := p.DB.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id=$1`, id)
	return scanAgent(row)
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	var levelTimes []byte
	err := row.Scan(&a.ID, &a.Level, &a.Label, &a.ChallengeCode, &a.ChallengeToken,
		&a.EndpointURL, &a.CodeURL, &a.OriginHash, &a.RegisteredDay, &a.AnchorSignature,
		&a.Revoked, &a.ExpiresAt, &levelTimes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if len(levelTimes) > 0 {
		_ = json.Unmarshal(levelTimes, &a.LevelTimes)
	}
	return a, nil
}

func (p *Postgres) CreateAgent(ctx context.Context, a models.Agent) error {
	levelTimes, err := json.Marshal(a.LevelTimes)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO agents(`+agentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, a.ID, a.Level, a.Label, a.ChallengeCode, a.ChallengeToken, a.EndpointURL,
		a.CodeURL, a.OriginHash, a.RegisteredDay, a.AnchorSignature, a.Revoked,
		a.ExpiresAt, levelTimes, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) UpdateAgent(ctx context.Context, a models.Agent) error {
	levelTimes, err := json.Marshal(a.LevelTimes)
	if err != nil {
		return err
	}
	tag, err := p.DB.Exec(ctx, `
		UPDATE agents SET level=$2, label=$3, challenge_code=$4, challenge_token=$5,
			endpoint_url=$6, code_url=$7, anchor_sig=$8, revoked=$9, expires_at=$10,
			level_times=$11, updated_at=$12
		WHERE agent_id=$1
	`, a.ID, a.Level, a.Label, a.ChallengeCode, a.ChallengeToken, a.EndpointURL,
		a.CodeURL, a.AnchorSignature, a.Revoked, a.ExpiresAt, levelTimes, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.DB.Query(ctx, `SELECT agent_id FROM agents ORDER BY agent_id`)
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

func (p *Postgres) AgentsByEndpoint(ctx context.Context, endpointURL string) ([]models.Agent, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE endpoint_url=$1 ORDER BY agent_id
	`, endpointURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CountRegistrationsByOrigin(ctx context.Context, originHash, day string) (int, error) {
	var count int
	err := p.DB.QueryRow(ctx, `
		SELECT count(*) FROM agents WHERE origin_hash=$1 AND registered_day=$2
	`, originHash, day).Scan(&count)
	return count, err
}

func (p *Postgres) GetExtended(ctx context.Context, agentID string) (models.ExtendedVerification, error) {
	var v models.ExtendedVerification
	var features []byte
	err := p.DB.QueryRow(ctx, `
		SELECT agent_id, fingerprint_hash, uniqueness, features, hw_provider,
			hw_device_id, binding_hash, device_pubkey, anchor_sig, updated_at
		FROM extended_verifications WHERE agent_id=$1
	`, agentID).Scan(&v.AgentID, &v.FingerprintHash, &v.Uniqueness, &features,
		&v.HWProvider, &v.HWDeviceID, &v.BindingHash, &v.DevicePublicKey,
		&v.AnchorSignature, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if len(features) > 0 {
		_ = json.Unmarshal(features, &v.Features)
	}
	return v, nil
}

func (p *Postgres) UpsertExtended(ctx context.Context, v models.ExtendedVerification) error {
	features, err := json.Marshal(v.Features)
	if err != nil {
		return err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO extended_verifications(agent_id, fingerprint_hash, uniqueness,
			features, hw_provider, hw_device_id, binding_hash, device_pubkey,
			anchor_sig, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (agent_id) DO UPDATE SET
			fingerprint_hash=EXCLUDED.fingerprint_hash,
			uniqueness=EXCLUDED.uniqueness,
			features=EXCLUDED.features,
			hw_provider=EXCLUDED.hw_provider,
			hw_device_id=EXCLUDED.hw_device_id,
			binding_hash=EXCLUDED.binding_hash,
			device_pubkey=EXCLUDED.device_pubkey,
			anchor_sig=EXCLUDED.anchor_sig,
			updated_at=EXCLUDED.updated_at
	`, v.AgentID, v.FingerprintHash, v.Uniqueness, features, v.HWProvider,
		v.HWDeviceID, v.BindingHash, v.DevicePublicKey, v.AnchorSignature, v.UpdatedAt)
	return err
}

func (p *Postgres) ListExtendedIDs(ctx context.Context) ([]string, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT agent_id FROM extended_verifications
		WHERE fingerprint_hash <> '' ORDER BY agent_id
	`)
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

func (p *Postgres) AppendSignal(ctx context.Context, s models.SybilSignal) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO sybil_signals(signal_id, agent_id, signal_type, signal_value, detected_at)
		VALUES ($1,$2,$3,$4,$5)
	`, s.SignalID, s.AgentID, s.Type, s.Value, s.DetectedAt)
	return err
}

func (p *Postgres) ListSignals(ctx context.Context, agentID string) ([]models.SybilSignal, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT signal_id, agent_id, signal_type, signal_value, detected_at
		FROM sybil_signals WHERE agent_id=$1 ORDER BY detected_at
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SybilSignal
	for rows.Next() {
		var s models.SybilSignal
		if err := rows.Scan(&s.SignalID, &s.AgentID, &s.Type, &s.Value, &s.DetectedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreatePendingAnchor(ctx context.Context, a models.PendingAnchor) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO pending_anchors(anchor_id, agent_id, memo, retries, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, a.AnchorID, a.AgentID, a.Memo, a.Retries, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) ListPendingAnchors(ctx context.Context, maxRetries int) ([]models.PendingAnchor, error) {
	sql := `SELECT anchor_id, agent_id, memo, retries, created_at FROM pending_anchors`
	var rows pgx.Rows
	var err error
	if maxRetries >= 0 {
		rows, err = p.DB.Query(ctx, sql+` WHERE retries < $1 ORDER BY created_at`, maxRetries)
	} else {
		rows, err = p.DB.Query(ctx, sql+` ORDER BY created_at`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PendingAnchor
	for rows.Next() {
		var a models.PendingAnchor
		if err := rows.Scan(&a.AnchorID, &a.AgentID, &a.Memo, &a.Retries, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) DeletePendingAnchor(ctx context.Context, anchorID string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM pending_anchors WHERE anchor_id=$1`, anchorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) IncrementAnchorRetries(ctx context.Context, anchorID string) (int, error) {
	var retries int
	err := p.DB.QueryRow(ctx, `
		UPDATE pending_anchors SET retries = retries + 1 WHERE anchor_id=$1 RETURNING retries
	`, anchorID).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return retries, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
