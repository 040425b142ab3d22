package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/evilpsycho42/hiboss"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no
// cgo). Grounded on the single-struct-wraps-*sql.DB shape and WAL
// pragma used for the daemon's own SQLite store.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and ensures the
// schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer (§5 cross-agent parallelism)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		name             TEXT PRIMARY KEY,
		token_hash       TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		workspace        TEXT NOT NULL DEFAULT '',
		provider         TEXT NOT NULL,
		model            TEXT NOT NULL DEFAULT '',
		reasoning_effort TEXT NOT NULL DEFAULT '',
		permission_level TEXT NOT NULL DEFAULT 'restricted',
		session_policy   TEXT NOT NULL DEFAULT '{}',
		metadata         TEXT NOT NULL DEFAULT '{}',
		created_at       INTEGER NOT NULL,
		last_seen_at     INTEGER
	);

	CREATE TABLE IF NOT EXISTS agent_bindings (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name    TEXT NOT NULL REFERENCES agents(name) ON DELETE CASCADE,
		adapter_type  TEXT NOT NULL,
		adapter_token TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		UNIQUE(agent_name, adapter_type),
		UNIQUE(adapter_type, adapter_token)
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		id                  TEXT PRIMARY KEY,
		"from"              TEXT NOT NULL,
		"to"                TEXT NOT NULL,
		from_boss           INTEGER NOT NULL DEFAULT 0,
		content_text        TEXT NOT NULL DEFAULT '',
		content_attachments TEXT NOT NULL DEFAULT '[]',
		deliver_at          INTEGER,
		status              TEXT NOT NULL CHECK (status IN ('pending','done')),
		created_at          INTEGER NOT NULL,
		metadata            TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_envelopes_to_status_deliver ON envelopes("to", status, deliver_at);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id             TEXT PRIMARY KEY,
		agent_name     TEXT NOT NULL,
		envelope_ids   TEXT NOT NULL DEFAULT '[]',
		started_at     INTEGER NOT NULL,
		completed_at   INTEGER,
		status         TEXT NOT NULL,
		response       TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		context_length INTEGER NOT NULL DEFAULT 0,
		input_tokens   INTEGER NOT NULL DEFAULT 0,
		output_tokens  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_agent_started ON agent_runs(agent_name, started_at DESC);

	CREATE TABLE IF NOT EXISTS cron_schedules (
		id                  TEXT PRIMARY KEY,
		agent_name          TEXT NOT NULL,
		cron                TEXT NOT NULL,
		timezone            TEXT NOT NULL DEFAULT '',
		enabled             INTEGER NOT NULL DEFAULT 1,
		to_address          TEXT NOT NULL,
		content_text        TEXT NOT NULL DEFAULT '',
		content_attachments TEXT NOT NULL DEFAULT '[]',
		metadata            TEXT NOT NULL DEFAULT '{}',
		pending_envelope_id TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_cron_agent ON cron_schedules(agent_name);

	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Version stamp for future migrations (§6.4).
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO config (key, value, created_at) VALUES ('schema_version', '1', ?)`,
		nowMs())
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (s *SQLiteStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTransaction wraps fn in a single SQLite transaction; nested calls
// reuse the outer transaction (§4.1 runInTransaction).
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindIO, "runInTransaction", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newErr(KindIO, "runInTransaction", err)
	}
	return nil
}

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshal(s string, v any) {
	if s == "" {
		return
	}
	json.Unmarshal([]byte(s), v)
}

// ---- agents ----

func (s *SQLiteStore) RegisterAgent(ctx context.Context, in RegisterAgentInput) (hiboss.Agent, string, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" {
		return hiboss.Agent{}, "", newErr(KindInvariant, "registerAgent", fmt.Errorf("name is required"))
	}
	plaintext, err := generateToken()
	if err != nil {
		return hiboss.Agent{}, "", newErr(KindIO, "registerAgent", err)
	}
	hash, err := hashToken(plaintext)
	if err != nil {
		return hiboss.Agent{}, "", newErr(KindIO, "registerAgent", err)
	}
	level := in.PermissionLevel
	metadata := map[string]any{}
	for k, v := range in.Metadata {
		if k == hiboss.ReservedMetadataKey {
			continue
		}
		metadata[k] = v
	}
	agent := hiboss.Agent{
		Name:            name,
		TokenHash:       hash,
		Description:     in.Description,
		Workspace:       in.Workspace,
		Provider:        in.Provider,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		PermissionLevel: level,
		SessionPolicy:   in.SessionPolicy,
		Metadata:        metadata,
		CreatedAt:       nowMs(),
	}
	_, err = s.q(ctx).ExecContext(ctx,
		`INSERT INTO agents (name, token_hash, description, workspace, provider, model,
			reasoning_effort, permission_level, session_policy, metadata, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		agent.Name, agent.TokenHash, agent.Description, agent.Workspace, string(agent.Provider),
		agent.Model, string(agent.ReasoningEffort), agent.PermissionLevel.String(),
		marshal(agent.SessionPolicy), marshal(agent.Metadata), agent.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return hiboss.Agent{}, "", newErr(KindAlreadyExists, "registerAgent", err)
		}
		return hiboss.Agent{}, "", newErr(KindIO, "registerAgent", err)
	}
	return agent, plaintext, nil
}

func scanAgent(row interface{ Scan(...any) error }) (hiboss.Agent, error) {
	var a hiboss.Agent
	var provider, effort, level, policyJSON, metaJSON string
	var lastSeen sql.NullInt64
	if err := row.Scan(&a.Name, &a.TokenHash, &a.Description, &a.Workspace, &provider, &a.Model,
		&effort, &level, &policyJSON, &metaJSON, &a.CreatedAt, &lastSeen); err != nil {
		return a, err
	}
	a.Provider = hiboss.Provider(provider)
	a.ReasoningEffort = hiboss.ReasoningEffort(effort)
	a.PermissionLevel = hiboss.ParsePermissionLevel(level)
	unmarshal(policyJSON, &a.SessionPolicy)
	unmarshal(metaJSON, &a.Metadata)
	if lastSeen.Valid {
		v := lastSeen.Int64
		a.LastSeenAt = &v
	}
	return a, nil
}

const agentColumns = `name, token_hash, description, workspace, provider, model,
	reasoning_effort, permission_level, session_policy, metadata, created_at, last_seen_at`

func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*hiboss.Agent, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, strings.ToLower(name))
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getAgent", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getAgent", err)
	}
	return &a, nil
}

func (s *SQLiteStore) FindAgentByToken(ctx context.Context, token string) (*hiboss.Agent, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+agentColumns+` FROM agents`)
	if err != nil {
		return nil, newErr(KindIO, "findAgentByToken", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, newErr(KindIO, "findAgentByToken", err)
		}
		if verifyToken(token, a.TokenHash) {
			return &a, nil
		}
	}
	return nil, newErr(KindNotFound, "findAgentByToken", fmt.Errorf("no agent matches token"))
}

func (s *SQLiteStore) VerifyBossToken(ctx context.Context, token string) (bool, error) {
	hash, ok, err := s.GetConfig(ctx, hiboss.ConfigBossTokenHash)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return verifyToken(token, hash), nil
}

// SetupBoss generates a fresh boss token, hashes it, and persists the
// boss's name/timezone/token-hash/setup_completed config keys in one
// go (§6.3 setup.execute, §6.5 config table).
func (s *SQLiteStore) SetupBoss(ctx context.Context, name, timezone string, nowMs int64) (string, error) {
	plaintext, err := generateToken()
	if err != nil {
		return "", newErr(KindIO, "setupBoss", err)
	}
	hash, err := hashToken(plaintext)
	if err != nil {
		return "", newErr(KindIO, "setupBoss", err)
	}
	err = s.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.SetConfig(ctx, hiboss.ConfigBossTokenHash, hash, nowMs); err != nil {
			return err
		}
		if err := s.SetConfig(ctx, hiboss.ConfigBossName, name, nowMs); err != nil {
			return err
		}
		if timezone != "" {
			if err := s.SetConfig(ctx, hiboss.ConfigBossTimezone, timezone, nowMs); err != nil {
				return err
			}
		}
		return s.SetConfig(ctx, hiboss.ConfigSetupCompleted, "true", nowMs)
	})
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// IsSetupComplete reports whether setup.execute has already run.
func (s *SQLiteStore) IsSetupComplete(ctx context.Context) (bool, error) {
	v, ok, err := s.GetConfig(ctx, hiboss.ConfigSetupCompleted)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]hiboss.Agent, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, newErr(KindIO, "listAgents", err)
	}
	defer rows.Close()
	var out []hiboss.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, newErr(KindIO, "listAgents", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent hiboss.Agent) error {
	metadata := map[string]any{}
	for k, v := range agent.Metadata {
		metadata[k] = v
	}
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE agents SET description=?, workspace=?, provider=?, model=?, reasoning_effort=?,
			permission_level=?, session_policy=?, metadata=? WHERE name=?`,
		agent.Description, agent.Workspace, string(agent.Provider), agent.Model,
		string(agent.ReasoningEffort), agent.PermissionLevel.String(),
		marshal(agent.SessionPolicy), marshal(metadata), strings.ToLower(agent.Name),
	)
	if err != nil {
		return newErr(KindIO, "updateAgent", err)
	}
	return requireRowsAffected(res, "updateAgent")
}

func (s *SQLiteStore) TouchAgentLastSeen(ctx context.Context, name string, atMs int64) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE agents SET last_seen_at=? WHERE name=?`, atMs, strings.ToLower(name))
	if err != nil {
		return newErr(KindIO, "touchAgentLastSeen", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, name string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		name = strings.ToLower(name)
		if _, err := s.q(ctx).ExecContext(ctx,
			`UPDATE envelopes SET status='done' WHERE "to"=? AND status='pending'`, hiboss.AgentAddress(name).String()); err != nil {
			return newErr(KindIO, "deleteAgent", err)
		}
		// Cron pending envelopes may be addressed to a channel, not the
		// agent inbox; close those too before the schedules go.
		if _, err := s.q(ctx).ExecContext(ctx,
			`UPDATE envelopes SET status='done' WHERE status='pending' AND id IN
				(SELECT pending_envelope_id FROM cron_schedules WHERE agent_name=? AND pending_envelope_id != '')`, name); err != nil {
			return newErr(KindIO, "deleteAgent", err)
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM cron_schedules WHERE agent_name=?`, name); err != nil {
			return newErr(KindIO, "deleteAgent", err)
		}
		if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM agent_bindings WHERE agent_name=?`, name); err != nil {
			return newErr(KindIO, "deleteAgent", err)
		}
		res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM agents WHERE name=?`, name)
		if err != nil {
			return newErr(KindIO, "deleteAgent", err)
		}
		return requireRowsAffected(res, "deleteAgent")
	})
}

// ---- bindings ----

func (s *SQLiteStore) CreateBinding(ctx context.Context, b hiboss.Binding) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO agent_bindings (agent_name, adapter_type, adapter_token, created_at) VALUES (?, ?, ?, ?)`,
		strings.ToLower(b.AgentName), b.AdapterType, b.AdapterToken, nowMs(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return newErr(KindAlreadyExists, "createBinding", err)
		}
		return newErr(KindIO, "createBinding", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBinding(ctx context.Context, agentName, adapterType string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`DELETE FROM agent_bindings WHERE agent_name=? AND adapter_type=?`, strings.ToLower(agentName), adapterType)
	if err != nil {
		return newErr(KindIO, "deleteBinding", err)
	}
	return requireRowsAffected(res, "deleteBinding")
}

func scanBinding(row interface{ Scan(...any) error }) (hiboss.Binding, error) {
	var b hiboss.Binding
	err := row.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt)
	return b, err
}

func (s *SQLiteStore) GetAgentBindingByType(ctx context.Context, agentName, adapterType string) (*hiboss.Binding, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT agent_name, adapter_type, adapter_token, created_at FROM agent_bindings WHERE agent_name=? AND adapter_type=?`,
		strings.ToLower(agentName), adapterType)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getAgentBindingByType", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getAgentBindingByType", err)
	}
	return &b, nil
}

func (s *SQLiteStore) GetBindingByAdapter(ctx context.Context, adapterType, adapterToken string) (*hiboss.Binding, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT agent_name, adapter_type, adapter_token, created_at FROM agent_bindings WHERE adapter_type=? AND adapter_token=?`,
		adapterType, adapterToken)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getBindingByAdapter", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getBindingByAdapter", err)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBindingsForAgent(ctx context.Context, agentName string) ([]hiboss.Binding, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT agent_name, adapter_type, adapter_token, created_at FROM agent_bindings WHERE agent_name=? ORDER BY adapter_type`,
		strings.ToLower(agentName))
	if err != nil {
		return nil, newErr(KindIO, "listBindingsForAgent", err)
	}
	defer rows.Close()
	var out []hiboss.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, newErr(KindIO, "listBindingsForAgent", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- envelopes ----

func (s *SQLiteStore) InsertEnvelope(ctx context.Context, e hiboss.Envelope) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT OR IGNORE INTO envelopes (id, "from", "to", from_boss, content_text, content_attachments,
			deliver_at, status, created_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.From.String(), e.To.String(), boolToInt(e.FromBoss), e.Content.Text,
		marshal(e.Content.Attachments), e.DeliverAt, string(e.Status), e.CreatedAt, marshal(e.Metadata),
	)
	if err != nil {
		return newErr(KindIO, "insertEnvelope", err)
	}
	return nil
}

func scanEnvelope(row interface{ Scan(...any) error }) (hiboss.Envelope, error) {
	var e hiboss.Envelope
	var from, to, attachmentsJSON, status, metaJSON string
	var fromBoss int
	var deliverAt sql.NullInt64
	if err := row.Scan(&e.ID, &from, &to, &fromBoss, &e.Content.Text, &attachmentsJSON,
		&deliverAt, &status, &e.CreatedAt, &metaJSON); err != nil {
		return e, err
	}
	fromAddr, err := hiboss.ParseAddress(from)
	if err != nil {
		return e, err
	}
	toAddr, err := hiboss.ParseAddress(to)
	if err != nil {
		return e, err
	}
	e.From, e.To = fromAddr, toAddr
	e.FromBoss = fromBoss != 0
	e.Status = hiboss.EnvelopeStatus(status)
	unmarshal(attachmentsJSON, &e.Content.Attachments)
	unmarshal(metaJSON, &e.Metadata)
	if deliverAt.Valid {
		v := deliverAt.Int64
		e.DeliverAt = &v
	}
	return e, nil
}

const envelopeColumns = `id, "from", "to", from_boss, content_text, content_attachments, deliver_at, status, created_at, metadata`

func (s *SQLiteStore) GetEnvelope(ctx context.Context, id string) (*hiboss.Envelope, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, id)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getEnvelope", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getEnvelope", err)
	}
	return &e, nil
}

// ResolveEnvelopePrefix finds envelopes whose id starts with hexPrefix.
func (s *SQLiteStore) ResolveEnvelopePrefix(ctx context.Context, hexPrefix string) ([]hiboss.Envelope, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE id LIKE ? ORDER BY created_at ASC`,
		hexPrefix+"%")
	if err != nil {
		return nil, newErr(KindIO, "resolveEnvelopePrefix", err)
	}
	defer rows.Close()
	var out []hiboss.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, newErr(KindIO, "resolveEnvelopePrefix", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]hiboss.Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE 1=1`
	var args []any
	if filter.To != "" {
		query += ` AND "to" = ?`
		args = append(args, filter.To)
	}
	if filter.From != "" {
		query += ` AND "from" = ?`
		args = append(args, filter.From)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newErr(KindIO, "listEnvelopes", err)
	}
	defer rows.Close()
	var out []hiboss.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, newErr(KindIO, "listEnvelopes", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPendingEnvelopesForAgent(ctx context.Context, agentName string, limit int, nowMs int64) ([]hiboss.Envelope, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes
		 WHERE "to" = ? AND status = 'pending' AND (deliver_at IS NULL OR deliver_at <= ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		hiboss.AgentAddress(strings.ToLower(agentName)).String(), nowMs, limit,
	)
	if err != nil {
		return nil, newErr(KindIO, "getPendingEnvelopesForAgent", err)
	}
	defer rows.Close()
	var out []hiboss.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, newErr(KindIO, "getPendingEnvelopesForAgent", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetDueDeferredEnvelopes(ctx context.Context, nowMs int64) ([]hiboss.Envelope, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes
		 WHERE status = 'pending' AND deliver_at IS NOT NULL AND deliver_at <= ?
		 ORDER BY created_at ASC, id ASC`, nowMs,
	)
	if err != nil {
		return nil, newErr(KindIO, "getDueDeferredEnvelopes", err)
	}
	defer rows.Close()
	var out []hiboss.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, newErr(KindIO, "getDueDeferredEnvelopes", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NextDeliverAt returns the earliest deliverAt among pending deferred
// envelopes, or nil if none exist (§4.6 EnvelopeScheduler wake time).
func (s *SQLiteStore) NextDeliverAt(ctx context.Context) (*int64, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT MIN(deliver_at) FROM envelopes WHERE status = 'pending' AND deliver_at IS NOT NULL`)
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return nil, newErr(KindIO, "nextDeliverAt", err)
	}
	if !v.Valid {
		return nil, nil
	}
	out := v.Int64
	return &out, nil
}

// MarkEnvelopesDone flips only rows still pending, returning the count
// actually changed (§4.1, §8 at-most-once delivery).
func (s *SQLiteStore) MarkEnvelopesDone(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE envelopes SET status='done' WHERE status='pending' AND id IN (%s)`, strings.Join(placeholders, ","))
	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, newErr(KindIO, "markEnvelopesDone", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newErr(KindIO, "markEnvelopesDone", err)
	}
	return int(n), nil
}

// MarkEnvelopeSent closes a channel envelope after a successful
// adapter send, recording the returned channelMessageId on its
// metadata (§6.1). The done flip keeps the EnvelopeScheduler from
// re-sending a deferred channel envelope on its next tick.
func (s *SQLiteStore) MarkEnvelopeSent(ctx context.Context, id, channelMessageID string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		env, err := s.GetEnvelope(ctx, id)
		if err != nil {
			return err
		}
		env.Metadata.ChannelMessageID = channelMessageID
		res, err := s.q(ctx).ExecContext(ctx,
			`UPDATE envelopes SET status='done', metadata=? WHERE id=?`,
			marshal(env.Metadata), id)
		if err != nil {
			return newErr(KindIO, "markEnvelopeSent", err)
		}
		return requireRowsAffected(res, "markEnvelopeSent")
	})
}

// ---- agent runs ----

func (s *SQLiteStore) CreateAgentRun(ctx context.Context, agentName string, envelopeIDs []string, startedAtMs int64) (string, error) {
	id := uuid.NewString()
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO agent_runs (id, agent_name, envelope_ids, started_at, status) VALUES (?, ?, ?, ?, 'running')`,
		id, strings.ToLower(agentName), marshal(envelopeIDs), startedAtMs,
	)
	if err != nil {
		return "", newErr(KindIO, "createAgentRun", err)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteAgentRun(ctx context.Context, id, response string, contextLength int64, usage TokenUsage, completedAtMs int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE agent_runs SET status='completed', response=?, context_length=?, input_tokens=?, output_tokens=?, completed_at=?
		 WHERE id=? AND status='running'`,
		response, contextLength, usage.InputTokens, usage.OutputTokens, completedAtMs, id,
	)
	if err != nil {
		return newErr(KindIO, "completeAgentRun", err)
	}
	return requireRowsAffected(res, "completeAgentRun")
}

func (s *SQLiteStore) FailAgentRun(ctx context.Context, id, errMsg string, completedAtMs int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE agent_runs SET status='failed', error=?, completed_at=? WHERE id=? AND status='running'`,
		errMsg, completedAtMs, id,
	)
	if err != nil {
		return newErr(KindIO, "failAgentRun", err)
	}
	return requireRowsAffected(res, "failAgentRun")
}

func (s *SQLiteStore) CancelAgentRun(ctx context.Context, id, reason string, completedAtMs int64) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE agent_runs SET status='cancelled', error=?, completed_at=? WHERE id=? AND status='running'`,
		reason, completedAtMs, id,
	)
	if err != nil {
		return newErr(KindIO, "cancelAgentRun", err)
	}
	return requireRowsAffected(res, "cancelAgentRun")
}

func scanAgentRun(row interface{ Scan(...any) error }) (hiboss.AgentRun, error) {
	var r hiboss.AgentRun
	var envelopeIDsJSON, status string
	var completedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.AgentName, &envelopeIDsJSON, &r.StartedAt, &completedAt,
		&status, &r.Response, &r.Error, &r.ContextLength, &r.InputTokens, &r.OutputTokens); err != nil {
		return r, err
	}
	r.Status = hiboss.RunStatus(status)
	unmarshal(envelopeIDsJSON, &r.EnvelopeIDs)
	if completedAt.Valid {
		v := completedAt.Int64
		r.CompletedAt = &v
	}
	return r, nil
}

const agentRunColumns = `id, agent_name, envelope_ids, started_at, completed_at, status, response, error, context_length, input_tokens, output_tokens`

func (s *SQLiteStore) GetAgentRun(ctx context.Context, id string) (*hiboss.AgentRun, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+agentRunColumns+` FROM agent_runs WHERE id=?`, id)
	r, err := scanAgentRun(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getAgentRun", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getAgentRun", err)
	}
	return &r, nil
}

// ResolveAgentRunPrefix finds agent_runs whose id starts with hexPrefix
// (the short-id resolution helper SPEC_FULL.md's SUPPLEMENTED FEATURES
// names alongside FindCronSchedulesByAgentIDPrefix).
func (s *SQLiteStore) ResolveAgentRunPrefix(ctx context.Context, hexPrefix string) ([]hiboss.AgentRun, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE id LIKE ? ORDER BY started_at DESC`,
		hexPrefix+"%")
	if err != nil {
		return nil, newErr(KindIO, "resolveAgentRunPrefix", err)
	}
	defer rows.Close()
	var out []hiboss.AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, newErr(KindIO, "resolveAgentRunPrefix", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAgentRuns(ctx context.Context, agentName string, limit int) ([]hiboss.AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE agent_name=? ORDER BY started_at DESC LIMIT ?`,
		strings.ToLower(agentName), limit)
	if err != nil {
		return nil, newErr(KindIO, "listAgentRuns", err)
	}
	defer rows.Close()
	var out []hiboss.AgentRun
	for rows.Next() {
		r, err := scanAgentRun(rows)
		if err != nil {
			return nil, newErr(KindIO, "listAgentRuns", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- cron schedules ----

func (s *SQLiteStore) CreateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO cron_schedules (id, agent_name, cron, timezone, enabled, to_address, content_text,
			content_attachments, metadata, pending_envelope_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, strings.ToLower(cs.AgentName), cs.Cron, cs.Timezone, boolToInt(cs.Enabled), cs.To.String(),
		cs.Content.Text, marshal(cs.Content.Attachments), marshal(cs.Metadata), cs.PendingEnvelopeID,
		cs.CreatedAt, cs.UpdatedAt,
	)
	if err != nil {
		return newErr(KindIO, "createCronSchedule", err)
	}
	return nil
}

func scanCronSchedule(row interface{ Scan(...any) error }) (hiboss.CronSchedule, error) {
	var cs hiboss.CronSchedule
	var enabled int
	var to, attachmentsJSON, metaJSON string
	var updatedAt sql.NullInt64
	if err := row.Scan(&cs.ID, &cs.AgentName, &cs.Cron, &cs.Timezone, &enabled, &to, &cs.Content.Text,
		&attachmentsJSON, &metaJSON, &cs.PendingEnvelopeID, &cs.CreatedAt, &updatedAt); err != nil {
		return cs, err
	}
	addr, err := hiboss.ParseAddress(to)
	if err != nil {
		return cs, err
	}
	cs.To = addr
	cs.Enabled = enabled != 0
	unmarshal(attachmentsJSON, &cs.Content.Attachments)
	unmarshal(metaJSON, &cs.Metadata)
	if updatedAt.Valid {
		cs.UpdatedAt = updatedAt.Int64
	}
	return cs, nil
}

const cronColumns = `id, agent_name, cron, timezone, enabled, to_address, content_text, content_attachments, metadata, pending_envelope_id, created_at, updated_at`

func (s *SQLiteStore) GetCronSchedule(ctx context.Context, id string) (*hiboss.CronSchedule, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+cronColumns+` FROM cron_schedules WHERE id=?`, id)
	cs, err := scanCronSchedule(row)
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, "getCronSchedule", err)
	}
	if err != nil {
		return nil, newErr(KindIO, "getCronSchedule", err)
	}
	return &cs, nil
}

func (s *SQLiteStore) ListCronSchedules(ctx context.Context) ([]hiboss.CronSchedule, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+cronColumns+` FROM cron_schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, newErr(KindIO, "listCronSchedules", err)
	}
	defer rows.Close()
	var out []hiboss.CronSchedule
	for rows.Next() {
		cs, err := scanCronSchedule(rows)
		if err != nil {
			return nil, newErr(KindIO, "listCronSchedules", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateCronSchedule(ctx context.Context, cs hiboss.CronSchedule) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE cron_schedules SET cron=?, timezone=?, enabled=?, to_address=?, content_text=?,
			content_attachments=?, metadata=?, pending_envelope_id=?, updated_at=? WHERE id=?`,
		cs.Cron, cs.Timezone, boolToInt(cs.Enabled), cs.To.String(), cs.Content.Text,
		marshal(cs.Content.Attachments), marshal(cs.Metadata), cs.PendingEnvelopeID, cs.UpdatedAt, cs.ID,
	)
	if err != nil {
		return newErr(KindIO, "updateCronSchedule", err)
	}
	return requireRowsAffected(res, "updateCronSchedule")
}

func (s *SQLiteStore) DeleteCronSchedule(ctx context.Context, id string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		cs, err := s.GetCronSchedule(ctx, id)
		if err != nil {
			return err
		}
		if cs.PendingEnvelopeID != "" {
			if _, err := s.MarkEnvelopesDone(ctx, []string{cs.PendingEnvelopeID}); err != nil {
				return err
			}
		}
		res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM cron_schedules WHERE id=?`, id)
		if err != nil {
			return newErr(KindIO, "deleteCronSchedule", err)
		}
		return requireRowsAffected(res, "deleteCronSchedule")
	})
}

func (s *SQLiteStore) FindCronSchedulesByAgentIDPrefix(ctx context.Context, agentName, hexPrefix string) ([]hiboss.CronSchedule, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+cronColumns+` FROM cron_schedules WHERE agent_name=? AND id LIKE ? ORDER BY created_at ASC`,
		strings.ToLower(agentName), hexPrefix+"%")
	if err != nil {
		return nil, newErr(KindIO, "findCronSchedulesByAgentIdPrefix", err)
	}
	defer rows.Close()
	var out []hiboss.CronSchedule
	for rows.Next() {
		cs, err := scanCronSchedule(rows)
		if err != nil {
			return nil, newErr(KindIO, "findCronSchedulesByAgentIdPrefix", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// ---- config ----

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, newErr(KindIO, "getConfig", err)
	}
	return v, true, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string, nowMs int64) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO config (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value, nowMs,
	)
	if err != nil {
		return newErr(KindIO, "setConfig", err)
	}
	return nil
}

// ---- helpers ----

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return newErr(KindIO, op, err)
	}
	if n == 0 {
		return newErr(KindNotFound, op, fmt.Errorf("no matching row"))
	}
	return nil
}
