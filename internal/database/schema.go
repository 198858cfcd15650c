package database

import "context"

// Schema creates the tables used by the repositories. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS approvers (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	role        TEXT NOT NULL CHECK (role IN ('department_manager', 'asset_manager', 'final_approver')),
	department  TEXT,
	email       TEXT,
	phone       TEXT,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS return_workflows (
	id              UUID PRIMARY KEY,
	request_id      TEXT NOT NULL,
	request_type    TEXT NOT NULL DEFAULT 'return',
	asset_id        TEXT NOT NULL,
	requester_id    TEXT NOT NULL,
	current_step    TEXT NOT NULL,
	status          TEXT NOT NULL CHECK (status IN ('active', 'rejected', 'completed')),
	asset_name      TEXT,
	requester_name  TEXT,
	department      TEXT,
	urgency         TEXT,
	reason          TEXT,
	version         BIGINT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS return_workflow_steps (
	id            UUID PRIMARY KEY,
	workflow_id   UUID NOT NULL REFERENCES return_workflows(id) ON DELETE CASCADE,
	seq           INTEGER NOT NULL,
	step_id       TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'rejected')),
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	assigned_to   TEXT,
	completed_by  TEXT,
	action        TEXT NOT NULL,
	comments      TEXT NOT NULL DEFAULT '',
	UNIQUE (workflow_id, seq)
);

CREATE TABLE IF NOT EXISTS return_workflow_audit_log (
	id             UUID PRIMARY KEY,
	workflow_id    UUID NOT NULL,
	step_id        TEXT,
	action         TEXT NOT NULL,
	performed_by   TEXT NOT NULL,
	performed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status_before  TEXT,
	status_after   TEXT,
	metadata       JSONB
);

CREATE INDEX IF NOT EXISTS idx_return_workflows_status ON return_workflows(status);
CREATE INDEX IF NOT EXISTS idx_return_workflows_department ON return_workflows(department);
CREATE INDEX IF NOT EXISTS idx_return_workflow_steps_pending
	ON return_workflow_steps(assigned_to) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_return_workflow_audit_workflow ON return_workflow_audit_log(workflow_id);
`

// Migrate applies Schema.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
