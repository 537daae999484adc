package store

// Applied on startup. Every statement is idempotent so restarts are safe.
// Evidence, findings, links and audit_log are append-only: no UPDATE or
// DELETE is ever issued against them, and strict-create relies on the
// primary-key conflict to serialize concurrent writers.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS dataset_versions (
  dataset_version_id text PRIMARY KEY,
  registered_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence (
  evidence_id        text PRIMARY KEY,
  dataset_version_id text NOT NULL REFERENCES dataset_versions(dataset_version_id),
  engine_id          text NOT NULL,
  kind               text NOT NULL,
  stable_key         text NOT NULL,
  payload            jsonb NOT NULL,
  created_at         timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS evidence_dataset_idx ON evidence(dataset_version_id);

CREATE TABLE IF NOT EXISTS findings (
  finding_id         text PRIMARY KEY,
  dataset_version_id text NOT NULL REFERENCES dataset_versions(dataset_version_id),
  engine_id          text NOT NULL,
  category           text NOT NULL,
  stable_key         text NOT NULL,
  source_record_id   text NOT NULL,
  details            jsonb NOT NULL,
  created_at         timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS findings_dataset_idx ON findings(dataset_version_id);

CREATE TABLE IF NOT EXISTS finding_evidence_links (
  link_id     text PRIMARY KEY,
  finding_id  text NOT NULL REFERENCES findings(finding_id),
  evidence_id text NOT NULL REFERENCES evidence(evidence_id),
  created_at  timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_states (
  dataset_version_id text NOT NULL REFERENCES dataset_versions(dataset_version_id),
  subject_id         text NOT NULL,
  state              text NOT NULL,
  approved_by        text NOT NULL,
  approved_at        timestamptz NOT NULL,
  PRIMARY KEY (dataset_version_id, subject_id)
);

CREATE TABLE IF NOT EXISTS calculation_runs (
  run_id             text PRIMARY KEY,
  dataset_version_id text NOT NULL REFERENCES dataset_versions(dataset_version_id),
  engine_id          text NOT NULL,
  status             text NOT NULL,
  started_at         timestamptz NOT NULL,
  finished_at        timestamptz
);
CREATE INDEX IF NOT EXISTS calculation_runs_dataset_engine_idx
  ON calculation_runs(dataset_version_id, engine_id, started_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
  seq                bigserial PRIMARY KEY,
  entry_id           text NOT NULL UNIQUE,
  dataset_version_id text NOT NULL,
  stage              text NOT NULL,
  actor              text NOT NULL,
  outcome            text NOT NULL,
  reason             text NOT NULL,
  details            jsonb,
  at                 timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_dataset_idx ON audit_log(dataset_version_id, seq);
`
