package postgres

// Schema creates every table the Repository uses. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS source_rows (
	id bigserial PRIMARY KEY,
	page_url text NOT NULL,
	page_hash text NOT NULL DEFAULT '',
	label text NOT NULL DEFAULT '',
	pdf_url text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS archive_pdf (
	page_url text NOT NULL,
	pdf_url text NOT NULL,
	label text NOT NULL DEFAULT '',
	first_seen timestamptz NOT NULL,
	deleted_at timestamptz,
	status text NOT NULL,
	PRIMARY KEY (page_url, pdf_url)
);
CREATE TABLE IF NOT EXISTS page_summary (
	page_url text PRIMARY KEY,
	last_hash text NOT NULL DEFAULT '',
	runs jsonb NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS page_history (
	run_date timestamptz NOT NULL,
	page_url text NOT NULL,
	page_updated boolean NOT NULL,
	pdf_updated boolean NOT NULL,
	added_count integer NOT NULL,
	run_user text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_log (
	exec_id text PRIMARY KEY,
	logged_at timestamptz NOT NULL,
	run_user text NOT NULL DEFAULT '',
	duration_seconds double precision NOT NULL DEFAULT 0,
	pages_processed integer NOT NULL DEFAULT 0,
	pages_updated integer NOT NULL DEFAULT 0,
	pdfs_added integer NOT NULL DEFAULT 0,
	result text NOT NULL,
	error_message text NOT NULL DEFAULT '',
	script_version text NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS changes (
	id bigserial PRIMARY KEY,
	page_url text NOT NULL,
	label text NOT NULL DEFAULT '',
	pdf_url text NOT NULL
);
CREATE TABLE IF NOT EXISTS changes_history (
	saved_at timestamptz NOT NULL,
	run_id text NOT NULL,
	pdf_url text NOT NULL,
	page_url text NOT NULL,
	expires_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS changes_history_expires_at ON changes_history (expires_at);
`
