package database

const schema = `
CREATE TABLE IF NOT EXISTS customers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    slug TEXT NOT NULL DEFAULT '',
    archive_repo_path TEXT NOT NULL DEFAULT '',
    archive_remote TEXT NOT NULL DEFAULT '',
    gitea_url TEXT NOT NULL DEFAULT '',
    gitea_repo TEXT NOT NULL DEFAULT '',
    gitea_token TEXT NOT NULL DEFAULT '',
    discord_webhook TEXT NOT NULL DEFAULT '',
    telegram_chat_id INTEGER NOT NULL DEFAULT 0,
    telegram_topic_id INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS whitelist_entries (
    address TEXT PRIMARY KEY,
    customer_id INTEGER NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
    salutation TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mail_accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    host TEXT NOT NULL,
    port INTEGER NOT NULL DEFAULT 110,
    username TEXT NOT NULL,
    password TEXT NOT NULL,
    auth_method TEXT NOT NULL DEFAULT 'user',
    use_tls BOOLEAN NOT NULL DEFAULT false,
    enabled BOOLEAN NOT NULL DEFAULT true,
    poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(host, username)
);

CREATE TABLE IF NOT EXISTS mail_account_state (
    account_id INTEGER PRIMARY KEY REFERENCES mail_accounts(id) ON DELETE CASCADE,
    last_poll_at DATETIME,
    last_success_at DATETIME,
    last_message_count INTEGER NOT NULL DEFAULT 0,
    last_mailbox_size INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pop3_seen (
    account_id INTEGER NOT NULL REFERENCES mail_accounts(id) ON DELETE CASCADE,
    uidl TEXT NOT NULL,
    seen_at DATETIME NOT NULL,
    PRIMARY KEY(account_id, uidl)
);

CREATE TABLE IF NOT EXISTS processed_emails (
    message_id TEXT PRIMARY KEY,
    customer_id INTEGER NOT NULL DEFAULT 0,
    direction TEXT NOT NULL,
    from_address TEXT NOT NULL DEFAULT '',
    to_addresses TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    thread_id INTEGER,
    status TEXT NOT NULL,
    processed_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id INTEGER NOT NULL REFERENCES customers(id),
    normalized_subject TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    last_activity_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id INTEGER NOT NULL REFERENCES threads(id),
    customer_id INTEGER NOT NULL,
    message_id TEXT NOT NULL,
    in_reply_to TEXT NOT NULL DEFAULT '',
    references_header TEXT NOT NULL DEFAULT '',
    direction TEXT NOT NULL,
    from_address TEXT NOT NULL DEFAULT '',
    to_addresses TEXT NOT NULL DEFAULT '',
    cc_addresses TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    body_preview TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    email_date DATETIME NOT NULL,
    processed_at DATETIME NOT NULL,
    UNIQUE(customer_id, message_id)
);

CREATE TABLE IF NOT EXISTS thread_issues (
    thread_id INTEGER PRIMARY KEY REFERENCES threads(id),
    issue_number INTEGER NOT NULL,
    issue_url TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS relay_users (
    username TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS relay_targets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    customer_id INTEGER REFERENCES customers(id) ON DELETE CASCADE,
    relay_username TEXT,
    host TEXT NOT NULL,
    port INTEGER NOT NULL DEFAULT 25,
    username TEXT NOT NULL DEFAULT '',
    password TEXT NOT NULL DEFAULT '',
    tls_mode TEXT NOT NULL DEFAULT 'starttls',
    enabled BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS relay_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    customer_id INTEGER NOT NULL,
    target_id INTEGER NOT NULL REFERENCES relay_targets(id),
    mail_from TEXT NOT NULL,
    recipients TEXT NOT NULL,
    raw BLOB NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at DATETIME NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE(message_id, customer_id)
);

CREATE TABLE IF NOT EXISTS stage_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL,
    customer_id INTEGER NOT NULL,
    stage TEXT NOT NULL,
    error TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS pending_notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id INTEGER NOT NULL,
    event TEXT NOT NULL,
    deliver_after DATETIME NOT NULL,
    created_at DATETIME NOT NULL,
    sent_at DATETIME
);

CREATE TABLE IF NOT EXISTS model_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model TEXT NOT NULL,
    prompt_tokens INTEGER NOT NULL,
    completion_tokens INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_notifications (
    period TEXT PRIMARY KEY,
    notified_usd REAL NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_whitelist_customer ON whitelist_entries(customer_id);
CREATE INDEX IF NOT EXISTS idx_accounts_enabled ON mail_accounts(enabled);
CREATE INDEX IF NOT EXISTS idx_threads_subject ON threads(customer_id, normalized_subject);
CREATE INDEX IF NOT EXISTS idx_thread_emails_thread ON thread_emails(thread_id);
CREATE INDEX IF NOT EXISTS idx_relay_queue_due ON relay_queue(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_stage_failures_open ON stage_failures(stage, resolved_at);
CREATE INDEX IF NOT EXISTS idx_pending_notifications_due ON pending_notifications(sent_at, deliver_after);
CREATE INDEX IF NOT EXISTS idx_model_usage_created ON model_usage(created_at);
`
