package models

import "time"

// Customer owns whitelisted addresses, threads and archival/notification targets
type Customer struct {
	ID              int64     `db:"id"`
	Name            string    `db:"name"`
	Slug            string    `db:"slug"`
	ArchiveRepoPath string    `db:"archive_repo_path"` // Local git working tree
	ArchiveRemote   string    `db:"archive_remote"`
	GiteaURL        string    `db:"gitea_url"`  // e.g. https://gitea.example.com
	GiteaRepo       string    `db:"gitea_repo"` // owner/repo
	GiteaToken      string    `db:"gitea_token"`
	DiscordWebhook  string    `db:"discord_webhook"`
	TelegramChatID  int64     `db:"telegram_chat_id"`
	TelegramTopicID int       `db:"telegram_topic_id"`
	CreatedAt       time.Time `db:"created_at"`
}

// WhitelistEntry maps an email address to its customer
type WhitelistEntry struct {
	Address    string    `db:"address"` // Lower-cased
	CustomerID int64     `db:"customer_id"`
	Salutation string    `db:"salutation"`
	CreatedAt  time.Time `db:"created_at"`
}
