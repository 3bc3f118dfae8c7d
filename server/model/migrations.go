package model

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE user(
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			email TEXT,
			password TEXT NOT NULL,
			is_active BOOLEAN NOT NULL,
			is_admin BOOLEAN NOT NULL,
			created_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_user_username ON user (username);

		CREATE TABLE session(
			key TEXT PRIMARY KEY,
			user_id INT NOT NULL,
			created_at INT NOT NULL,
			expires_at INT
		);
		CREATE INDEX idx_session_user_id ON session (user_id);

		CREATE TABLE server(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			port INT NOT NULL,
			interface TEXT,
			public_key TEXT NOT NULL,
			subnet TEXT NOT NULL,
			dns TEXT,
			panel_url TEXT,
			panel_password TEXT,
			is_active BOOLEAN NOT NULL,
			created_at INT NOT NULL
		);
		CREATE UNIQUE INDEX idx_server_endpoint_port ON server (endpoint, port);

		CREATE TABLE vpn_config(
			id INTEGER PRIMARY KEY,
			user_id INT NOT NULL,
			server_id INT NOT NULL,
			private_key TEXT NOT NULL,
			public_key TEXT NOT NULL,
			preshared_key TEXT NOT NULL,
			ip_address TEXT NOT NULL,
			config_text TEXT NOT NULL,
			panel_client_id TEXT,
			is_active BOOLEAN NOT NULL,
			created_at INT NOT NULL,
			deactivated_at INT
		);
		CREATE INDEX idx_vpn_config_user_id ON vpn_config (user_id);
		CREATE INDEX idx_vpn_config_server_id ON vpn_config (server_id);

		CREATE TABLE ip_allocation(
			id INTEGER PRIMARY KEY,
			server_id INT NOT NULL,
			ip_address TEXT NOT NULL,
			is_allocated BOOLEAN NOT NULL,
			vpn_config_id INT
		);
		CREATE UNIQUE INDEX idx_ip_allocation_server_ip ON ip_allocation (server_id, ip_address);

		CREATE TABLE usage_log(
			id INTEGER PRIMARY KEY,
			vpn_config_id INT NOT NULL,
			user_id INT NOT NULL,
			server_id INT NOT NULL,
			bytes_sent INT NOT NULL,
			bytes_received INT NOT NULL,
			last_handshake INT,
			created_at INT NOT NULL
		);
		CREATE INDEX idx_usage_log_vpn_config_id ON usage_log (vpn_config_id);
	`))

	// The partial index is what guarantees at most one active tunnel per
	// (user, server) pair, even under concurrent creates. Works on both
	// SQLite and Postgres.
	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE UNIQUE INDEX idx_vpn_config_active_pair ON vpn_config (user_id, server_id) WHERE is_active;
	`))

	return migs
}
