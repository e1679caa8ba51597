package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		UNIQUE (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS vpn_profiles (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		config_data TEXT NOT NULL,
		check_ip TEXT,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		owner_id TEXT NOT NULL,
		UNIQUE (owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id UUID PRIMARY KEY,
		client_name TEXT NOT NULL,
		ip_address TEXT NOT NULL UNIQUE,
		node TEXT,
		mac TEXT,
		status TEXT,
		credential_id BIGINT REFERENCES credentials(id) ON DELETE SET NULL,
		is_maestro BOOLEAN NOT NULL DEFAULT FALSE,
		maestro_id UUID,
		vpn_profile_id BIGINT REFERENCES vpn_profiles(id) ON DELETE SET NULL,
		owner_id TEXT NOT NULL,
		last_auth_ok TIMESTAMPTZ,
		last_auth_fail TIMESTAMPTZ,
		rotations_count INTEGER,
		wg_address TEXT,
		updated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS monitors (
		id BIGSERIAL PRIMARY KEY,
		device_id UUID NOT NULL UNIQUE REFERENCES devices(id) ON DELETE CASCADE,
		owner_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		id BIGSERIAL PRIMARY KEY,
		monitor_id BIGINT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
		sensor_type TEXT NOT NULL,
		name TEXT NOT NULL,
		config JSONB NOT NULL,
		owner_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notification_channels (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config JSONB NOT NULL,
		owner_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ping_results (
		id BIGSERIAL PRIMARY KEY,
		sensor_id BIGINT NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		latency_ms INTEGER,
		status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ping_results_sensor_ts ON ping_results (sensor_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS ethernet_results (
		id BIGSERIAL PRIMARY KEY,
		sensor_id BIGINT NOT NULL REFERENCES sensors(id) ON DELETE CASCADE,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		status TEXT NOT NULL,
		speed TEXT,
		rx_bitrate TEXT,
		tx_bitrate TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ethernet_results_sensor_ts ON ethernet_results (sensor_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_history (
		id BIGSERIAL PRIMARY KEY,
		sensor_id BIGINT NOT NULL,
		channel_id BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		details JSONB
	)`,
}

// Migrate applies the idempotent schema. Gated by RUN_DB_MIGRATIONS.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	s.log.Info("store: migrations applied", "count", len(migrations))
	return nil
}
