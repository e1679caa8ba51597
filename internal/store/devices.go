package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const deviceColumns = `id, client_name, ip_address, COALESCE(node,''), COALESCE(mac,''), COALESCE(status,''),
	credential_id, is_maestro, maestro_id, vpn_profile_id, owner_id,
	last_auth_ok, last_auth_fail, COALESCE(rotations_count,0), wg_address`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.ClientName, &d.IPAddress, &d.Node, &d.MAC, &d.Status,
		&d.CredentialID, &d.IsMaestro, &d.MaestroID, &d.VPNProfileID, &d.OwnerID,
		&d.LastAuthOK, &d.LastAuthFail, &d.RotationsCount, &d.WGAddress)
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO devices (id, client_name, ip_address, node, mac, status, credential_id,
			is_maestro, maestro_id, vpn_profile_id, owner_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.ClientName, d.IPAddress, d.Node, d.MAC, d.Status, d.CredentialID,
		d.IsMaestro, d.MaestroID, d.VPNProfileID, d.OwnerID)
	return mapErr(err)
}

func (s *Store) DeviceByID(ctx context.Context, owner, id string) (*Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND owner_id = $2`, id, owner)
	return scanDevice(row)
}

// DeviceByIP is unscoped; rotation and the keepalive loop key sessions by IP.
func (s *Store) DeviceByIP(ctx context.Context, ip string) (*Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE ip_address = $1`, ip)
	return scanDevice(row)
}

func (s *Store) ListDevices(ctx context.Context, owner string, isMaestro *bool) ([]Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices WHERE owner_id = $1`
	args := []any{owner}
	if isMaestro != nil {
		q += ` AND is_maestro = $2`
		args = append(args, *isMaestro)
	}
	q += ` ORDER BY client_name`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// SearchDevices returns monitored devices matching the search term on name
// or IP.
func (s *Store) SearchDevices(ctx context.Context, owner, search string) ([]Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE owner_id = $1 AND (client_name ILIKE '%'||$2||'%' OR ip_address ILIKE '%'||$2||'%')
		 ORDER BY client_name`, owner, search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) PromoteDevice(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET is_maestro = TRUE WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssociateVPN binds a VPN profile to a maestro device.
func (s *Store) AssociateVPN(ctx context.Context, owner, id string, profileID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE devices SET vpn_profile_id = $3 WHERE id = $1 AND owner_id = $2 AND is_maestro = TRUE`,
		id, owner, profileID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("maestro device %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM devices WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	return nil
}

// RotateDeviceCredential atomically points the device at a new credential
// and bumps the rotation counter. rotations_count may be NULL on legacy
// rows, hence the COALESCE.
func (s *Store) RotateDeviceCredential(ctx context.Context, ip string, credentialID int64, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices
		 SET credential_id = $2, last_auth_ok = $3,
		     rotations_count = COALESCE(rotations_count, 0) + 1
		 WHERE ip_address = $1`, ip, credentialID, now)
	return err
}

func (s *Store) SetDeviceAuthOK(ctx context.Context, ip string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_auth_ok = $2 WHERE ip_address = $1`, ip, now)
	return err
}

func (s *Store) SetDeviceAuthFail(ctx context.Context, ip string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_auth_fail = $2 WHERE ip_address = $1`, ip, now)
	return err
}

// UsedWGAddresses lists every assigned WireGuard pool address.
func (s *Store) UsedWGAddresses(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wg_address FROM devices WHERE wg_address IS NOT NULL AND wg_address <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	used := make(map[string]bool)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		used[addr] = true
	}
	return used, rows.Err()
}

// SetWGAddress persists the allocated pool address. Best effort at the
// caller: failures here are logged and swallowed.
func (s *Store) SetWGAddress(ctx context.Context, deviceID, addr string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET wg_address = $2, updated_at = $3 WHERE id = $1`, deviceID, addr, now)
	return err
}
