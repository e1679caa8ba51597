package store

import (
	"context"
	"fmt"
)

func (s *Store) CreateVPNProfile(ctx context.Context, p *VPNProfile) error {
	if p.IsDefault {
		if err := s.clearDefaultProfile(ctx, p.OwnerID); err != nil {
			return err
		}
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO vpn_profiles (name, config_data, check_ip, is_default, owner_id)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		p.Name, p.ConfigData, p.CheckIP, p.IsDefault, p.OwnerID)
	if err := row.Scan(&p.ID); err != nil {
		return mapErr(err)
	}
	return nil
}

// clearDefaultProfile keeps the at-most-one-default-per-tenant invariant.
func (s *Store) clearDefaultProfile(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE vpn_profiles SET is_default = FALSE WHERE owner_id = $1 AND is_default = TRUE`, owner)
	return err
}

func (s *Store) ListVPNProfiles(ctx context.Context, owner string) ([]VPNProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, config_data, check_ip, is_default, owner_id
		 FROM vpn_profiles WHERE owner_id = $1 ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []VPNProfile
	for rows.Next() {
		var p VPNProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.ConfigData, &p.CheckIP, &p.IsDefault, &p.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) VPNProfileByID(ctx context.Context, owner string, id int64) (*VPNProfile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, config_data, check_ip, is_default, owner_id
		 FROM vpn_profiles WHERE id = $1 AND owner_id = $2`, id, owner)
	var p VPNProfile
	if err := row.Scan(&p.ID, &p.Name, &p.ConfigData, &p.CheckIP, &p.IsDefault, &p.OwnerID); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (s *Store) UpdateVPNProfile(ctx context.Context, p *VPNProfile) error {
	if p.IsDefault {
		if err := s.clearDefaultProfile(ctx, p.OwnerID); err != nil {
			return err
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vpn_profiles SET name = $3, config_data = $4, check_ip = $5, is_default = $6
		 WHERE id = $1 AND owner_id = $2`,
		p.ID, p.OwnerID, p.Name, p.ConfigData, p.CheckIP, p.IsDefault)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vpn profile %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteVPNProfile(ctx context.Context, owner string, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vpn_profiles WHERE id = $1 AND owner_id = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("vpn profile %d: %w", id, ErrNotFound)
	}
	return nil
}

// VPNProfileConfig implements vpn.ProfileLoader. Unscoped: callers reach it
// only through devices they already own.
func (s *Store) VPNProfileConfig(ctx context.Context, id int64) (string, error) {
	row := s.pool.QueryRow(ctx, `SELECT config_data FROM vpn_profiles WHERE id = $1`, id)
	var cfg string
	if err := row.Scan(&cfg); err != nil {
		return "", mapErr(err)
	}
	return cfg, nil
}
