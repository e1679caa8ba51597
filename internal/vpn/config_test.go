package vpn_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m360-net/m360/internal/vpn"
)

const sampleConfig = `[Interface]
PrivateKey = aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa=
Address = 10.66.0.2/32, fd00::2/128
DNS = 1.1.1.1

[Peer]
PublicKey = bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb=
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = vpn.example.com:51820
`

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(string) string
		expectErr string
	}{
		{
			name:   "valid_config",
			mutate: func(s string) string { return s },
		},
		{
			name:      "empty",
			mutate:    func(string) string { return "" },
			expectErr: "[Interface]",
		},
		{
			name:      "missing_peer",
			mutate:    func(s string) string { return strings.Split(s, "[Peer]")[0] },
			expectErr: "[Interface] or [Peer]",
		},
		{
			name:      "missing_private_key",
			mutate:    func(s string) string { return strings.Replace(s, "PrivateKey", "XKey", 1) },
			expectErr: "PrivateKey",
		},
		{
			name:      "ipv6_only_address",
			mutate:    func(s string) string { return strings.Replace(s, "Address = 10.66.0.2/32, fd00::2/128", "Address = fd00::2/128", 1) },
			expectErr: "IPv4 Address",
		},
		{
			name:      "missing_public_key",
			mutate:    func(s string) string { return strings.Replace(s, "PublicKey", "XKey", 1) },
			expectErr: "PublicKey",
		},
		{
			name:      "missing_allowed_ips",
			mutate:    func(s string) string { return strings.Replace(s, "AllowedIPs", "XIPs", 1) },
			expectErr: "AllowedIPs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vpn.ValidateConfig(tt.mutate(sampleConfig))
			if tt.expectErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestNormalizeConfig(t *testing.T) {
	got := vpn.NormalizeConfig(sampleConfig)

	assert.NotContains(t, got, "DNS")
	assert.Contains(t, got, "Address = 10.66.0.2/32")
	assert.NotContains(t, got, "fd00::2")
	assert.Contains(t, got, "AllowedIPs = 0.0.0.0/0")
	assert.NotContains(t, got, "::/0")
	assert.Contains(t, got, "Endpoint = vpn.example.com:51820")
}

func TestNormalizeConfig_CollapsesHostWildcard(t *testing.T) {
	raw := strings.Replace(sampleConfig, "AllowedIPs = 0.0.0.0/0, ::/0", "AllowedIPs = 0.0.0.0/32", 1)
	got := vpn.NormalizeConfig(raw)
	assert.Contains(t, got, "AllowedIPs = 0.0.0.0/0")
}

func TestNormalizeConfig_KeepsIPv4List(t *testing.T) {
	raw := strings.Replace(sampleConfig, "AllowedIPs = 0.0.0.0/0, ::/0", "AllowedIPs = 10.0.0.0/24, fd00::/64, 192.168.1.0/24", 1)
	got := vpn.NormalizeConfig(raw)
	assert.Contains(t, got, "AllowedIPs = 10.0.0.0/24,192.168.1.0/24")
}

func TestNormalizeConfig_Idempotent(t *testing.T) {
	once := vpn.NormalizeConfig(sampleConfig)
	twice := vpn.NormalizeConfig(once)
	require.Equal(t, once, twice)
}

func TestInjectTableOff(t *testing.T) {
	got := vpn.InjectTableOff(sampleConfig)
	require.Equal(t, 1, strings.Count(got, "Table = off"))

	// must land inside [Interface], before the [Peer] block
	ifaceIdx := strings.Index(got, "[Interface]")
	tableIdx := strings.Index(got, "Table = off")
	peerIdx := strings.Index(got, "[Peer]")
	assert.Greater(t, tableIdx, ifaceIdx)
	assert.Less(t, tableIdx, peerIdx)
}

func TestInjectTableOff_Idempotent(t *testing.T) {
	once := vpn.InjectTableOff(sampleConfig)
	twice := vpn.InjectTableOff(once)
	require.Equal(t, once, twice)
	require.Equal(t, 1, strings.Count(twice, "Table = off"))
}

func TestInjectTableOff_RespectsExistingTable(t *testing.T) {
	raw := strings.Replace(sampleConfig, "DNS = 1.1.1.1", "Table = 123", 1)
	got := vpn.InjectTableOff(raw)
	assert.NotContains(t, got, "Table = off")
	assert.Contains(t, got, "Table = 123")
}
