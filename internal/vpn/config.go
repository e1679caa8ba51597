package vpn

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	rePrivateKey = regexp.MustCompile(`(?mi)^PrivateKey\s*=\s*\S+`)
	reAddressV4  = regexp.MustCompile(`(?mi)^Address\s*=\s*\d+\.\d+\.\d+\.\d+/\d+`)
	rePeerBlock  = regexp.MustCompile(`(?mi)^\[Peer\]`)
	rePublicKey  = regexp.MustCompile(`(?mi)^PublicKey\s*=\s*\S+`)
	reAllowedIPs = regexp.MustCompile(`(?mi)^AllowedIPs\s*=\s*\S+`)
)

// ValidateConfig checks that a WireGuard config has the essential
// [Interface]/[Peer] fields. Returns a tenant-facing error on failure.
func ValidateConfig(raw string) error {
	if raw == "" || !strings.Contains(raw, "[Interface]") || !strings.Contains(raw, "[Peer]") {
		return fmt.Errorf("invalid config: missing [Interface] or [Peer]")
	}
	if !rePrivateKey.MatchString(raw) {
		return fmt.Errorf("invalid config: missing PrivateKey in [Interface]")
	}
	if !reAddressV4.MatchString(raw) {
		return fmt.Errorf("invalid config: missing IPv4 Address in [Interface]")
	}
	if !rePeerBlock.MatchString(raw) {
		return fmt.Errorf("invalid config: missing [Peer] block")
	}
	if !rePublicKey.MatchString(raw) {
		return fmt.Errorf("invalid config: missing PublicKey in [Peer]")
	}
	if !reAllowedIPs.MatchString(raw) {
		return fmt.Errorf("invalid config: missing AllowedIPs in [Peer]")
	}
	return nil
}

// NormalizeConfig rewrites a WireGuard config for storage: DNS lines are
// dropped, Address keeps only its first IPv4 entry and AllowedIPs collapses
// to 0.0.0.0/0 or an IPv4-only list. The transform is idempotent.
func NormalizeConfig(raw string) string {
	var out []string
	for _, ln := range strings.Split(raw, "\n") {
		l := strings.TrimSpace(ln)
		if l == "" {
			continue
		}
		lower := strings.ToLower(l)
		switch {
		case strings.HasPrefix(lower, "dns"):
			if key, _, found := strings.Cut(l, "="); found && strings.TrimSpace(strings.ToLower(key)) == "dns" {
				continue
			}
			out = append(out, ln)
		case strings.HasPrefix(lower, "address"):
			_, val, _ := strings.Cut(l, "=")
			parts := splitTrim(val)
			ipv4 := parts[0]
			for _, p := range parts {
				if strings.Contains(p, ".") {
					ipv4 = p
					break
				}
			}
			out = append(out, "Address = "+ipv4)
		case strings.HasPrefix(lower, "allowedips"):
			_, val, _ := strings.Cut(l, "=")
			parts := splitTrim(val)
			switch {
			case contains(parts, "0.0.0.0/32"), contains(parts, "0.0.0.0/0"):
				out = append(out, "AllowedIPs = 0.0.0.0/0")
			default:
				var v4 []string
				for _, p := range parts {
					if strings.Contains(p, ".") {
						v4 = append(v4, p)
					}
				}
				if len(v4) > 0 {
					out = append(out, "AllowedIPs = "+strings.Join(v4, ","))
				}
			}
		default:
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n") + "\n"
}

// InjectTableOff inserts "Table = off" into the [Interface] section when
// absent, so wg-quick leaves routing to the policy tables we manage.
func InjectTableOff(raw string) string {
	if raw == "" {
		return raw
	}
	var out []string
	inIface := false
	hasTable := false
	for _, ln := range strings.Split(strings.TrimRight(raw, "\n"), "\n") {
		l := strings.TrimSpace(ln)
		if strings.HasPrefix(l, "[") && strings.HasSuffix(l, "]") {
			if inIface && !hasTable {
				out = append(out, "Table = off")
			}
			inIface = strings.EqualFold(l, "[interface]")
			hasTable = false
			out = append(out, ln)
			continue
		}
		if inIface && strings.HasPrefix(strings.ToLower(l), "table") {
			hasTable = true
		}
		out = append(out, ln)
	}
	if inIface && !hasTable {
		out = append(out, "Table = off")
	}
	return strings.Join(out, "\n") + "\n"
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
