package sensors

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// avg-rtt comes back as "<N>s<M>ms", "<M>ms" or occasionally "<U>us".
var rttPattern = regexp.MustCompile(`^(?:(\d+)s)?(?:(\d+)ms)?(?:(\d+)us)?$`)

// ParseAvgRTT converts a RouterOS avg-rtt string to whole milliseconds.
func ParseAvgRTT(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty avg-rtt")
	}
	m := rttPattern.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "" && m[3] == "") {
		return 0, fmt.Errorf("unparseable avg-rtt %q", raw)
	}
	ms := 0
	if m[1] != "" {
		secs, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		ms += secs * 1000
	}
	if m[2] != "" {
		v, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, err
		}
		ms += v
	}
	if m[3] != "" {
		us, err := strconv.Atoi(m[3])
		if err != nil {
			return 0, err
		}
		ms += us / 1000
	}
	return ms, nil
}
