package egress

import (
	"fmt"
	"strings"
)

// hostBlocklist matches hostnames against exact entries and "*.suffix"
// wildcards. A nil list blocks nothing.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostBlocklist(patterns []string) *hostBlocklist {
	bl := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case strings.HasPrefix(value, "*."):
			bl.addSuffix(strings.TrimSuffix(strings.TrimPrefix(value, "*."), "."))
		case strings.HasPrefix(value, "."):
			bl.addSuffix(strings.TrimSuffix(strings.TrimPrefix(value, "."), "."))
		default:
			value = strings.TrimSuffix(value, ".")
			if value == "" || strings.Contains(value, "*") {
				continue
			}
			bl.exact[value] = struct{}{}
		}
	}
	if len(bl.exact) == 0 && len(bl.suffixes) == 0 {
		return nil
	}
	return bl
}

func (b *hostBlocklist) addSuffix(suffix string) {
	if suffix == "" || strings.Contains(suffix, "*") {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *hostBlocklist) blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// BlockedHostError is returned for requests to a denied hostname.
type BlockedHostError struct {
	Host string
}

func (e *BlockedHostError) Error() string {
	return fmt.Sprintf("%s: host %s is blocked", ErrInsecureConnection, e.Host)
}

func (e *BlockedHostError) Is(target error) bool {
	return target == ErrInsecureConnection
}
