// Package oath resolves the tunnel engine configuration: the local address
// used at the IP layer and the peer/key material handed to the engine.
package oath

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"

	"github.com/tartarus-sandbox/styx/pkg/domain"
)

var (
	ErrConfigNotFound  = errors.New("tunnel config not found")
	ErrConfigMalformed = errors.New("tunnel config malformed")
)

// ipLayerKeys are directives applied by this tool at the IP layer, or
// understood only by wg-quick. The engine must not see them.
var ipLayerKeys = map[string]bool{
	"address":    true,
	"dns":        true,
	"mtu":        true,
	"table":      true,
	"preup":      true,
	"postup":     true,
	"predown":    true,
	"postdown":   true,
	"saveconfig": true,
}

// Resolve reads the config file at path and extracts the local address.
func Resolve(path string) (*domain.TunnelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read tunnel config %s: %w", path, err)
	}

	addr, err := parseAddress(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &domain.TunnelConfig{
		LocalAddress:  addr.Addr(),
		PrefixLength:  addr.Bits(),
		RawConfigPath: path,
		EngineConfig:  StripIPLayer(string(raw)),
	}, nil
}

func parseAddress(raw string) (netip.Prefix, error) {
	var section string
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		key, value, sec, ok := splitLine(sc.Text())
		if sec != "" {
			section = sec
			continue
		}
		if !ok || key != "address" || (section != "" && section != "interface") {
			continue
		}
		// The first IPv4 entry of a comma separated list is bound.
		for _, entry := range strings.Split(value, ",") {
			p, err := netip.ParsePrefix(strings.TrimSpace(entry))
			if err != nil {
				return netip.Prefix{}, fmt.Errorf("%w: Address %q is not ip/prefix", ErrConfigMalformed, value)
			}
			if p.Addr().Is4() {
				return p, nil
			}
		}
		return netip.Prefix{}, fmt.Errorf("%w: Address %q has no IPv4 entry", ErrConfigMalformed, value)
	}
	if err := sc.Err(); err != nil {
		return netip.Prefix{}, fmt.Errorf("failed to scan tunnel config: %w", err)
	}
	return netip.Prefix{}, fmt.Errorf("%w: no Address line", ErrConfigMalformed)
}

// StripIPLayer comments out the directives the engine does not accept.
func StripIPLayer(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		key, _, _, ok := splitLine(line)
		if ok && ipLayerKeys[key] {
			lines[i] = "# " + line
		}
	}
	return strings.Join(lines, "\n")
}

// splitLine returns the lower-cased key and value of a `Key = value` line,
// or the lower-cased name of a `[Section]` header.
func splitLine(line string) (key, value, section string, ok bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", "", false
	}
	if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
		return "", "", strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])), false
	}
	k, v, found := strings.Cut(line, "=")
	if !found {
		return "", "", "", false
	}
	return strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v), "", true
}
