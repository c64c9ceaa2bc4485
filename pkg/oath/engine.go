package oath

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// ParseEngineConfig turns the stripped config text into an engine
// configuration. Peers are replaced wholesale so reloading converges.
func ParseEngineConfig(text string) (wgtypes.Config, error) {
	cfg := wgtypes.Config{ReplacePeers: true}
	var (
		section string
		peer    *wgtypes.PeerConfig
	)

	flush := func() error {
		if peer == nil {
			return nil
		}
		if peer.PublicKey == (wgtypes.Key{}) {
			return fmt.Errorf("%w: peer without PublicKey", ErrConfigMalformed)
		}
		cfg.Peers = append(cfg.Peers, *peer)
		peer = nil
		return nil
	}

	sc := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, value, sec, ok := splitLine(sc.Text())
		if sec != "" {
			if err := flush(); err != nil {
				return wgtypes.Config{}, err
			}
			section = sec
			if section == "peer" {
				peer = &wgtypes.PeerConfig{ReplaceAllowedIPs: true}
			} else if section != "interface" {
				return wgtypes.Config{}, fmt.Errorf("%w: line %d: unknown section [%s]", ErrConfigMalformed, lineNo, sec)
			}
			continue
		}
		if !ok {
			continue
		}

		var err error
		switch section {
		case "interface":
			err = applyInterfaceKey(&cfg, key, value)
		case "peer":
			err = applyPeerKey(peer, key, value)
		default:
			err = fmt.Errorf("%w: key %q outside any section", ErrConfigMalformed, key)
		}
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return wgtypes.Config{}, fmt.Errorf("failed to scan engine config: %w", err)
	}
	if err := flush(); err != nil {
		return wgtypes.Config{}, err
	}

	if cfg.PrivateKey == nil {
		return wgtypes.Config{}, fmt.Errorf("%w: no PrivateKey", ErrConfigMalformed)
	}
	return cfg, nil
}

func applyInterfaceKey(cfg *wgtypes.Config, key, value string) error {
	switch key {
	case "privatekey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return fmt.Errorf("%w: PrivateKey: %v", ErrConfigMalformed, err)
		}
		cfg.PrivateKey = &k
	case "listenport":
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: ListenPort %q", ErrConfigMalformed, value)
		}
		cfg.ListenPort = &port
	case "fwmark":
		mark := 0
		if value != "off" {
			m, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return fmt.Errorf("%w: FwMark %q", ErrConfigMalformed, value)
			}
			mark = int(m)
		}
		cfg.FirewallMark = &mark
	default:
		return fmt.Errorf("%w: unknown interface key %q", ErrConfigMalformed, key)
	}
	return nil
}

func applyPeerKey(peer *wgtypes.PeerConfig, key, value string) error {
	switch key {
	case "publickey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return fmt.Errorf("%w: PublicKey: %v", ErrConfigMalformed, err)
		}
		peer.PublicKey = k
	case "presharedkey":
		k, err := wgtypes.ParseKey(value)
		if err != nil {
			return fmt.Errorf("%w: PresharedKey: %v", ErrConfigMalformed, err)
		}
		peer.PresharedKey = &k
	case "endpoint":
		ep, err := net.ResolveUDPAddr("udp", value)
		if err != nil {
			return fmt.Errorf("%w: Endpoint %q: %v", ErrConfigMalformed, value, err)
		}
		peer.Endpoint = ep
	case "allowedips":
		for _, s := range strings.Split(value, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			_, ipn, err := net.ParseCIDR(s)
			if err != nil {
				return fmt.Errorf("%w: AllowedIPs %q", ErrConfigMalformed, s)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, *ipn)
		}
	case "persistentkeepalive":
		secs := 0
		if value != "off" {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 65535 {
				return fmt.Errorf("%w: PersistentKeepalive %q", ErrConfigMalformed, value)
			}
			secs = n
		}
		d := time.Duration(secs) * time.Second
		peer.PersistentKeepaliveInterval = &d
	default:
		return fmt.Errorf("%w: unknown peer key %q", ErrConfigMalformed, key)
	}
	return nil
}
