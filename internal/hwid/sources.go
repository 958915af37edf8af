package hwid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
)

// macSource returns the MAC of the first physical-looking interface.
// Loopback, multicast and locally administered (randomized) addresses are skipped.
func macSource() Source {
	return Source{Name: "mac", Reliable: true, Probe: func() (string, error) {
		ifaces, err := net.Interfaces()
		if err != nil {
			return "", err
		}
		for _, ifc := range ifaces {
			if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) < 6 {
				continue
			}
			hw := ifc.HardwareAddr
			if hw[0]&0x01 != 0 || hw[0]&0x02 != 0 {
				continue
			}
			if s := hw.String(); s != "00:00:00:00:00:00" {
				return s, nil
			}
		}
		return "", errors.New("no physical interface")
	}}
}

func hostnameSource() Source {
	return Source{Name: "hostname", Reliable: false, Probe: func() (string, error) {
		h, err := os.Hostname()
		return strings.ToLower(h), err
	}}
}

// fileSource reads a single-line identifier from path.
func fileSource(name, path string) Source {
	return Source{Name: name, Reliable: true, Probe: func() (string, error) {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}}
}

// hashed wraps a probe so verbose values (CPU brand strings) contribute a fixed-size digest.
func hashed(s Source) Source {
	probe := s.Probe
	s.Probe = func() (string, error) {
		v, err := probe()
		if err != nil || strings.TrimSpace(v) == "" {
			return "", err
		}
		sum := sha256.Sum256([]byte(strings.TrimSpace(v)))
		return hex.EncodeToString(sum[:8]), nil
	}
	return s
}
