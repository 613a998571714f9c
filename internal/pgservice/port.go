package pgservice

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// PortSpec is a parsed port selection. An empty spec means any free port.
type PortSpec struct {
	Ranges [][2]int // inclusive; a single port is a range of one
}

// Any reports whether the port spec accepts any free port.
func (s PortSpec) Any() bool {
	return len(s.Ranges) == 0
}

// Exact returns the port when the port spec names exactly one.
func (s PortSpec) Exact() (int, bool) {
	if len(s.Ranges) == 1 && s.Ranges[0][0] == s.Ranges[0][1] {
		return s.Ranges[0][0], true
	}
	return 0, false
}

// ParsePortSpec parses "" (any), "5432", "2000-3000", "4002,4003" or a mix
// such as "2000-3000,4002".
func ParsePortSpec(spec string) (PortSpec, error) {
	var ps PortSpec
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ps, nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := parsePort(lo)
		if err != nil {
			return ps, err
		}
		b := a
		if isRange {
			if b, err = parsePort(hi); err != nil {
				return ps, err
			}
			if b < a {
				return ps, fmt.Errorf("invalid port range %q", part)
			}
		}
		ps.Ranges = append(ps.Ranges, [2]int{a, b})
	}
	return ps, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

// PortPicker claims ports for pg_ctl servers. A claim is a
// postgresql-<port>.port file created exclusively in LockDir, so concurrent
// runs sharing LockDir never pick the same port.
type PortPicker struct {
	LockDir     string
	SearchCount int
	Host        string

	// free reports whether port can be bound; nil uses a TCP listen probe.
	free func(host string, port int) bool
}

func (p *PortPicker) isFree(port int) bool {
	if p.free != nil {
		return p.free(p.Host, port)
	}
	return listenProbe(p.Host, port)
}

func listenProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Pick selects and claims a port matching spec.
func (p *PortPicker) Pick(spec PortSpec) (int, error) {
	if err := os.MkdirAll(p.LockDir, 0755); err != nil {
		return 0, fmt.Errorf("creating port lock directory: %w", err)
	}

	used := make(map[int]bool)
	for attempt := 0; ; attempt++ {
		port, err := p.candidate(spec, used)
		if err != nil {
			return 0, err
		}
		used[port] = true

		f, err := os.OpenFile(p.lockPath(port), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "pg_port %d\n", port)
			f.Close()
			return port, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return 0, fmt.Errorf("claiming port %d: %w", port, err)
		}
		if attempt >= p.SearchCount {
			return 0, fmt.Errorf("%w: attempted %d times, all attempted ports (%s) are claimed by other runs",
				ErrNoFreePort, attempt+1, joinPorts(used))
		}
	}
}

// Release removes the claim on port.
func (p *PortPicker) Release(port int) error {
	err := os.Remove(p.lockPath(port))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing port %d: %w", port, err)
	}
	return nil
}

func (p *PortPicker) lockPath(port int) string {
	return filepath.Join(p.LockDir, fmt.Sprintf("postgresql-%d.port", port))
}

// candidate returns a bindable port from spec that is not in exclude.
func (p *PortPicker) candidate(spec PortSpec, exclude map[int]bool) (int, error) {
	if spec.Any() {
		for range 10 {
			port, err := ephemeralPort(p.Host)
			if err != nil {
				return 0, err
			}
			if !exclude[port] {
				return port, nil
			}
		}
		return 0, fmt.Errorf("%w: the system keeps returning claimed ports", ErrNoFreePort)
	}
	if port, ok := spec.Exact(); ok {
		if exclude[port] {
			return 0, fmt.Errorf("%w: port %d is already claimed", ErrNoFreePort, port)
		}
		return port, nil
	}

	var ports []int
	for _, r := range spec.Ranges {
		for port := r[0]; port <= r[1]; port++ {
			if !exclude[port] {
				ports = append(ports, port)
			}
		}
	}
	rand.Shuffle(len(ports), func(i, j int) { ports[i], ports[j] = ports[j], ports[i] })
	for _, port := range ports {
		if p.isFree(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in %s", ErrNoFreePort, spec)
}

func ephemeralPort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("finding a free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// String renders the port spec in its parsed form.
func (s PortSpec) String() string {
	parts := make([]string, 0, len(s.Ranges))
	for _, r := range s.Ranges {
		if r[0] == r[1] {
			parts = append(parts, strconv.Itoa(r[0]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", r[0], r[1]))
		}
	}
	return strings.Join(parts, ",")
}

func joinPorts(ports map[int]bool) string {
	list := make([]int, 0, len(ports))
	for port := range ports {
		list = append(list, port)
	}
	slices.Sort(list)
	parts := make([]string, len(list))
	for i, port := range list {
		parts[i] = strconv.Itoa(port)
	}
	return strings.Join(parts, ", ")
}
