package torncache

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultPort is used whenever an address omits the port.
	DefaultPort = 11211

	defaultWeight = 1
)

// Server describes one memcached instance. It is immutable after parsing;
// Weight controls how many slots the server occupies in the bucket table.
type Server struct {
	Host   string
	Port   int
	Weight int
}

// NewServer builds a Server from an explicit (address, weight) pair.
func NewServer(addr string, weight int) (Server, error) {
	s, err := parseServer(addr)
	if err != nil {
		return Server{}, err
	}

	if weight < 1 {
		return Server{}, errors.Wrapf(ErrInvalidAddress, "weight %d for %s", weight, addr)
	}
	s.Weight = weight

	return s, nil
}

// Addr returns the "host:port" form. It is the identity used to target a
// server directly (stats, version, flush_all, quit, broadcast results).
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServers resolves a comma-separated server list. Every entry is one of:
//
//	host                   port defaults to 11211, weight 1
//	host:port              weight 1
//	mc://host:port?weight=N
func ParseServers(spec string) ([]Server, error) {
	if spec == "" {
		return nil, errors.Wrap(ErrInvalidAddress, "empty address")
	}

	entries := strings.Split(spec, ",")
	servers := make([]Server, 0, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		s, err := parseServer(entry)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}

	if len(servers) == 0 {
		return nil, errors.Wrap(ErrInvalidAddress, "no available address")
	}

	return servers, nil
}

func parseServer(entry string) (Server, error) {
	if strings.Contains(entry, "://") {
		return parseServerURL(entry)
	}

	host, port, err := splitHostPort(entry)
	if err != nil {
		return Server{}, err
	}

	return Server{Host: host, Port: port, Weight: defaultWeight}, nil
}

// mc://host:port?weight=N
func parseServerURL(entry string) (Server, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return Server{}, errors.Wrap(ErrInvalidAddress, entry)
	}
	if u.Scheme != "mc" {
		return Server{}, errors.Wrapf(ErrInvalidAddress, "unsupported scheme %q", u.Scheme)
	}

	host, port, err := splitHostPort(u.Host)
	if err != nil {
		return Server{}, err
	}

	weight := defaultWeight
	if raw := u.Query().Get("weight"); raw != "" {
		weight, err = strconv.Atoi(raw)
		if err != nil || weight < 1 {
			return Server{}, errors.Wrapf(ErrInvalidAddress, "weight %q in %s", raw, entry)
		}
	}

	return Server{Host: host, Port: port, Weight: weight}, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		// no port given, the whole entry is the host
		host, rawPort = addr, ""
	}

	if host == "" {
		return "", 0, errors.Wrapf(ErrInvalidAddress, "empty host in %q", addr)
	}

	if rawPort == "" {
		return host, DefaultPort, nil
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.Wrapf(ErrInvalidAddress, "port %q in %q", rawPort, addr)
	}

	return host, port, nil
}
