// Package discovery announces the status server on the local network over
// mDNS, so that the decoder can be found without knowing its address.
package discovery

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType   = "_gbm-decoder._tcp"
	ServiceDomain = "local."
)

// Info is published in the service's TXT record.
type Info struct {
	Version string
	Role    string
	RSAddr  byte
	Extra   map[string]string
}

// TXT returns the TXT record entries, Extra keys in sorted order.
func (i Info) TXT() []string {
	txt := []string{
		"version=" + i.Version,
		"role=" + i.Role,
		fmt.Sprintf("rsaddr=%d", i.RSAddr),
		"status=/index.json",
		"ws=/ws",
	}
	keys := make([]string, 0, len(i.Extra))
	for k := range i.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		txt = append(txt, k+"="+i.Extra[k])
	}
	return txt
}

// InstanceName returns "<hostname>-gbm", or "gbm-decoder" if the hostname is
// unavailable.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gbm-decoder"
	}
	return host + "-gbm"
}

type shutdowner interface {
	Shutdown()
}

// registerFunc is replaced in tests.
var registerFunc = func(instance, service, domain string, port int, txt []string) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

// Service is an mDNS registration that can be started and stopped.
type Service struct {
	mu       sync.Mutex
	instance string
	port     int
	info     Info
	server   shutdowner
}

// New creates a Service for the HTTP server on port.
func New(instance string, port int, info Info) *Service {
	return &Service{instance: instance, port: port, info: info}
}

// Start registers the service. Starting a running service does nothing.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}
	if s.port <= 0 || s.port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", s.port)
	}
	server, err := registerFunc(s.instance, ServiceType, ServiceDomain, s.port, s.info.TXT())
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", s.instance, err)
	}
	s.server = server
	log.Printf("discovery: announcing %s.%s%s on port %d", s.instance, ServiceType, ServiceDomain, s.port)
	return nil
}

// Stop withdraws the registration.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}
	s.server.Shutdown()
	s.server = nil
	log.Printf("discovery: stopped")
}

// Running reports whether the service is registered.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}
