package dnsview

import (
	"context"
	"fmt"
	"sync"

	miekgdns "github.com/miekg/dns"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
)

const (
	// DefaultListenAddr is the Docker-resolver-compatible DNS address.
	DefaultListenAddr = "127.0.0.11:53"

	// DefaultDomain is the default search domain for registered services.
	DefaultDomain = "registry"

	// DefaultUpstream is the fallback DNS server for non-A or unresolvable queries.
	DefaultUpstream = "8.8.8.8:53"
)

// Server exposes the naming store (C1) over the DNS protocol: A-record
// queries resolve against healthy instances, anything else forwards
// upstream. This gives plain DNS clients (no Nacos SDK) service
// discovery for free, the same role Nacos' DNS-F addon plays.
type Server struct {
	resolver   *Resolver
	dnsServer  *miekgdns.Server
	listenAddr string
	upstream   []string
	mu         sync.RWMutex
	running    bool
}

// Config holds DNS server configuration.
type Config struct {
	ListenAddr string
	Domain     string
	Upstream   []string
}

// NewServer creates a DNS server resolving queries against store.
func NewServer(store *naming.Store, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.Domain == "" {
		config.Domain = DefaultDomain
	}
	if len(config.Upstream) == 0 {
		config.Upstream = []string{DefaultUpstream}
	}

	return &Server{
		resolver:   NewResolver(store, config.Domain),
		listenAddr: config.ListenAddr,
		upstream:   config.Upstream,
	}
}

// Start starts the DNS server, listening on UDP until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("DNS server already running")
	}
	s.running = true
	s.mu.Unlock()

	logger := log.WithComponent("dns-server")
	logger.Info().Str("address", s.listenAddr).Msg("starting DNS server")

	mux := miekgdns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSQuery)

	s.dnsServer = &miekgdns.Server{
		Addr:    s.listenAddr,
		Net:     "udp",
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	default:
		logger.Info().Str("address", s.listenAddr).Msg("DNS server started successfully")
		go func() {
			<-ctx.Done()
			_ = s.Stop()
		}()
		return nil
	}
}

// Stop stops the DNS server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	logger := log.WithComponent("dns-server")
	logger.Info().Msg("stopping DNS server")

	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("error stopping DNS server")
			return err
		}
	}

	s.running = false
	logger.Info().Msg("DNS server stopped")
	return nil
}

func (s *Server) handleDNSQuery(w miekgdns.ResponseWriter, r *miekgdns.Msg) {
	msg := &miekgdns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	logger := log.WithComponent("dns-server")
	for _, q := range r.Question {
		if q.Qtype != miekgdns.TypeA {
			logger.Debug().Str("query", q.Name).Uint16("type", q.Qtype).Msg("unsupported query type, forwarding upstream")
			s.forwardQuery(w, r)
			return
		}

		answers, err := s.resolver.Resolve(context.Background(), q.Name)
		if err != nil {
			logger.Debug().Err(err).Str("query", q.Name).Msg("failed to resolve, forwarding upstream")
			s.forwardQuery(w, r)
			return
		}

		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		logger.Error().Err(err).Msg("failed to write DNS response")
	}
}

func (s *Server) forwardQuery(w miekgdns.ResponseWriter, r *miekgdns.Msg) {
	logger := log.WithComponent("dns-server")
	client := &miekgdns.Client{Net: "udp"}

	for _, upstream := range s.upstream {
		resp, _, err := client.Exchange(r, upstream)
		if err != nil {
			logger.Debug().Err(err).Str("upstream", upstream).Msg("failed to forward query")
			continue
		}
		if err := w.WriteMsg(resp); err != nil {
			logger.Error().Err(err).Msg("failed to write forwarded DNS response")
		}
		return
	}

	msg := &miekgdns.Msg{}
	msg.SetReply(r)
	msg.Rcode = miekgdns.RcodeServerFailure
	if err := w.WriteMsg(msg); err != nil {
		logger.Error().Err(err).Msg("failed to write DNS error response")
	}
}

// IsRunning reports whether the server is currently listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
