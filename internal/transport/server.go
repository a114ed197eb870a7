package transport

import (
	"errors"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nacs-lab/molecube-go/internal/controller"
	"github.com/nacs-lab/molecube-go/internal/names"
	"github.com/nacs-lab/molecube-go/internal/startup"
)

// pumpInterval is how often the server drains Frontend.RunFrontend
// absent an eventfd-integrated event loop of its own — cheap when
// idle, per spec.md §5's "when the fd has no events, the frontend
// handles zero callbacks and returns".
const pumpInterval = time.Millisecond

// Server accepts connections on a single listener and serves spec.md
// §6's verb table against a shared Frontend. Concurrent connections
// are safe — Frontend's own methods are concurrency-safe — but every
// hardware-visible effect still serializes through the one backend
// worker goroutine Frontend was built around.
type Server struct {
	fe       *controller.Frontend
	log      zerolog.Logger
	serverID uint64
	version  string

	runtimeDir string

	namesMu  sync.Mutex
	ttlNames names.Table
	ddsNames names.Table

	startupMu  sync.Mutex
	startupSeq *startup.Sequence

	seqs *seqTracker

	ln net.Listener

	wg   sync.WaitGroup
	quit chan struct{}
}

// New wraps fe and ln (already bound by the caller, TCP or Unix) into
// a running verb server. serverID is a per-process instance id clients
// use to detect a server restart (spec.md §6's "server_id"). ttl/dds
// are the name tables loaded at startup; startupSeq may be nil if no
// startup.cmdbin exists yet.
func New(fe *controller.Frontend, ln net.Listener, serverID uint64, version string, runtimeDir string, ttl, dds names.Table, startupSeq *startup.Sequence, log zerolog.Logger) *Server {
	return &Server{
		fe:         fe,
		log:        log,
		serverID:   serverID,
		version:    version,
		runtimeDir: runtimeDir,
		ttlNames:   ttl,
		ddsNames:   dds,
		startupSeq: startupSeq,
		seqs:       newSeqTracker(),
		ln:         ln,
		quit:       make(chan struct{}),
	}
}

func (s *Server) ttlNamesPath() string { return filepath.Join(s.runtimeDir, "ttl.yaml") }
func (s *Server) ddsNamesPath() string { return filepath.Join(s.runtimeDir, "dds.yaml") }
func (s *Server) startupPath() string  { return filepath.Join(s.runtimeDir, "startup.cmdbin") }

// Serve accepts connections until Close is called, blocking the
// calling goroutine. It also runs the RunFrontend pump for as long as
// the server is up.
func (s *Server) Serve() error {
	s.wg.Add(1)
	go s.pump()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn().Err(err).Msg("transport: accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting new connections and the RunFrontend pump.
// In-flight connections are left to finish their current request.
func (s *Server) Close() error {
	close(s.quit)
	return s.ln.Close()
}

func (s *Server) pump() {
	defer s.wg.Done()
	t := time.NewTicker(pumpInterval)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			s.fe.RunFrontend()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	c := &serverConn{Server: s, conn: conn, writeMu: &sync.Mutex{}}
	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		if len(req) == 0 {
			c.writeError("empty request")
			continue
		}
		c.dispatch(Verb(req[0]), req[1:])
	}
}
