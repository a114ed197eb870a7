// Command molecubed serves the FPGA pulse-sequencing controller: it
// loads a config file, binds the Pulser capability it names (real
// hardware or the simulator), and serves spec.md §6's verb table over
// a listener until it receives SIGINT or SIGTERM.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nacs-lab/molecube-go/internal/config"
	"github.com/nacs-lab/molecube-go/internal/controller"
	"github.com/nacs-lab/molecube-go/internal/names"
	"github.com/nacs-lab/molecube-go/internal/pulser"
	"github.com/nacs-lab/molecube-go/internal/queue"
	"github.com/nacs-lab/molecube-go/internal/runner"
	"github.com/nacs-lab/molecube-go/internal/startup"
	"github.com/nacs-lab/molecube-go/internal/transport"
)

// version is set at build time via -ldflags; left as a placeholder
// here since this repository has no release tooling of its own.
var version = "dev"

func main() {
	cfgPath := flag.String("config", "/etc/molecubed.yaml", "path to the server config file")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("molecubed: failed to load config")
	}

	p := openPulser(cfg, log)

	fwake, err := queue.NewFrontendWake()
	if err != nil {
		log.Fatal().Err(err).Msg("molecubed: failed to create frontend wakeup")
	}
	defer fwake.Close()

	runCfg := runner.Config{TMin: cfg.LeadTime, IdleSleep: cfg.RunnerIdleSleep}
	core := controller.New(p, log, runCfg, fwake)
	fe := controller.NewFrontend(core)

	ttlNames, err := names.LoadTTL(filepath.Join(cfg.RuntimeDir, "ttl.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("molecubed: failed to load ttl.yaml")
	}
	ddsNames, err := names.LoadDDS(filepath.Join(cfg.RuntimeDir, "dds.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("molecubed: failed to load dds.yaml")
	}
	startupSeq, err := startup.Load(filepath.Join(cfg.RuntimeDir, "startup.cmdbin"))
	if err != nil {
		log.Fatal().Err(err).Msg("molecubed: failed to load startup.cmdbin")
	}

	network, addr := splitListenURL(cfg.Listen)
	ln, err := net.Listen(network, addr)
	if err != nil {
		log.Fatal().Err(err).Str("listen", cfg.Listen).Msg("molecubed: failed to bind listener")
	}

	serverID := uint64(time.Now().UnixNano())
	srv := transport.New(fe, ln, serverID, version, cfg.RuntimeDir, ttlNames, ddsNames, startupSeq, log)

	go core.Worker()
	if startupSeq != nil {
		log.Info().Msg("molecubed: running startup sequence")
		fe.RunCode(true, startup.Version, startupSeq.LenNs, startupSeq.TTLMask, startupSeq.Code, nil)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigCh
		log.Info().Msg("molecubed: received shutdown signal")
		_ = srv.Close()
		core.Quit()
		close(done)
	}()

	log.Info().Str("listen", cfg.Listen).Bool("dummy", cfg.Dummy).Msg("molecubed: serving")
	if err := srv.Serve(); err != nil {
		log.Error().Err(err).Msg("molecubed: serve exited with error")
	}
	<-done
}

// openPulser binds the Pulser capability cfg names, falling back to
// the simulator and logging a warning if the real driver refuses to
// map its registers (spec.md §7's "Pulser capability failure").
func openPulser(cfg *config.Config, log zerolog.Logger) pulser.Pulser {
	if cfg.Dummy {
		return pulser.NewSim()
	}
	real, err := pulser.OpenReal(cfg.HardwareAddr)
	if err != nil {
		log.Warn().Err(err).Msg("molecubed: failed to map hardware registers, falling back to simulator")
		return pulser.NewSim()
	}
	return real
}

// splitListenURL accepts either a bare host:port (assumed tcp) or a
// network://address URL such as unix:///run/molecubed.sock.
func splitListenURL(listen string) (network, addr string) {
	if idx := strings.Index(listen, "://"); idx >= 0 {
		return listen[:idx], listen[idx+3:]
	}
	return "tcp", listen
}
