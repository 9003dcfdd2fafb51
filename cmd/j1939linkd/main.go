// Command j1939linkd is the demo daemon entry point: it parses flags, loads
// a link.Config, claims an address on the configured CAN interface, and
// drives the link's reactor loop with unix.Poll until interrupted.
//
// Grounded on example/example.go's main (parse flags, build one session
// struct, drive it to completion) and cmd/gnbsim.go's main
// (initConfig-then-run shape), with github.com/spf13/pflag in place of the
// standard flag package per direwolf/main.go and src/appserver.go usage.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/yope/linux-j1939-testing/cansock"
	"github.com/yope/linux-j1939-testing/internal/linklog"
	"github.com/yope/linux-j1939-testing/link"
)

// loggingApp prints every fully reassembled message it receives, standing
// in for a real application layer in this demo daemon.
type loggingApp struct{}

func (loggingApp) HandleData(pf, da, sa uint8, payload []byte) {
	fmt.Printf("rx pf=%02x da=%02x sa=%02x len=%d payload=% x\n", pf, da, sa, len(payload), payload)
}

func main() {
	var (
		iface       = pflag.StringP("iface", "i", "", "CAN interface to bind (e.g. can0, vcan0)")
		configPath  = pflag.StringP("config", "c", "", "path to a YAML link config file")
		preferredSA = pflag.Uint8P("preferred-sa", "s", 128, "preferred source address to claim")
		help        = pflag.Bool("help", false, "display help text")
	)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: j1939linkd --iface can0 --config link.yaml\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		return
	}

	cfg, err := loadConfig(*configPath, *iface, *preferredSA)
	if err != nil {
		fmt.Fprintf(os.Stderr, "j1939linkd: %v\n", err)
		os.Exit(1)
	}

	name, err := cfg.ParseName()
	if err != nil {
		fmt.Fprintf(os.Stderr, "j1939linkd: %v\n", err)
		os.Exit(1)
	}

	sock, err := cansock.Open(cfg.Iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "j1939linkd: open %q: %v\n", cfg.Iface, err)
		os.Exit(1)
	}
	defer sock.Close()

	log := linklog.New("j1939linkd")
	hooks := &pollHooks{}
	l := link.New(sock, *cfg, name, loggingApp{}, hooks)

	if err := l.StartAddressClaim(time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "j1939linkd: start address claim: %v\n", err)
		os.Exit(1)
	}

	log.Info("started", "iface", cfg.Iface, "preferred_sa", cfg.PreferredSA)
	if err := run(l, sock.Fd(), hooks); err != nil {
		fmt.Fprintf(os.Stderr, "j1939linkd: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path, iface string, preferredSA uint8) (*link.Config, error) {
	if path != "" {
		cfg, err := link.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		if iface != "" {
			cfg.Iface = iface
		}
		return cfg, nil
	}
	if iface == "" {
		return nil, fmt.Errorf("either --config or --iface must be given")
	}
	cfg := &link.Config{Iface: iface, PreferredSA: preferredSA}
	return cfg, nil
}

// run drives the link with a non-blocking poll loop: J1939-21 §5 requires a
// cooperative reactor with no blocking I/O inside the link itself, so this
// is the only place in the daemon allowed to block, and only on unix.Poll.
func run(l *link.Link, fd int, hooks *pollHooks) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case now := <-ticker.C:
			l.Tick(now)
		default:
		}

		events := int16(unix.POLLIN)
		if hooks.writeInterest {
			events |= unix.POLLOUT
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}

		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			if err := l.OnReadable(time.Now()); err != nil {
				return fmt.Errorf("on readable: %w", err)
			}
		}
		if fds[0].Revents&unix.POLLOUT != 0 {
			if err := l.OnWritable(); err != nil {
				return fmt.Errorf("on writable: %w", err)
			}
		}
	}
}

// pollHooks lets Link tell this daemon's poll loop when to add POLLOUT
// interest, per J1939-21 §6's ReactorHooks contract.
type pollHooks struct {
	writeInterest bool
}

func (h *pollHooks) AddWriteInterest()    { h.writeInterest = true }
func (h *pollHooks) RemoveWriteInterest() { h.writeInterest = false }
