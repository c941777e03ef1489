package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/chirp/internal/chirp"
	"github.com/danmuck/chirp/internal/process"
	"github.com/danmuck/chirp/internal/transport"
)

// SigEcho is the signature of the echo service terminal.
const SigEcho transport.Signature = 0x00ec0001

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chirpecho: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := process.ParseFlags("chirpecho", args, os.Stderr)
	if err != nil {
		return err
	}
	settings, err := process.LoadSettings(flags)
	if err != nil {
		return err
	}
	p, err := process.New(settings)
	if err != nil {
		return err
	}
	defer p.Destroy()

	svc, err := startEcho(p)
	if err != nil {
		return err
	}
	defer svc.Destroy()

	if err := p.Start(); err != nil {
		return err
	}
	if err := p.SetOperational(true); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log := p.Logger()
	log.Info().Msg("shutting down")
	return p.SetOperational(false)
}

// startEcho serves <location>/Echo, answering every request with its own
// payload.
func startEcho(p *process.Process) (*chirp.ServiceTerminal, error) {
	name := p.Settings().TerminalName("Echo")
	svc, err := chirp.NewServiceTerminal(p.Leaf(), name, SigEcho)
	if err != nil {
		return nil, err
	}
	log := p.Component("echo")
	svc.OnBindingStateChanged(func(established bool) {
		log.Info().Str("terminal", name).Bool("established", established).Msg("echo binding changed")
	})
	err = svc.SetRequestHandler(func(err error, request []byte) ([]byte, bool) {
		if err != nil {
			log.Warn().Err(err).Msg("receiving request failed")
			return nil, false
		}
		log.Debug().Int("bytes", len(request)).Msg("echo")
		return request, true
	})
	if err != nil {
		_ = svc.Destroy()
		return nil, err
	}
	return svc, nil
}
