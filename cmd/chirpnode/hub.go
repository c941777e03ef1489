package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/chirp/internal/chirp"
	"github.com/danmuck/chirp/internal/config"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// hub is a node behind a TCP server accepting any number of connections.
type hub struct {
	log      zerolog.Logger
	sched    *chirp.Scheduler
	node     *chirp.Node
	server   *chirp.TCPServer
	acceptor *chirp.Acceptor

	onChange func(transport.KnownTerminalChange)
}

// startHub listens on cfg and logs every known terminal change. onChange,
// when set, sees each change after it is logged.
func startHub(tr transport.Transport, cfg config.NodeConfig, log zerolog.Logger, onChange func(transport.KnownTerminalChange)) (*hub, error) {
	h := &hub{log: log, onChange: onChange}
	var err error
	if h.sched, err = chirp.NewScheduler(tr, chirp.WithLogger(log)); err != nil {
		return nil, err
	}
	if h.node, err = chirp.NewNode(h.sched); err != nil {
		h.stop()
		return nil, err
	}
	if h.server, err = chirp.NewTCPServer(h.sched, cfg.Address, cfg.Port, []byte(cfg.Identification)); err != nil {
		h.stop()
		return nil, fmt.Errorf("chirpnode: listen on %s: %w", net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port)), err)
	}
	h.acceptor = chirp.NewAcceptor(h.server, h.node, cfg.Timeout)
	h.acceptor.OnConnected(func(c *chirp.Connection) {
		h.log.Info().
			Str("remote", c.Description()).
			Str("version", c.RemoteVersion()).
			Str("identification", string(c.RemoteIdentification())).
			Msg("connection accepted")
	})
	h.acceptor.OnDisconnected(func(c *chirp.Connection, err error) {
		h.log.Info().Str("remote", c.Description()).Err(err).Msg("connection lost")
	})
	if err := h.watch(); err != nil {
		h.stop()
		return nil, err
	}
	if err := h.acceptor.Start(); err != nil {
		h.stop()
		return nil, err
	}
	if addr, err := h.server.Addr(); err == nil {
		h.log.Info().Str("addr", addr.String()).Str("identification", cfg.Identification).Msg("node listening")
	}
	return h, nil
}

func (h *hub) watch() error {
	return h.node.AsyncAwaitKnownTerminalsChange(h.changed)
}

func (h *hub) changed(err error, change transport.KnownTerminalChange) {
	if transport.Invalidated(err) || errors.Is(err, transport.ErrCanceled) {
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Msg("known terminals watch failed")
	} else {
		h.log.Info().
			Bool("added", change.Added).
			Str("type", change.Type.String()).
			Str("name", change.Name).
			Uint32("signature", uint32(change.Signature)).
			Msg("known terminals changed")
		if h.onChange != nil {
			h.onChange(change)
		}
	}
	if err := h.watch(); err != nil && !transport.Invalidated(err) {
		h.log.Warn().Err(err).Msg("re-arming known terminals watch failed")
	}
}

func (h *hub) stop() {
	if h.acceptor != nil {
		if err := h.acceptor.Stop(); err != nil {
			h.log.Warn().Err(err).Msg("stopping acceptor")
		}
	}
	if h.node != nil {
		_ = h.node.CancelAwaitKnownTerminalsChange()
	}
	var objs []interface{ Destroy() error }
	if h.server != nil {
		objs = append(objs, h.server)
	}
	if h.node != nil {
		objs = append(objs, h.node)
	}
	if h.sched != nil {
		objs = append(objs, h.sched)
	}
	for _, d := range objs {
		if err := d.Destroy(); err != nil && !transport.Invalidated(err) {
			h.log.Warn().Err(err).Msg("teardown")
		}
	}
}
