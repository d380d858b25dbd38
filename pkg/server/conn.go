package server

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/fleetlink/gv50d/pkg/track"
	"github.com/fleetlink/gv50d/pkg/util"
	"github.com/fleetlink/gv50d/pkg/wirelog"
)

const readChunk = 4096

// tuneSocket applies the keepalive profile trackers need: cellular NATs
// drop silent flows, so probe at 60s idle, every 10s, six times before
// giving up. Nagle is off because frames are small and latency matters
// more than coalescing.
func tuneSocket(sock net.Conn) {
	tcp, ok := sock.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     60 * time.Second,
		Interval: 10 * time.Second,
		Count:    6,
	})
	_ = tcp.SetNoDelay(true)
}

// handleConn owns one tracker session from accept to close.
func (s *Server) handleConn(ctx context.Context, sock net.Conn) {
	host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
	if err != nil {
		host = sock.RemoteAddr().String()
	}

	if !s.cfg.IPAllowed(host) {
		util.Logger.WithField("client", host).Warn("connection refused by allowlist")
		_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindReject, "").
			WithClient(host).WithDetail("not in allowlist"))
		sock.Close()
		return
	}

	c, err := s.registry.Add(sock)
	if err != nil {
		util.Logger.WithField("client", host).WithError(err).Warn("connection refused")
		sock.Close()
		return
	}

	log := util.WithConn(c.ID)
	log.Info("connection opened")
	_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindConnect, "").WithClient(c.ClientIP))

	defer func() {
		s.registry.Remove(c.ID)
		c.Close()
		log.Info("connection closed")
		_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindDisconnect, "").
			WithClient(c.ClientIP).WithIMEI(c.IMEI))
	}()

	tuneSocket(sock)

	splitter := &track.Splitter{}
	buf := make([]byte, readChunk)

	for {
		_ = sock.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout()))
		n, err := sock.Read(buf)
		if n > 0 {
			s.registry.Touch(c.ID, time.Now())

			frames, ferr := splitter.Feed(buf[:n])
			if ferr != nil {
				log.WithError(ferr).Warn("framing error, buffer dropped")
				_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindReject, "").
					WithClient(c.ClientIP).WithIMEI(c.IMEI).WithError(ferr))
			}
			for _, frame := range frames {
				s.processFrame(ctx, c, frame)
			}
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			// A quiet socket is not a dead socket; the sweeper decides
			// when to give up on it.
			continue
		case err == io.EOF:
			return
		default:
			log.WithError(err).Debug("socket error")
			return
		}
	}
}

// processFrame runs one frame through parse, reduce, ACK and dispatch.
// The order is fixed: the device expects its ACK before anything else.
func (s *Server) processFrame(ctx context.Context, c *Conn, frame string) {
	if s.cfg.LogIncoming {
		_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindFrame, frame).
			WithClient(c.ClientIP).WithIMEI(c.IMEI))
	}

	r, err := track.Parse(frame)
	if err != nil {
		// Fleets mix firmware generations; report types this server does
		// not handle are routine, a broken envelope is not.
		l := util.WithConn(c.ID).WithError(err).WithField("frame", frame)
		if errors.Is(err, track.ErrUnknownType) {
			l.Debug("unhandled report type")
		} else {
			l.Warn("unparseable frame")
		}
		_ = wirelog.Log(wirelog.NewEntry(wirelog.DirIn, wirelog.KindReject, frame).
			WithClient(c.ClientIP).WithIMEI(c.IMEI).WithError(err))
		return
	}

	log := util.WithIMEI(r.IMEI).WithField("type", r.Type)

	if c.IMEI != r.IMEI {
		if displaced := s.registry.Bind(c.ID, r.IMEI); displaced != nil {
			util.WithIMEI(r.IMEI).WithField("old_conn", displaced.ID).
				Info("device reconnected, closing previous session")
			displaced.Close()
		}
	}

	act, err := s.handler.Handle(ctx, r, c.ClientIP)
	if err != nil {
		log.WithError(err).Error("reducing report")
	}

	if act.Ack != "" {
		if err := c.Write(act.Ack); err != nil {
			log.WithError(err).Warn("writing ack")
			return
		}
		log.WithField("category", r.Category.String()).Debug("report acknowledged")
		if s.cfg.LogOutgoing {
			_ = wirelog.Log(wirelog.NewEntry(wirelog.DirOut, wirelog.KindAck, act.Ack).
				WithClient(c.ClientIP).WithIMEI(r.IMEI).WithReportType(r.Type))
		}
	}

	if act.Release {
		s.registry.Release(r.IMEI)
	}

	if act.Command != nil && s.registry.TryDispatch(r.IMEI, act.Command.Kind, time.Now()) {
		c.Enqueue(act.Command.Frame)
		log.WithField("command", act.Command.Kind.String()).Info("command dispatched")
	}

	for _, out := range c.Drain() {
		if err := c.Write(out); err != nil {
			log.WithError(err).Warn("writing command")
			return
		}
		if s.cfg.LogOutgoing {
			_ = wirelog.Log(wirelog.NewEntry(wirelog.DirOut, wirelog.KindCommand, out).
				WithClient(c.ClientIP).WithIMEI(r.IMEI))
		}
	}
}
