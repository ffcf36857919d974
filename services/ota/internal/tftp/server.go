package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync/atomic"

	"github.com/pin/tftp"
	"github.com/rs/zerolog"

	"otad/pkg/firmware"
	"otad/services/ota/internal/config"
)

// Server serves the firmware directory read-only over TFTP.
type Server struct {
	cfg    config.TFTPConfig
	store  *firmware.Store
	logger zerolog.Logger
}

// NewServer returns a Server backed by store.
func NewServer(cfg config.TFTPConfig, store *firmware.Store, logger zerolog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("firmware store is required")
	}
	return &Server{cfg: cfg, store: store, logger: logger.With().Str("component", "tftp").Logger()}, nil
}

// Run listens until ctx is cancelled. ready flips once the socket is bound.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := tftp.NewServer(s.readHandler, nil)
	if s.cfg.Timeout > 0 {
		srv.SetTimeout(s.cfg.Timeout)
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = ":69"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if ready != nil {
		ready.Store(true)
	}
	s.logger.Info().Str("addr", conn.LocalAddr().String()).Msg("tftp listening")

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	name := requestName(filename)
	f, err := s.store.Open(name)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", filename).Msg("tftp read refused")
		return err
	}
	defer f.Close()

	if ot, ok := rf.(tftp.OutgoingTransfer); ok {
		if info, err := f.Stat(); err == nil {
			ot.SetSize(info.Size())
		}
	}

	n, err := rf.ReadFrom(f)
	if err != nil {
		return err
	}
	s.logger.Info().Str("file", name).Int64("bytes", n).Msg("served via tftp")
	return nil
}

// requestName accepts "a.bin", "/a.bin" and "firmware/a.bin" but nothing deeper.
func requestName(filename string) string {
	name := strings.TrimLeft(strings.ReplaceAll(filename, "\\", "/"), "/")
	if dir, file := path.Split(name); dir == "firmware/" {
		return file
	}
	return name
}
