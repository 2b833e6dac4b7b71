package ctl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/mdlayher/vsock"
)

var ErrListen = errors.New("ctl: listen failed")

// Server serves the control protocol to any number of clients.
type Server struct {
	host Host
	log  *slog.Logger
}

func NewServer(h Host, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	return &Server{host: h, log: log}
}

// Serve accepts connections on lis until ctx is done, then closes lis and
// waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	log := s.log.With("remote", conn.RemoteAddr())
	log.Debug("control connection opened")

	sc := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	for sc.Scan() {
		out, err := Exec(s.host, sc.Text())
		if err != nil {
			log.Info("control command failed", "cmd", sc.Text(), "err", err)
			fmt.Fprintf(w, "err %v\n", err)
		} else {
			fmt.Fprintln(w, strings.TrimSpace("ok "+out))
		}

		if err := w.Flush(); err != nil {
			log.Debug("control connection write failed", "err", err)
			return
		}
	}

	log.Debug("control connection closed", "err", sc.Err())
}

// Listen opens a control listener. addr is one of:
//
//	unix:PATH
//	tcp:HOST:PORT
//	vsock:PORT
func Listen(addr string) (net.Listener, error) {
	network, rest, ok := strings.Cut(addr, ":")
	if !ok {
		return nil, fmt.Errorf("%w: address %q has no network", ErrListen, addr)
	}

	var (
		lis net.Listener
		err error
	)

	switch network {
	case "unix", "tcp":
		lis, err = net.Listen(network, rest)

	case "vsock":
		var port uint64
		port, err = strconv.ParseUint(rest, 10, 32)
		if err == nil {
			lis, err = vsock.Listen(uint32(port), nil)
		}

	default:
		err = fmt.Errorf("unsupported network %q", network)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrListen, addr, err)
	}

	return lis, nil
}
