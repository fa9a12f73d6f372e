package relay

import (
	"context"
	"net"
	"net/http"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fabricrpc/fabric/transport/stream"
	"github.com/fabricrpc/fabric/transport/ws"
)

// Serve accepts raw TCP (or Unix) client connections from lst and attaches
// each to the registry over a framed stream transport. It runs until ctx
// ends or the listener fails. Connections already attached are neither
// closed nor waited for when Serve returns; each stays attached until its
// peer closes it.
func (r *Registry) Serve(ctx context.Context, lst net.Listener) error {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener when ctx ends. The ok channel releases the watcher when the
	// accept loop exits first.
	ok := make(chan struct{})
	defer close(ok)
	g := taskgroup.New(nil)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-ok:
		}
		return nil
	})
	defer g.Wait()

	r.log.WithFields(logrus.Fields{
		"addr": lst.Addr().String(),
	}).Info("Listening for incoming connections")

	for {
		conn, err := lst.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "accept")
		}
		r.Attach(stream.New(conn, conn))
	}
}

// ServeWS accepts WebSocket client connections from lst and attaches each
// upgraded connection to the registry. It runs until ctx ends or the HTTP
// server fails.
func (r *Registry) ServeWS(ctx context.Context, lst net.Listener) error {
	upgrader := websocket.Upgrader{
		// The relay is origin-agnostic; peer identity lives in the bridge
		// handshake, not the HTTP layer.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.log.WithFields(logrus.Fields{
				"remote": req.RemoteAddr,
				"error":  err,
			}).Error("Error upgrading connection")
			return
		}
		r.Attach(ws.New(conn))
	})

	srv := &http.Server{Handler: mux}
	ok := make(chan struct{})
	defer close(ok)
	g := taskgroup.New(nil)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-ok:
		}
		return nil
	})
	defer g.Wait()

	r.log.WithFields(logrus.Fields{
		"addr": lst.Addr().String(),
	}).Info("Listening for WebSocket connections")

	err := srv.Serve(lst)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(err, "serve websocket")
}
