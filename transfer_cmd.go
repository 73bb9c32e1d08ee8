package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"peerdrop/channel"
	"peerdrop/discovery"
	"peerdrop/sink"
	"peerdrop/storage"
	"peerdrop/transfer"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "ws"

	// lingerTimeout bounds how long a sender waits for the receiver to hang up.
	lingerTimeout = 5 * time.Second
	// closeGrace bounds how long a closed channel may take to fail the session.
	closeGrace = 2 * time.Second
)

var errClosedEarly = errors.New("channel closed before the transfer finished")

// closableChannel is a transfer channel the commands can serve and watch.
type closableChannel interface {
	transfer.Channel
	Serve(channel.Handler)
	Done() <-chan struct{}
	Close() error
}

func (a *app) runRecv(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("recv", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.ListenAddress(), "listen address")
	transport := fs.String("transport", transportTCP, "transport: tcp or ws")
	noDiscovery := fs.Bool("no-discovery", !a.cfg.Discovery, "do not advertise over mDNS")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	session, recorder := a.newSession(out)
	disk, err := sink.NewDisk(a.cfg.FilesDir, sink.Options{
		Store:  a.store,
		Logger: a.log,
		OnStored: func(file sink.StoredFile) {
			fmt.Fprintf(out, "Saved %s (%s, %s)\n", file.Path, humanize.Bytes(file.Size), file.MimeType)
		},
	})
	if err != nil {
		return err
	}
	defer session.Subscribe(disk)()

	var ch closableChannel
	switch *transport {
	case transportTCP:
		ch, err = a.acceptTCP(ctx, *addr, recorder, !*noDiscovery, out)
	case transportWebSocket:
		ch, err = a.acceptWebSocket(ctx, *addr, recorder, out)
	default:
		return fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		return err
	}
	defer ch.Close()

	ch.Serve(session)
	return awaitTransfer(ctx, session, ch.Done())
}

func (a *app) acceptTCP(ctx context.Context, addr string, recorder *storage.Recorder, advertise bool, out io.Writer) (*channel.Conn, error) {
	ln, err := channel.Listen(addr, a.channelOptions(storage.NewPeerKeys(a.store, a.log)))
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	if advertise {
		advertiser, err := discovery.Advertise(a.discoveryConfig(ln.Port()))
		if err != nil {
			a.log.WithField("function", "runRecv").WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer advertiser.Stop()
		}
	}

	fmt.Fprintf(out, "Waiting on %s as %q (fingerprint %s)\n", ln.Addr(), a.cfg.DeviceName, a.identity.Fingerprint())
	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	peer := conn.Peer()
	recorder.SetPeer(peer.DeviceName)
	fmt.Fprintf(out, "Connected to %q at %s\n", peer.DeviceName, peer.Address)
	return conn, nil
}

func (a *app) acceptWebSocket(ctx context.Context, addr string, recorder *storage.Recorder, out io.Writer) (*channel.WebSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", addr, err)
	}

	accepted := make(chan *channel.WebSocket, 1)
	var once sync.Once
	handler := channel.WebSocketHandler(channel.WebSocketOptions{Logger: a.log}, func(ws *channel.WebSocket) {
		taken := false
		once.Do(func() {
			accepted <- ws
			taken = true
		})
		if !taken {
			_ = ws.Close()
		}
	})
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithField("function", "acceptWebSocket").WithError(err).Error("Websocket server stopped")
		}
	}()
	// Hijacked websocket connections are not closed by server.Close.
	defer server.Close()

	fmt.Fprintf(out, "Waiting on ws://%s/\n", ln.Addr())
	select {
	case ws := <-accepted:
		recorder.SetPeer(ws.RemoteAddr().String())
		fmt.Fprintf(out, "Connected to %s\n", ws.RemoteAddr())
		return ws, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *app) runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "receiver address (host:port, or ws:// URL)")
	peerName := fs.String("peer", "", "discover the receiver by device name or ID")
	trustNewKey := fs.Bool("trust-new-key", false, "accept a changed identity key for a known peer")
	scanTimeout := fs.Duration("scan-timeout", discovery.DefaultScanTimeout, "mDNS scan window")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(fs.Output(), "send expects exactly one file")
		return errUsage
	}
	if (*to == "") == (*peerName == "") {
		fmt.Fprintln(fs.Output(), "send needs one of -to or -peer")
		return errUsage
	}

	src, err := transfer.OpenFile(fs.Arg(0))
	if err != nil {
		return err
	}

	session, recorder := a.newSession(out)
	if err := session.SelectFile(src); err != nil {
		_ = src.Close()
		return err
	}
	// Releases the source if the send never starts.
	defer session.Reset()

	target := *to
	if *peerName != "" {
		cfg := a.discoveryConfig(0)
		cfg.ScanTimeout = *scanTimeout
		peer, err := discovery.Find(ctx, cfg, *peerName)
		if err != nil {
			return fmt.Errorf("find peer %q: %w", *peerName, err)
		}
		target = peer.Endpoint()
	}

	var ch closableChannel
	if isWebSocketURL(target) {
		ws, err := channel.DialWebSocket(ctx, target, channel.WebSocketOptions{Logger: a.log})
		if err != nil {
			return err
		}
		recorder.SetPeer(target)
		ch = ws
	} else {
		peerKeys := storage.NewPeerKeys(a.store, a.log)
		peerKeys.AcceptKeyChange = *trustNewKey
		conn, err := channel.Dial(ctx, target, a.channelOptions(peerKeys))
		if err != nil {
			if errors.Is(err, channel.ErrKeyChanged) {
				return fmt.Errorf("%w (rerun with -trust-new-key if the peer reinstalled)", err)
			}
			return err
		}
		recorder.SetPeer(conn.Peer().DeviceName)
		fmt.Fprintf(out, "Connected to %q (fingerprint %s)\n", conn.Peer().DeviceName, conn.Peer().Fingerprint)
		ch = conn
	}
	defer ch.Close()

	ch.Serve(session)
	if _, err := session.StartSend(ctx, ch); err != nil {
		return err
	}
	if err := awaitTransfer(ctx, session, ch.Done()); err != nil {
		return err
	}

	select {
	case <-ch.Done():
	case <-time.After(lingerTimeout):
	case <-ctx.Done():
	}
	return nil
}

// newSession builds a session with history recording and progress output.
func (a *app) newSession(out io.Writer) (*transfer.Session, *storage.Recorder) {
	session := transfer.NewSession(transfer.Options{
		ChunkSize:   a.cfg.ChunkSize,
		MaxFileSize: a.cfg.MaxFileSize,
		Logger:      a.log,
	})
	recorder := storage.NewRecorder(a.store, session, a.log)
	session.Subscribe(recorder)
	session.Subscribe(newProgressPrinter(session, out))
	return session, recorder
}

func (a *app) channelOptions(peerKeys channel.PeerKeyPolicy) channel.Options {
	return channel.Options{
		Identity:   a.identity,
		DeviceID:   a.cfg.DeviceID,
		DeviceName: a.cfg.DeviceName,
		PeerKeys:   peerKeys,
		Logger:     a.log,
	}
}

func (a *app) discoveryConfig(port int) discovery.Config {
	return discovery.Config{
		SelfDeviceID:   a.cfg.DeviceID,
		DeviceName:     a.cfg.DeviceName,
		ListeningPort:  port,
		KeyFingerprint: a.identity.Fingerprint(),
		Logger:         a.log,
	}
}

// awaitTransfer blocks until the session finishes, the channel closes or ctx
// is cancelled. Channels report the close to the session after Done fires, so
// an active transfer gets closeGrace to settle into its failure.
func awaitTransfer(ctx context.Context, session *transfer.Session, closed <-chan struct{}) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-closed:
		case <-waitCtx.Done():
			return
		}
		if session.Status() == transfer.StatusIdle {
			cancel()
			return
		}
		timer := time.NewTimer(closeGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	status, err := session.Wait(waitCtx)
	switch status {
	case transfer.StatusComplete:
		return nil
	case transfer.StatusFailed:
		return err
	}
	if ctx.Err() != nil {
		session.Cancel()
		return ctx.Err()
	}
	return errClosedEarly
}

func isWebSocketURL(target string) bool {
	return strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://")
}

// progressPrinter writes a progress line whenever the percentage moves.
type progressPrinter struct {
	session *transfer.Session
	out     io.Writer

	mu   sync.Mutex
	last int
}

func newProgressPrinter(session *transfer.Session, out io.Writer) *progressPrinter {
	return &progressPrinter{session: session, out: out, last: -1}
}

func (p *progressPrinter) StatusChanged(status transfer.Status) {
	if status != transfer.StatusSending && status != transfer.StatusReceiving {
		if status == transfer.StatusComplete {
			fmt.Fprintln(p.out, "Transfer complete")
		}
		return
	}
	meta, _, _ := p.session.Metadata()
	p.mu.Lock()
	p.last = -1
	p.mu.Unlock()
	fmt.Fprintf(p.out, "%s: %s (%s)\n", status, meta.Name, humanize.Bytes(meta.TotalSize))
}

func (p *progressPrinter) ProgressChanged(progress int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if progress == p.last {
		return
	}
	p.last = progress
	fmt.Fprintf(p.out, "%3d%%\n", progress)
}

func (p *progressPrinter) FileReceived(transfer.ReceivedFile) {}

func (p *progressPrinter) TransferFailed(err *transfer.Error) {
	fmt.Fprintf(p.out, "Transfer failed: %s\n", err.Kind)
}

var _ transfer.Observer = (*progressPrinter)(nil)
