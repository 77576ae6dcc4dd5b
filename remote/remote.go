package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"storj.io/drpc/drpcconn"
	"storj.io/drpc/drpcmux"
	"storj.io/drpc/drpcserver"

	"github.com/vespiary/hive/cluster"
	"github.com/vespiary/hive/gossip"
)

const connIdleTimeout = time.Minute * 10

// Config holds the remote configuration.
type Config struct {
	TLSConfig *tls.Config
}

// NewConfig returns a new default remote configuration.
func NewConfig() Config {
	return Config{}
}

// WithTLS sets the TLS config of the remote which will set
// the transport of the Remote to TLS.
func (cfg Config) WithTLS(c *tls.Config) Config {
	cfg.TLSConfig = c
	return cfg
}

// Remote is the framed RPC layer between members: one Deliver RPC
// multiplexing handler targets over a pooled connection per peer.
type Remote struct {
	addr     string
	config   Config
	handlers map[string]cluster.TransportHandler
	state    atomic.Uint32
	// Stop closes this channel to signal the remote to stop listening.
	stopCh chan struct{}
	stopWG *sync.WaitGroup

	mu    sync.Mutex
	conns map[string]*clientConn
}

const (
	stateInvalid uint32 = iota
	stateInitialized
	stateRunning
	stateStopped
)

// New creates a new "Remote" object given a "Config".
func New(addr string, cfg Config) *Remote {
	r := &Remote{
		addr:     addr,
		config:   cfg,
		handlers: make(map[string]cluster.TransportHandler),
		conns:    make(map[string]*clientConn),
	}
	r.state.Store(stateInitialized)
	return r
}

// RegisterHandler binds a handler to a target. Handlers must be
// registered before Start.
func (r *Remote) RegisterHandler(target string, h cluster.TransportHandler) {
	if r.state.Load() != stateInitialized {
		slog.Warn("handler registered after remote start is ignored", "target", target)
		return
	}
	r.handlers[target] = h
}

func (r *Remote) Start() error {
	if r.state.Load() != stateInitialized {
		return fmt.Errorf("remote already started")
	}
	r.state.Store(stateRunning)
	var (
		lis net.Listener
		err error
	)
	if r.config.TLSConfig == nil {
		lis, err = net.Listen("tcp", r.addr)
	} else {
		slog.Debug("remote using TLS for listening")
		lis, err = tls.Listen("tcp", r.addr, r.config.TLSConfig)
	}
	if err != nil {
		return fmt.Errorf("remote failed to listen: %w", err)
	}
	slog.Debug("listening", "addr", r.addr)
	mux := drpcmux.New()
	if err = DRPCRegisterTransport(mux, &transportServer{remote: r}); err != nil {
		return fmt.Errorf("failed to register transport: %w", err)
	}
	s := drpcserver.New(mux)
	r.stopCh = make(chan struct{})
	r.stopWG = &sync.WaitGroup{}
	r.stopWG.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer r.stopWG.Done()
		if err := s.Serve(ctx, lis); err != nil {
			slog.Error("DRPC server", "err", err)
		} else {
			slog.Debug("DRPC server stopped")
		}
	}()
	// wait for stopCh to be closed
	go func() {
		<-r.stopCh
		cancel()
	}()
	return nil
}

// Stop will stop the remote from listening and close pooled
// connections. It is safe to call more than once.
func (r *Remote) Stop() error {
	if !r.state.CompareAndSwap(stateRunning, stateStopped) {
		slog.Warn("remote already stopped but stop has been called", "state", r.state.Load())
		return nil
	}
	close(r.stopCh)
	r.stopWG.Wait()
	r.mu.Lock()
	for addr, c := range r.conns {
		c.close()
		delete(r.conns, addr)
	}
	r.mu.Unlock()
	return nil
}

// Address returns the listen address of the remote.
func (r *Remote) Address() string {
	return r.addr
}

// Send delivers msg to the target at addr, at most once. The reply is
// discarded.
func (r *Remote) Send(ctx context.Context, addr, target string, msg any) error {
	typeName, data, err := serialize(msg)
	if err != nil {
		return fmt.Errorf("remote: serialize: %w", err)
	}
	_, err = r.deliver(ctx, addr, &Envelope{
		Target:   target,
		Sender:   r.addr,
		TypeName: typeName,
		Data:     data,
		OneWay:   true,
	})
	return err
}

// Request delivers msg to the target at addr and awaits the response
// within the timeout. A dead-letter reply surfaces as ErrDeadLetter.
func (r *Remote) Request(ctx context.Context, addr, target string, msg any, timeout time.Duration) (any, error) {
	typeName, data, err := serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("remote: serialize: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := r.deliver(ctx, addr, &Envelope{
		Target:   target,
		Sender:   r.addr,
		TypeName: typeName,
		Data:     data,
	})
	if err != nil {
		return nil, err
	}
	switch {
	case reply.DeadLetter:
		return nil, cluster.ErrDeadLetter
	case reply.Error != "":
		return nil, fmt.Errorf("remote: %s", reply.Error)
	case reply.TypeName == "":
		return nil, nil
	}
	return deserialize(reply.TypeName, reply.Data)
}

func (r *Remote) Serialize(msg any) (string, []byte, error) {
	return serialize(msg)
}

func (r *Remote) Deserialize(typeName string, data []byte) (any, error) {
	return deserialize(typeName, data)
}

func (r *Remote) deliver(ctx context.Context, addr string, env *Envelope) (*Reply, error) {
	if r.state.Load() != stateRunning {
		return nil, fmt.Errorf("remote is not running")
	}
	c, err := r.conn(addr)
	if err != nil {
		return nil, err
	}
	reply, err := newDRPCTransportClient(c.conn).Deliver(ctx, env)
	if err != nil {
		// Drop the pooled connection so the next call re-dials.
		r.dropConn(addr, c)
		return nil, fmt.Errorf("remote: deliver to %s: %w", addr, err)
	}
	c.touch()
	return reply, nil
}

type clientConn struct {
	raw  net.Conn
	conn *drpcconn.Conn
}

func (c *clientConn) touch() {
	_ = c.raw.SetDeadline(time.Now().Add(connIdleTimeout))
}

func (c *clientConn) close() {
	_ = c.conn.Close()
}

func (c *clientConn) alive() bool {
	select {
	case <-c.conn.Closed():
		return false
	default:
		return true
	}
}

// conn returns the pooled connection to addr, dialing it on first use.
func (r *Remote) conn(addr string) (*clientConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[addr]; ok && c.alive() {
		return c, nil
	}
	c, err := r.dial(addr)
	if err != nil {
		return nil, err
	}
	r.conns[addr] = c
	return c, nil
}

func (r *Remote) dropConn(addr string, c *clientConn) {
	r.mu.Lock()
	if cur, ok := r.conns[addr]; ok && cur == c {
		delete(r.conns, addr)
	}
	r.mu.Unlock()
	c.close()
}

func (r *Remote) dial(addr string) (*clientConn, error) {
	var (
		rawConn    net.Conn
		err        error
		delay      = time.Millisecond * 500
		maxRetries = 3
	)
	for i := 0; i < maxRetries; i++ {
		if r.config.TLSConfig == nil {
			rawConn, err = net.Dial("tcp", addr)
		} else {
			slog.Debug("remote using TLS for writing")
			rawConn, err = tls.Dial("tcp", addr, r.config.TLSConfig)
		}
		if err == nil {
			break
		}
		d := delay * time.Duration(i*2)
		slog.Error("dial", "err", err, "remote", addr, "retry", i, "max", maxRetries, "delay", d)
		time.Sleep(d)
	}
	if rawConn == nil {
		return nil, fmt.Errorf("remote: could not reach %s: %w", addr, err)
	}
	c := &clientConn{
		raw:  rawConn,
		conn: drpcconn.New(rawConn),
	}
	c.touch()
	slog.Debug("connected", "remote", addr)
	return c, nil
}

// transportServer serves inbound envelopes by dispatching to the
// registered handler for the target.
type transportServer struct {
	remote *Remote
}

func (s *transportServer) Deliver(ctx context.Context, in *Envelope) (*Reply, error) {
	h, ok := s.remote.handlers[in.Target]
	if !ok {
		return &Reply{DeadLetter: true}, nil
	}
	msg, err := deserialize(in.TypeName, in.Data)
	if err != nil {
		slog.Error("deliver: deserialize", "err", err, "type", in.TypeName)
		return &Reply{Error: err.Error()}, nil
	}
	resp, err := h(ctx, in.Sender, msg)
	switch {
	case errors.Is(err, cluster.ErrDeadLetter):
		return &Reply{DeadLetter: true}, nil
	case err != nil:
		return &Reply{Error: err.Error()}, nil
	case resp == nil || in.OneWay:
		return &Reply{}, nil
	}
	typeName, data, err := serialize(resp)
	if err != nil {
		slog.Error("deliver: serialize response", "err", err)
		return &Reply{Error: err.Error()}, nil
	}
	return &Reply{
		TypeName: typeName,
		Data:     data,
	}, nil
}

func init() {
	RegisterType(&cluster.PID{})
	RegisterType(&cluster.ActivationRequest{})
	RegisterType(&cluster.ActivationResponse{})
	RegisterType(&cluster.GrainRequest{})
	RegisterType(&cluster.GrainResponse{})
	RegisterType(&cluster.SubscribeTopic{})
	RegisterType(&cluster.UnsubscribeTopic{})
	RegisterType(&cluster.PublishToTopic{})
	RegisterType(&cluster.TopicAck{})
	RegisterType(&gossip.Exchange{})
	RegisterType(&gossip.Delta{})
}
