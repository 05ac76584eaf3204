package trunkline

import (
	"fmt"
	"math/bits"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/telopt/trunkline/pkg/stats"
	"github.com/telopt/trunkline/pkg/wire"
)

// readBufferSize is comfortably larger than any legal IAX2 datagram.
const readBufferSize = 4096

// Engine multiplexes every transaction over one UDP socket: it allocates
// call numbers, routes received datagrams, drives the retransmit and trunk
// timers and queues events for the upper layer.
//
// Three loops are meant to run concurrently: ReadSocket, RunProcess and
// RunTrunkFlush. Lock order is engine, then transaction, then trunk
// buffer.
type Engine struct {
	Stats *stats.EngineStats

	// MediaHandler receives decoded media from all transactions.
	MediaHandler func(t *Transaction, data []byte, ts uint32)

	// VoiceFormatChanged is consulted when a Voice full frame announces
	// a new format. Nil accepts every change.
	VoiceFormatChanged func(t *Transaction, format uint32) bool

	cfg   *Config
	conn  *net.UDPConn
	epoch time.Time

	// sendTo overrides the socket write, for tests
	sendTo func(b []byte, addr *net.UDPAddr) error

	mu       sync.Mutex
	callNos  *callNoAllocator
	trans    map[uint16]*Transaction
	evOrder  []uint16
	evCursor int
	closed   bool

	trunkMu sync.Mutex
	trunks  map[string]*trunkBuffer

	writeMu sync.Mutex

	shutdownC chan struct{}
}

// NewEngine binds the UDP socket and prepares an engine from the given
// config.
func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st := stats.New()
	log.SetLevel(cfg.LogLevel.LogrusLevel())
	if cfg.LogFile != "" {
		addLogFileHook(cfg.LogFile, cfg.LogFileMaxSizeMB, cfg.LogFileMaxBackups)
	}
	addErrorHook(st)

	laddr := &net.UDPAddr{IP: net.ParseIP(cfg.ListenAddress), Port: cfg.Port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "cannot bind UDP socket")
	}

	e := &Engine{
		Stats:     st,
		cfg:       cfg,
		conn:      conn,
		epoch:     time.Now(),
		callNos:   newCallNoAllocator(),
		trans:     make(map[uint16]*Transaction, cfg.TransactionBuckets),
		trunks:    make(map[string]*trunkBuffer),
		shutdownC: make(chan struct{}),
	}
	log.Infof("engine listening on %v", conn.LocalAddr())
	return e, nil
}

// LocalAddr returns the bound UDP address.
func (e *Engine) LocalAddr() *net.UDPAddr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// nowMS is the engine's monotonic clock: milliseconds since construction.
func (e *Engine) nowMS() uint64 {
	return uint64(time.Since(e.epoch) / time.Millisecond)
}

// writeTo serializes datagram writes onto the shared socket.
func (e *Engine) writeTo(b []byte, addr *net.UDPAddr) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.sendTo != nil {
		err := e.sendTo(b, addr)
		if err != nil {
			e.Stats.IncWriteFails()
			return err
		}
		e.Stats.IncFramesSent()
		e.Stats.AddBytesSent(len(b))
		return nil
	}
	if e.conn == nil {
		return ErrEngineClosed
	}
	n, err := e.conn.WriteToUDP(b, addr)
	if err != nil {
		// counted, not fatal: retransmission covers the gap
		e.Stats.IncWriteFails()
		return err
	}
	e.Stats.IncFramesSent()
	e.Stats.AddBytesSent(n)
	return nil
}

// ReadSocket keeps reading datagrams and dispatching them until the
// engine shuts down. Run it on its own goroutine.
func (e *Engine) ReadSocket() {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-e.shutdownC:
			return
		default:
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-e.shutdownC:
				return
			default:
			}
			log.WithError(err).Debug("socket read failed")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.ProcessDatagram(data, addr)
	}
}

// ProcessDatagram parses one received datagram and routes it to a
// transaction, creates one for a transaction-opening control message, or
// answers INVAL. Malformed input is dropped; it never kills the engine.
func (e *Engine) ProcessDatagram(data []byte, addr *net.UDPAddr) {
	e.Stats.AddBytesReceived(len(data))
	frame, err := wire.ParseFrame(data)
	if err != nil {
		e.Stats.IncInvalidFrames()
		log.WithError(err).Debugf("dropping datagram from %v", addr)
		return
	}
	e.Stats.IncFramesReceived()

	switch f := frame.(type) {
	case *wire.TrunkFrame:
		for _, entry := range f.Entries {
			if t := e.findByRemote(addr, entry.SrcCall); t != nil {
				t.processTrunkMedia(entry.Payload, f.Timestamp)
			}
		}
	case *wire.MiniFrame:
		if t := e.findByRemote(addr, f.SrcCall); t != nil {
			t.processMiniFrame(f)
		}
	case *wire.FullFrame:
		e.routeFullFrame(f, addr)
	}
}

func (e *Engine) routeFullFrame(f *wire.FullFrame, addr *net.UDPAddr) {
	if f.DestCall != 0 {
		e.mu.Lock()
		t := e.trans[f.DestCall]
		e.mu.Unlock()
		if t != nil && t.matchesPeer(addr, f.SrcCall) {
			t.processFrame(f)
			return
		}
	} else if f.Type == wire.FrameIAX {
		switch f.Subclass {
		case wire.IAXNew, wire.IAXRegReq, wire.IAXRegRel, wire.IAXPoke:
			// a retransmitted invite must reach its existing transaction
			if t := e.findByRemote(addr, f.SrcCall); t != nil {
				t.processFrame(f)
				return
			}
			e.acceptIncoming(f, addr)
			return
		case wire.IAXInval:
			// a keepalive, nothing to answer
			return
		}
	}
	log.Debugf("no transaction for %s frame from %v, answering INVAL",
		wire.FrameTypeName(f.Type), addr)
	e.sendInvalZero(addr)
}

// acceptIncoming creates a transaction for a received New, RegReq, RegRel
// or Poke.
func (e *Engine) acceptIncoming(f *wire.FullFrame, addr *net.UDPAddr) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	lCallNo := e.callNos.allocate()
	if lCallNo == 0 {
		e.mu.Unlock()
		log.Errorf("call number table full, dropping %s from %v", wire.SubclassName(f.Subclass), addr)
		return
	}
	t := newIncomingTransaction(e, f, lCallNo, addr)
	e.trans[lCallNo] = t
	e.evOrder = append(e.evOrder, lCallNo)
	e.mu.Unlock()

	e.Stats.IncTransactionsCreated()
	log.WithFields(t.logFields()).Infof("incoming %s", wire.SubclassName(f.Subclass))
	t.processFrame(f)
}

// findByRemote locates the transaction bound to a peer address and the
// peer's (source) call number.
func (e *Engine) findByRemote(addr *net.UDPAddr, remoteCall uint16) *Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.trans {
		if t.RemoteCallNo() == remoteCall && sameUDPAddr(t.addr, addr) {
			return t
		}
	}
	return nil
}

// sendInvalZero answers an unroutable frame: an INVAL with both call
// numbers zero.
func (e *Engine) sendInvalZero(addr *net.UDPAddr) {
	inval := &wire.FullFrame{Type: wire.FrameIAX, Subclass: wire.IAXInval}
	_ = e.writeTo(inval.Encode(), addr)
}

// KeepAlive sends the zero-call-number INVAL used to hold a peer's NAT
// binding or interest.
func (e *Engine) KeepAlive(addr *net.UDPAddr) {
	e.sendInvalZero(addr)
}

// CallParams describes an outgoing call.
type CallParams struct {
	CalledNumber  string
	CalledContext string
	CallingNumber string
	CallingName   string
	Username      string
	Password      string
	Format        uint32
	Capability    uint32
	Trunking      bool
}

// StartCall opens an outgoing media call to a peer.
func (e *Engine) StartCall(addr *net.UDPAddr, params CallParams) (*Transaction, error) {
	var ies wire.IEList
	if params.CalledNumber != "" {
		ies.AppendString(wire.IECalledNumber, params.CalledNumber)
	}
	if params.CalledContext != "" {
		ies.AppendString(wire.IECalledContext, params.CalledContext)
	}
	if params.CallingNumber != "" {
		ies.AppendString(wire.IECallingNumber, params.CallingNumber)
	}
	if params.CallingName != "" {
		ies.AppendString(wire.IECallingName, params.CallingName)
	}
	if params.Username != "" {
		ies.AppendString(wire.IEUsername, params.Username)
	}
	format := params.Format
	if format == 0 {
		format = e.cfg.DefaultFormat
	}
	capability := params.Capability
	if capability == 0 {
		capability = e.cfg.Capability
	}
	ies.AppendNumeric(wire.IEFormat, format, 4)
	ies.AppendNumeric(wire.IECapability, capability, 4)

	t, err := e.startLocalTransaction(TransNew, addr, &ies, params.Password)
	if err != nil {
		return nil, err
	}
	if params.Trunking {
		e.EnableTrunking(t)
	}
	return t, nil
}

// StartRegistration registers a username with a peer for refresh seconds.
func (e *Engine) StartRegistration(addr *net.UDPAddr, username, password string, refresh uint32) (*Transaction, error) {
	var ies wire.IEList
	ies.AppendString(wire.IEUsername, username)
	if refresh != 0 {
		ies.AppendNumeric(wire.IERefresh, refresh, 2)
	}
	return e.startLocalTransaction(TransRegReq, addr, &ies, password)
}

// StartUnregistration releases a registration.
func (e *Engine) StartUnregistration(addr *net.UDPAddr, username, password string) (*Transaction, error) {
	var ies wire.IEList
	ies.AppendString(wire.IEUsername, username)
	return e.startLocalTransaction(TransRegRel, addr, &ies, password)
}

// PokePeer probes a peer's liveness without credentials.
func (e *Engine) PokePeer(addr *net.UDPAddr) (*Transaction, error) {
	var ies wire.IEList
	return e.startLocalTransaction(TransPoke, addr, &ies, "")
}

func (e *Engine) startLocalTransaction(typ TransactionType, addr *net.UDPAddr, ies *wire.IEList, password string) (*Transaction, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	lCallNo := e.callNos.allocate()
	if lCallNo == 0 {
		e.mu.Unlock()
		return nil, ErrCallNumbersExhausted
	}
	t := newOutgoingTransaction(e, typ, lCallNo, addr, ies, password)
	e.trans[lCallNo] = t
	e.evOrder = append(e.evOrder, lCallNo)
	e.mu.Unlock()

	e.Stats.IncTransactionsCreated()
	log.WithFields(t.logFields()).Info("outgoing transaction started")
	return t, nil
}

// GetEvent polls the transactions round-robin, remembering where the last
// poll stopped, and returns the next available event or nil. A final
// event removes its transaction from the engine tables; the event itself
// keeps the transaction reachable until released.
func (e *Engine) GetEvent() *Event {
	now := e.nowMS()

	e.mu.Lock()
	order := make([]uint16, len(e.evOrder))
	copy(order, e.evOrder)
	start := 0
	if len(order) > 0 {
		start = e.evCursor % len(order)
	}
	e.mu.Unlock()

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		e.mu.Lock()
		t := e.trans[order[idx]]
		e.mu.Unlock()
		if t == nil {
			continue
		}
		ev := t.getEvent(now)
		if ev == nil {
			continue
		}
		e.mu.Lock()
		e.evCursor = idx + 1
		e.mu.Unlock()
		if ev.Final {
			e.removeTransaction(t)
		}
		return ev
	}
	return nil
}

// removeTransaction drops a transaction from the tables and frees its
// call number.
func (e *Engine) removeTransaction(t *Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trans[t.lCallNo] != t {
		return
	}
	delete(e.trans, t.lCallNo)
	e.callNos.release(t.lCallNo)
	for i, id := range e.evOrder {
		if id == t.lCallNo {
			e.evOrder = append(e.evOrder[:i], e.evOrder[i+1:]...)
			break
		}
	}
}

// TransactionCount returns the number of live transactions.
func (e *Engine) TransactionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.trans)
}

// ProcessEvents drains the event queue through a handler, releasing each
// event afterwards. A nil handler falls back to DefaultEventHandler.
// Returns true if at least one event was processed.
func (e *Engine) ProcessEvents(handler func(*Event)) bool {
	processed := false
	for {
		ev := e.GetEvent()
		if ev == nil {
			return processed
		}
		processed = true
		if handler != nil {
			handler(ev)
		} else {
			e.DefaultEventHandler(ev)
		}
		ev.Release()
	}
}

// RunProcess keeps draining events until shutdown. Run it on its own
// goroutine, or call ProcessEvents from your own loop.
func (e *Engine) RunProcess(handler func(*Event)) {
	for {
		select {
		case <-e.shutdownC:
			return
		default:
		}
		if !e.ProcessEvents(handler) {
			time.Sleep(time.Millisecond)
		}
	}
}

// DefaultEventHandler logs events that no custom handler consumed.
func (e *Engine) DefaultEventHandler(ev *Event) {
	t := ev.Transaction()
	log.WithFields(t.logFields()).Infof("event %s (final=%v)", ev.Type, ev.Final)
}

// EnableTrunking routes a transaction's media through the shared trunk
// buffer of its peer, creating the buffer on first use.
func (e *Engine) EnableTrunking(t *Transaction) {
	e.trunkMu.Lock()
	key := t.addr.String()
	tb := e.trunks[key]
	if tb == nil {
		tb = newTrunkBuffer(e, t.addr)
		e.trunks[key] = tb
	}
	e.trunkMu.Unlock()

	t.mu.Lock()
	t.trunk = tb
	t.mu.Unlock()
}

// RunTrunkFlush flushes every trunk buffer on the configured interval
// until shutdown.
func (e *Engine) RunTrunkFlush() {
	ticker := time.NewTicker(time.Duration(e.cfg.TrunkFlushMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownC:
			return
		case <-ticker.C:
			e.flushTrunks()
		}
	}
}

func (e *Engine) flushTrunks() {
	e.trunkMu.Lock()
	buffers := make([]*trunkBuffer, 0, len(e.trunks))
	for _, tb := range e.trunks {
		buffers = append(buffers, tb)
	}
	e.trunkMu.Unlock()
	for _, tb := range buffers {
		tb.flush()
	}
}

// acceptFormatAndCapability negotiates the media format of an incoming
// call: keep the caller's format when we support it, otherwise pick the
// best common capability bit. Returns false when nothing overlaps.
func (e *Engine) acceptFormatAndCapability(t *Transaction) bool {
	caps := t.capability & e.cfg.Capability
	if t.capability == 0 {
		caps = e.cfg.Capability
	}
	format := t.format
	if format&caps == 0 {
		if caps == 0 {
			return false
		}
		format = uint32(1) << uint(bits.TrailingZeros32(caps))
	}
	t.capability = caps
	t.format = format
	t.formatIn = format
	t.formatOut = format
	return true
}

// checkInvariants verifies that the transaction table and the call number
// bitmap agree; used by tests.
func (e *Engine) checkInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if got, want := e.callNos.setBits(), len(e.trans); got != want {
		return fmt.Errorf("bitmap has %d set bits, table has %d transactions", got, want)
	}
	return nil
}

// Shutdown flushes the trunk buffers, stops the loops and closes the
// socket.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	close(e.shutdownC)
	e.flushTrunks()
	if e.conn != nil {
		_ = e.conn.Close()
	}
	log.Info("engine shut down")
}
