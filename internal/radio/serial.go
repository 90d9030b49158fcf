// Package radio drives the attached mesh node over its USB serial link:
// device discovery, stream framing, the host protocol codec, and a
// paced sender. It exposes the node as a mesh.Adapter.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	goserial "go.bug.st/serial"

	"github.com/meshlink/meshmini/internal/bus"
	"github.com/meshlink/meshmini/internal/mesh"
)

// -------------------------------------------------------------------------
// Device Discovery
// -------------------------------------------------------------------------

const baudRate = 115200

// heartbeatEvery spaces the host keepalives; the device closes the serial
// API session after about fifteen minutes of host silence.
const heartbeatEvery = 5 * time.Minute

var (
	// ErrNoDevice indicates that automatic discovery found no candidate
	// serial device.
	ErrNoDevice = errors.New("radio: no serial device found")

	// ErrLinkClosed indicates an operation on a closed link.
	ErrLinkClosed = errors.New("radio: link closed")

	// ErrUnknownDest indicates a send to a destination that is neither
	// the broadcast address nor a valid node ID.
	ErrUnknownDest = errors.New("radio: unknown destination")
)

// CandidateDevices lists serial devices to probe, most-specific first:
// stable by-id symlinks, then ACM, then USB ttys. Each group is sorted
// so probing order is deterministic.
func CandidateDevices() []string {
	var out []string
	for _, pattern := range []string{
		"/dev/serial/by-id/*",
		"/dev/ttyACM*",
		"/dev/ttyUSB*",
	} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out
}

// -------------------------------------------------------------------------
// Link: Serial Mesh Adapter
// -------------------------------------------------------------------------

// Options configures a Link.
type Options struct {
	// Device is the serial device path, or "auto" (or empty) to probe
	// CandidateDevices in order.
	Device string

	// TXGap is the minimum spacing between transmitted packets. Keeps a
	// slow LoRa channel from being flooded by multi-page replies.
	TXGap time.Duration

	// OnPacket is invoked for every received text packet. Called from the
	// link's reader goroutine.
	OnPacket func(mesh.Packet)

	// Bus additionally receives every text packet on the receive topics.
	Bus *bus.Bus

	Logger *slog.Logger
}

// Link is the serial connection to the attached node. It implements
// mesh.Adapter and survives device resets via Reconnect.
type Link struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	port   goserial.Port
	device string
	closed bool
	lastTX time.Time
	nextID uint32
	hbStop chan struct{}

	nodeMu sync.RWMutex
	nodes  map[uint32]mesh.NodeEntry
	self   mesh.NodeEntry
	selfOK bool

	wg sync.WaitGroup
}

var _ mesh.Adapter = (*Link)(nil)

// Open connects to the node and starts the reader. With Device "auto" each
// candidate is tried in order and the first that opens wins.
func Open(opts Options) (*Link, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Link{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "radio")),
		nodes:  make(map[uint32]mesh.NodeEntry),
		nextID: rand.Uint32() | 1,
	}

	if err := l.connect(); err != nil {
		return nil, err
	}
	return l, nil
}

// connect opens the serial port, requests the configuration dump, and
// starts a reader goroutine. Caller must not hold l.mu.
func (l *Link) connect() error {
	candidates := []string{l.opts.Device}
	if l.opts.Device == "" || l.opts.Device == "auto" {
		candidates = CandidateDevices()
		if len(candidates) == 0 {
			return ErrNoDevice
		}
	}

	mode := &goserial.Mode{BaudRate: baudRate}

	var lastErr error
	for _, dev := range candidates {
		port, err := goserial.Open(dev, mode)
		if err != nil {
			lastErr = err
			l.logger.Debug("device open failed",
				slog.String("device", dev),
				slog.String("error", err.Error()))
			continue
		}

		l.mu.Lock()
		l.port = port
		l.device = dev
		l.mu.Unlock()

		if err := l.writeFrame(MarshalWantConfig(rand.Uint32())); err != nil {
			port.Close()
			lastErr = err
			continue
		}

		l.logger.Info("link up", slog.String("device", dev))

		stop := make(chan struct{})
		l.mu.Lock()
		l.hbStop = stop
		l.mu.Unlock()

		l.wg.Add(2)
		go l.readLoop(port)
		go l.heartbeatLoop(stop)
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("open serial device: %w", lastErr)
	}
	return ErrNoDevice
}

// readLoop drains framed messages from port until it fails or is closed.
func (l *Link) readLoop(port goserial.Port) {
	defer l.wg.Done()

	fr := NewFrameReader(port)
	for {
		payload, err := fr.Next()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				l.logger.Warn("serial read failed",
					slog.String("error", err.Error()))
			}
			return
		}

		msg, err := UnmarshalFromRadio(payload)
		if err != nil {
			l.logger.Debug("undecodable frame",
				slog.String("error", err.Error()))
			continue
		}
		l.handle(msg)
	}
}

// heartbeatLoop keeps the device's serial API awake until stop closes.
func (l *Link) heartbeatLoop(stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := l.writeFrame(MarshalHeartbeat()); err != nil {
				l.logger.Debug("heartbeat failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

func (l *Link) handle(msg *FromRadio) {
	switch {
	case msg.MyInfo != nil:
		l.nodeMu.Lock()
		l.self.Num = msg.MyInfo.NodeNum
		l.self.ID = mesh.FormatID(msg.MyInfo.NodeNum)
		l.selfOK = true
		l.nodeMu.Unlock()
		l.logger.Info("attached node identified",
			slog.String("id", mesh.FormatID(msg.MyInfo.NodeNum)))

	case msg.Node != nil:
		l.recordNode(msg.Node)

	case msg.Packet != nil:
		l.deliver(msg.Packet)

	case msg.Rebooted:
		l.logger.Warn("device rebooted")
	}
}

func (l *Link) recordNode(ni *NodeInfo) {
	entry := mesh.NodeEntry{
		Num:       ni.Num,
		ID:        mesh.FormatID(ni.Num),
		LastHeard: int64(ni.LastHeard),
	}
	if ni.User != nil {
		if id, ok := mesh.CanonID(ni.User.ID); ok {
			entry.ID = id
		}
		entry.LongName = ni.User.LongName
		entry.ShortName = ni.User.ShortName
	}

	l.nodeMu.Lock()
	l.nodes[ni.Num] = entry
	if l.selfOK && ni.Num == l.self.Num {
		l.self = entry
	}
	l.nodeMu.Unlock()
}

// deliver forwards a received text packet to the callback and the bus.
// Non-text ports and undecodable payloads are ignored.
func (l *Link) deliver(mp *MeshPacket) {
	if mp.Decoded == nil || mp.Decoded.Port != mesh.PortTextMessage {
		return
	}
	if !utf8.Valid(mp.Decoded.Payload) {
		return
	}

	pkt := mesh.Packet{
		From:    mp.From,
		FromID:  mesh.FormatID(mp.From),
		To:      mp.To,
		ID:      mp.ID,
		RxTime:  mp.RxTime,
		Port:    mp.Decoded.Port,
		Text:    string(mp.Decoded.Payload),
		Payload: mp.Decoded.Payload,
	}

	// Track the sender even when the device never sent a NodeInfo for it.
	l.nodeMu.Lock()
	if _, known := l.nodes[mp.From]; !known {
		l.nodes[mp.From] = mesh.NodeEntry{
			Num:       mp.From,
			ID:        pkt.FromID,
			LastHeard: time.Now().Unix(),
		}
	}
	l.nodeMu.Unlock()

	if l.opts.OnPacket != nil {
		l.opts.OnPacket(pkt)
	}
	if l.opts.Bus != nil {
		l.opts.Bus.Publish(bus.TopicReceive, pkt)
		l.opts.Bus.Publish(bus.TopicReceiveText, pkt)
	}
}

// ---- sending ------------------------------------------------------------

// Send transmits text to dest. dest is the broadcast address or a node ID.
// Successive sends are spaced at least TXGap apart; Send blocks to honor
// the gap.
func (l *Link) Send(dest, text string) error {
	to := mesh.BroadcastNum
	if dest != mesh.Broadcast {
		num, ok := mesh.ParseID(dest)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDest, dest)
		}
		to = num
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.opts.TXGap > 0 {
		if wait := l.opts.TXGap - time.Since(l.lastTX); wait > 0 {
			time.Sleep(wait)
		}
	}
	l.nextID++
	pkt := &MeshPacket{
		To:       to,
		ID:       l.nextID,
		HopLimit: 3,
		Decoded: &Data{
			Port:    mesh.PortTextMessage,
			Payload: []byte(text),
		},
	}
	err := l.writeFrameLocked(MarshalToRadioPacket(pkt))
	if err == nil {
		l.lastTX = time.Now()
	}
	l.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send to %s: %w", dest, err)
	}
	return nil
}

func (l *Link) writeFrame(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeFrameLocked(payload)
}

func (l *Link) writeFrameLocked(payload []byte) error {
	if l.port == nil {
		return ErrLinkClosed
	}
	return WriteFrame(l.port, payload)
}

// ---- directory ----------------------------------------------------------

// Nodes returns a snapshot of the node directory.
func (l *Link) Nodes() []mesh.NodeEntry {
	l.nodeMu.RLock()
	defer l.nodeMu.RUnlock()

	out := make([]mesh.NodeEntry, 0, len(l.nodes))
	for _, entry := range l.nodes {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// Self returns the attached node's own entry once the startup dump has
// identified it.
func (l *Link) Self() (mesh.NodeEntry, bool) {
	l.nodeMu.RLock()
	defer l.nodeMu.RUnlock()
	return l.self, l.selfOK
}

// ---- lifecycle ----------------------------------------------------------

// Reconnect tears the serial connection down and re-establishes it,
// retrying with backoff until it succeeds or ctx is done. The node
// directory is kept across reconnects.
func (l *Link) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	if l.hbStop != nil {
		close(l.hbStop)
		l.hbStop = nil
	}
	l.mu.Unlock()

	l.wg.Wait()

	backoff := time.Second
	for {
		err := l.connect()
		if err == nil {
			return nil
		}
		l.logger.Warn("reconnect failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Close shuts the link down. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	port := l.port
	l.port = nil
	if l.hbStop != nil {
		close(l.hbStop)
		l.hbStop = nil
	}
	l.mu.Unlock()

	if port != nil {
		port.Close()
	}
	l.wg.Wait()
	l.logger.Info("link closed")
	return nil
}
