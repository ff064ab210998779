// Package discovery finds the opponent before any point-to-point
// channel exists: a multicast beacon broadcasts the local
// self-description at a fixed interval and listens for other
// processes doing the same.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/net/ipv4"

	"lanpong/internal/metrics"
)

// DefaultGroup is the multicast group the beacon uses unless told
// otherwise. Administratively scoped, stays on the LAN.
const DefaultGroup = "239.255.77.88:9753"

// DefaultInterval is the announce period.
const DefaultInterval = time.Second

const maxRecord = 8 << 10

// AnnounceFunc handles one raw received record with its sender address.
type AnnounceFunc func(record []byte, from string)

// Beacon is the discovery primitive contract consumed by the Channel.
// Start calls after a stop recreate the underlying sockets; stops are
// no-ops when already stopped.
type Beacon interface {
	StartBroadcast(record []byte) error
	StopBroadcast()
	StartListening(fn AnnounceFunc) error
	StopListening()
}

// Multicast implements Beacon over a UDP multicast group.
type Multicast struct {
	group    *net.UDPAddr
	interval time.Duration
	log      slog.Logger
	met      *metrics.Metrics

	mu     sync.Mutex
	sender *mcastSender
	lisCon *net.UDPConn
	lisWG  sync.WaitGroup
}

// MulticastConfig leaves zero values at library defaults.
type MulticastConfig struct {
	Group    string
	Interval time.Duration
	Log      slog.Logger
	Metrics  *metrics.Metrics
}

func NewMulticast(cfg MulticastConfig) (*Multicast, error) {
	group := cfg.Group
	if group == "" {
		group = DefaultGroup
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("discovery: bad group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("discovery: %s is not a multicast group", addr.IP)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Multicast{group: addr, interval: interval, log: log, met: cfg.Metrics}, nil
}

type mcastSender struct {
	conn   *net.UDPConn
	stop   chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	record []byte
}

// StartBroadcast begins announcing record every interval. Calling it
// while already broadcasting just swaps the record.
func (m *Multicast) StartBroadcast(record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sender != nil {
		m.sender.mu.Lock()
		m.sender.record = record
		m.sender.mu.Unlock()
		return nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("discovery: bind announce socket: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	// TTL 1 and loopback on: stay on the segment, but let two
	// processes on one host find each other.
	if err := pc.SetMulticastTTL(1); err != nil {
		m.log.Debugf("set multicast ttl: %v", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		m.log.Debugf("set multicast loopback: %v", err)
	}
	s := &mcastSender{
		conn:   conn,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		record: record,
	}
	m.sender = s
	go m.announceLoop(s)
	m.log.Debugf("broadcasting to %s every %s", m.group, m.interval)
	return nil
}

func (m *Multicast) announceLoop(s *mcastSender) {
	defer close(s.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		record := s.record
		s.mu.Unlock()
		if _, err := s.conn.WriteToUDP(record, m.group); err != nil {
			m.log.Warnf("announce: %v", err)
		} else {
			m.met.IncAnnouncesSent()
		}
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (m *Multicast) StopBroadcast() {
	m.mu.Lock()
	s := m.sender
	m.sender = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	close(s.stop)
	<-s.done
	_ = s.conn.Close()
}

// StartListening joins the group and delivers every received record to
// fn until StopListening. Idempotent while running.
func (m *Multicast) StartListening(fn AnnounceFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lisCon != nil {
		return nil
	}
	// ListenMulticastUDP sets SO_REUSEADDR and joins the group, so two
	// processes on one host can share the listen port.
	conn, err := net.ListenMulticastUDP("udp4", nil, m.group)
	if err != nil {
		return fmt.Errorf("discovery: bind listen socket: %w", err)
	}
	m.lisCon = conn
	m.lisWG.Add(1)
	go m.listenLoop(conn, fn)
	m.log.Debugf("listening on %s", m.group)
	return nil
}

func (m *Multicast) listenLoop(conn *net.UDPConn, fn AnnounceFunc) {
	defer m.lisWG.Done()
	buf := make([]byte, maxRecord)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed by StopListening.
			return
		}
		record := make([]byte, n)
		copy(record, buf[:n])
		fn(record, from.String())
	}
}

func (m *Multicast) StopListening() {
	m.mu.Lock()
	conn := m.lisCon
	m.lisCon = nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	m.lisWG.Wait()
}
