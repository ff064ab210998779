// Package metrics counts protocol activity. Counters are cheap atomics
// fed from the discovery, transport and session paths; Snapshot gives a
// consistent-enough JSON view for the status surface.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Discovery   DiscoveryMetrics `json:"discovery"`
	Transport   TransportMetrics `json:"transport"`
	Session     SessionMetrics   `json:"session"`
}

type DiscoveryMetrics struct {
	AnnouncesSent    uint64 `json:"announces_sent"`
	AnnouncesSeen    uint64 `json:"announces_seen"`
	DropSelfEcho     uint64 `json:"drop_self_echo"`
	DropForeignType  uint64 `json:"drop_foreign_type"`
	DropNoCredential uint64 `json:"drop_no_credential"`
	DropMalformed    uint64 `json:"drop_malformed"`
}

type TransportMetrics struct {
	DatagramsSent   uint64 `json:"datagrams_sent"`
	DatagramsRecv   uint64 `json:"datagrams_recv"`
	SendErrors      uint64 `json:"send_errors"`
	RecvUnverified  uint64 `json:"recv_unverified"`
	DropOpenFailed  uint64 `json:"drop_open_failed"`
}

type SessionMetrics struct {
	InitsSent     uint64 `json:"inits_sent"`
	PayloadsSent  uint64 `json:"payloads_sent"`
	PayloadsRecv  uint64 `json:"payloads_recv"`
	DropMalformed uint64 `json:"drop_malformed"`
	UnknownKeys   uint64 `json:"unknown_keys"`
}

type Metrics struct {
	announcesSent    atomic.Uint64
	announcesSeen    atomic.Uint64
	dropSelfEcho     atomic.Uint64
	dropForeignType  atomic.Uint64
	dropNoCredential atomic.Uint64
	dropMalformedAnn atomic.Uint64

	datagramsSent   atomic.Uint64
	datagramsRecv   atomic.Uint64
	sendErrors      atomic.Uint64
	recvUnverified  atomic.Uint64
	dropOpenFailed  atomic.Uint64

	initsSent        atomic.Uint64
	payloadsSent     atomic.Uint64
	payloadsRecv     atomic.Uint64
	dropMalformedPay atomic.Uint64
	unknownKeys      atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

// Nil-safe increments so components can run without a metrics sink.

func (m *Metrics) IncAnnouncesSent() {
	if m != nil {
		m.announcesSent.Add(1)
	}
}

func (m *Metrics) IncAnnouncesSeen() {
	if m != nil {
		m.announcesSeen.Add(1)
	}
}

func (m *Metrics) IncDropSelfEcho() {
	if m != nil {
		m.dropSelfEcho.Add(1)
	}
}

func (m *Metrics) IncDropForeignType() {
	if m != nil {
		m.dropForeignType.Add(1)
	}
}

func (m *Metrics) IncDropNoCredential() {
	if m != nil {
		m.dropNoCredential.Add(1)
	}
}

func (m *Metrics) IncDropMalformedAnnounce() {
	if m != nil {
		m.dropMalformedAnn.Add(1)
	}
}

func (m *Metrics) IncDatagramsSent() {
	if m != nil {
		m.datagramsSent.Add(1)
	}
}

func (m *Metrics) IncDatagramsRecv() {
	if m != nil {
		m.datagramsRecv.Add(1)
	}
}

func (m *Metrics) IncSendErrors() {
	if m != nil {
		m.sendErrors.Add(1)
	}
}

func (m *Metrics) IncRecvUnverified() {
	if m != nil {
		m.recvUnverified.Add(1)
	}
}

func (m *Metrics) IncDropOpenFailed() {
	if m != nil {
		m.dropOpenFailed.Add(1)
	}
}

func (m *Metrics) IncInitsSent() {
	if m != nil {
		m.initsSent.Add(1)
	}
}

func (m *Metrics) IncPayloadsSent() {
	if m != nil {
		m.payloadsSent.Add(1)
	}
}

func (m *Metrics) IncPayloadsRecv() {
	if m != nil {
		m.payloadsRecv.Add(1)
	}
}

func (m *Metrics) IncDropMalformedPayload() {
	if m != nil {
		m.dropMalformedPay.Add(1)
	}
}

func (m *Metrics) IncUnknownKeys() {
	if m != nil {
		m.unknownKeys.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			AnnouncesSent:    m.announcesSent.Load(),
			AnnouncesSeen:    m.announcesSeen.Load(),
			DropSelfEcho:     m.dropSelfEcho.Load(),
			DropForeignType:  m.dropForeignType.Load(),
			DropNoCredential: m.dropNoCredential.Load(),
			DropMalformed:    m.dropMalformedAnn.Load(),
		},
		Transport: TransportMetrics{
			DatagramsSent:   m.datagramsSent.Load(),
			DatagramsRecv:   m.datagramsRecv.Load(),
			SendErrors:      m.sendErrors.Load(),
			RecvUnverified:  m.recvUnverified.Load(),
			DropOpenFailed:  m.dropOpenFailed.Load(),
		},
		Session: SessionMetrics{
			InitsSent:     m.initsSent.Load(),
			PayloadsSent:  m.payloadsSent.Load(),
			PayloadsRecv:  m.payloadsRecv.Load(),
			DropMalformed: m.dropMalformedPay.Load(),
			UnknownKeys:   m.unknownKeys.Load(),
		},
	}
}

// WriteSnapshot dumps the current snapshot to path as indented JSON.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
