package cluster

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"distfs/internal/protocol"
)

// DiscoveryConfig configures the Discovery Service (spec.md §4.5).
type DiscoveryConfig struct {
	NodeID         string
	TCPPort        int
	Version        string
	BroadcastAddr  string // host:port to announce to, e.g. "255.255.255.255:9050"
	ListenPort     int
	AnnounceEvery  time.Duration
}

// Discovery periodically broadcasts this node's presence over UDP and
// listens for announcements from other nodes, calling Observe on registry
// for each one received.
type Discovery struct {
	cfg      DiscoveryConfig
	registry *Registry
	log      *logrus.Entry
}

// NewDiscovery constructs a Discovery service bound to registry.
func NewDiscovery(cfg DiscoveryConfig, registry *Registry, log *logrus.Entry) *Discovery {
	if cfg.AnnounceEvery == 0 {
		cfg.AnnounceEvery = 5 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Discovery{cfg: cfg, registry: registry, log: log.WithField("component", "discovery")}
}

type announcePayload struct {
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// Run starts both the periodic sender and the listener, blocking until ctx
// is cancelled. Each runs as an independently cancellable goroutine that is
// joined before Run returns, per the "ad-hoc background threads" design
// note in spec.md §9.
func (d *Discovery) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", portAddr(d.cfg.ListenPort))
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() {
		d.listenLoop(ctx, conn)
		done <- struct{}{}
	}()
	go func() {
		d.announceLoop(ctx, conn)
		done <- struct{}{}
	}()

	<-ctx.Done()
	conn.Close() // unblocks any in-flight ReadFrom
	<-done
	<-done
	return nil
}

func (d *Discovery) announceLoop(ctx context.Context, conn net.PacketConn) {
	ticker := time.NewTicker(d.cfg.AnnounceEvery)
	defer ticker.Stop()

	broadcast, err := net.ResolveUDPAddr("udp4", d.cfg.BroadcastAddr)
	if err != nil {
		d.log.WithError(err).Error("resolve broadcast address")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announce(conn, broadcast)
		}
	}
}

func (d *Discovery) announce(conn net.PacketConn, dest net.Addr) {
	payload, _ := json.Marshal(announcePayload{Port: d.cfg.TCPPort, Version: d.cfg.Version})
	msg, err := protocol.New(protocol.TypeDiscovery, protocol.ActionAnnounce, "", d.cfg.NodeID, json.RawMessage(payload))
	if err != nil {
		d.log.WithError(err).Error("build announce message")
		return
	}
	data, err := protocol.EncodeDatagram(msg)
	if err != nil {
		d.log.WithError(err).Error("encode announce datagram")
		return
	}
	if _, err := conn.WriteTo(data, dest); err != nil {
		d.log.WithError(err).Warn("send announce datagram")
	}
}

func (d *Discovery) listenLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.WithError(err).Debug("discovery listener read error")
				return
			}
		}
		d.handleDatagram(buf[:n], addr)
	}
}

func (d *Discovery) handleDatagram(data []byte, from net.Addr) {
	msg, err := protocol.DecodeDatagram(data)
	if err != nil {
		d.log.WithError(err).Debug("drop malformed discovery datagram")
		return
	}
	if msg.Origin == d.cfg.NodeID {
		return // self-origin datagram, ignored per spec.md §4.5
	}
	if msg.Type != protocol.TypeDiscovery || msg.Action != protocol.ActionAnnounce {
		return
	}
	var payload announcePayload
	if len(msg.Content) > 0 {
		if err := json.Unmarshal(msg.Content, &payload); err != nil {
			d.log.WithError(err).Debug("drop announce with malformed content")
			return
		}
	}

	address := ""
	if udpAddr, ok := from.(*net.UDPAddr); ok && payload.Port > 0 {
		address = net.JoinHostPort(udpAddr.IP.String(), strconv.Itoa(payload.Port))
	}
	d.registry.Observe(msg.Origin, address, payload.Version, nil, time.Now())
}

func portAddr(port int) string {
	if port == 0 {
		return ":9050"
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}
