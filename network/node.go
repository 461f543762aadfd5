// Package network provides the P2P layer: mDNS peer discovery plus TCP
// fan-out of sentinel protocol messages.
package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"agent-sentinel/logger"
	"agent-sentinel/protocol"

	"github.com/hashicorp/mdns"
)

var log = logger.Logger

const TcpNetwork = "tcp"

const MDNSDiscoverInterval = 5 * time.Second
const channelBufferSize = 32

type MDNSService interface {
	Shutdown() error
}

// Node represents a P2P sentinel node
type Node struct {
	ID              string
	Port            int
	listener        net.Listener
	Peers           map[string]string // map[id]address
	peerMutex       sync.RWMutex
	connections     []net.Conn
	connectionMutex sync.Mutex
	stopChan        chan struct{}
	isRunning       bool
	server          MDNSService
	serviceName     string
	domain          string
	outgoing        chan *protocol.Message
	incoming        chan *protocol.Message
}

// NewNode creates a new node
func NewNode(id string, port int) *Node {
	return &Node{
		ID:          id,
		Port:        port,
		Peers:       make(map[string]string), // ID -> IP address
		serviceName: "_agent_sentinel_p2p_node._tcp",
		domain:      "local.",
		outgoing:    make(chan *protocol.Message, channelBufferSize),
		incoming:    make(chan *protocol.Message, channelBufferSize),
	}
}

// Start begins to listen on the port and advertises the node over mDNS
func (node *Node) Start() error {
	var err error
	node.stopChan = make(chan struct{})
	node.connections = make([]net.Conn, 0)
	node.isRunning = true

	node.listener, err = net.Listen(TcpNetwork, fmt.Sprintf(":%d", node.Port))
	if err != nil {
		return err
	}

	go func() {
		for node.isRunning {
			// Set a deadline to avoid blocking forever
			node.listener.(*net.TCPListener).SetDeadline(time.Now().Add(1 * time.Second))

			conn, err := node.listener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					continue
				}
				if node.isRunning {
					log.WithError(err).Error("Error accepting connection")
				}
				continue
			}

			node.connectionMutex.Lock()
			node.connections = append(node.connections, conn)
			node.connectionMutex.Unlock()

			go node.handleConnection(conn)
		}
	}()

	info := []string{fmt.Sprintf("id=%s", node.ID)}

	service, err := mdns.NewMDNSService(
		node.ID,          // Instance name
		node.serviceName, // Service name
		node.domain,      // Domain
		"",               // Host name (empty = default)
		node.Port,        // Port
		nil,              // IPs (nil = all)
		info,             // TXT record info
	)
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	node.server = server

	go node.startDiscovery()
	go node.handleOutgoing()

	log.WithFields(logger.Fields{
		"nodeID": node.ID,
		"port":   node.Port,
	}).Info("P2P node started")
	return nil
}

// Stop closes the listener, connections and the mDNS server
func (node *Node) Stop() error {
	if !node.isRunning {
		return nil
	}

	node.isRunning = false
	close(node.stopChan)

	node.connectionMutex.Lock()
	for _, conn := range node.connections {
		conn.Close()
	}
	node.connections = nil
	node.connectionMutex.Unlock()

	if node.listener != nil {
		node.listener.Close()
		node.listener = nil
	}

	if node.server != nil {
		node.server.Shutdown()
		node.server = nil
	}

	log.WithField("nodeID", node.ID).Info("P2P node stopped")
	return nil
}

// IsListening checks if the server is currently listening
func (node *Node) IsListening() bool {
	return node.listener != nil
}

// startDiscovery begins looking for other nodes
func (node *Node) startDiscovery() {
	node.discoverNodes()

	ticker := time.NewTicker(MDNSDiscoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			node.discoverNodes()
		case <-node.stopChan:
			return
		}
	}
}

// discoverNodes performs a single discovery cycle
func (node *Node) discoverNodes() {
	entriesCh := make(chan *mdns.ServiceEntry, 10)

	params := &mdns.QueryParam{
		Service:     node.serviceName,
		Domain:      node.domain,
		Timeout:     50 * time.Millisecond,
		Entries:     entriesCh,
		DisableIPv6: true,
	}

	if err := mdns.Query(params); err != nil {
		log.WithError(err).Error("Error starting mDNS query")
		return
	}

	discoveryTimeout := time.After(params.Timeout)
	for {
		select {
		case entry := <-entriesCh:
			if len(entry.AddrV4) == 0 {
				continue
			}

			// Extract node ID from TXT record
			nodeID := ""
			for _, info := range entry.InfoFields {
				if len(info) > 3 && info[:3] == "id=" {
					nodeID = info[3:]
					break
				}
			}

			if nodeID == "" || nodeID == node.ID {
				continue
			}

			addr := net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))

			node.peerMutex.Lock()
			if _, exists := node.Peers[nodeID]; !exists {
				node.Peers[nodeID] = addr
				log.WithFields(logger.Fields{
					"nodeID": node.ID,
					"peerID": nodeID,
					"addr":   addr,
				}).Info("Discovered peer node")
			}
			node.peerMutex.Unlock()

		case <-discoveryTimeout:
			return
		}
	}
}

// GetPeers returns a copy of the known nodes
func (node *Node) GetPeers() map[string]string {
	node.peerMutex.RLock()
	defer node.peerMutex.RUnlock()

	result := make(map[string]string)
	for id, addr := range node.Peers {
		result[id] = addr
	}
	return result
}

// Broadcast queues a message for fan-out to every known peer
func (node *Node) Broadcast(msg *protocol.Message) {
	select {
	case node.outgoing <- msg:
		log.WithField("type", msg.Type).Debug("Message queued for broadcast")
	default:
		log.WithField("type", msg.Type).Warn("Outgoing channel full, message dropped")
	}
}

// BroadcastPayload marshals a payload and queues it under the given type
func (node *Node) BroadcastPayload(msgType protocol.MessageType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	node.Broadcast(&protocol.Message{Type: msgType, Payload: data})
	return nil
}

// Incoming returns the channel of messages received from peers
func (node *Node) Incoming() <-chan *protocol.Message {
	return node.incoming
}

// handleOutgoing processes messages in the outgoing channel
func (node *Node) handleOutgoing() {
	for {
		select {
		case <-node.stopChan:
			return
		case msg := <-node.outgoing:
			node.broadcastToAllPeers(msg)
		}
	}
}

// broadcastToAllPeers sends a message to all known peers
func (node *Node) broadcastToAllPeers(msg *protocol.Message) {
	msgData, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("Failed to marshal message")
		return
	}

	node.peerMutex.RLock()
	peers := make(map[string]string)
	for id, addr := range node.Peers {
		peers[id] = addr
	}
	node.peerMutex.RUnlock()

	for id, addr := range peers {
		go func(peerID, peerAddr string) {
			conn, err := net.Dial(TcpNetwork, peerAddr)
			if err != nil {
				log.WithFields(logger.Fields{
					"peerID": peerID,
					"addr":   peerAddr,
				}).WithError(err).Warn("Failed to connect to peer")
				return
			}
			defer conn.Close()

			if _, err = conn.Write(msgData); err != nil {
				log.WithField("peerID", peerID).WithError(err).Warn("Failed to send message to peer")
				return
			}

			log.WithFields(logger.Fields{
				"peerID": peerID,
				"type":   msg.Type,
			}).Debug("Message sent to peer")
		}(id, addr)
	}
}

// handleConnection decodes messages off a connection and forwards them to
// the incoming channel. Dispatch is the daemon's job, not the transport's.
func (node *Node) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()

		node.connectionMutex.Lock()
		for i, c := range node.connections {
			if c == conn {
				node.connections = append(node.connections[:i], node.connections[i+1:]...)
				break
			}
		}
		node.connectionMutex.Unlock()
	}()

	decoder := json.NewDecoder(conn)

	for {
		var msg protocol.Message
		if err := decoder.Decode(&msg); err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("Error decoding message")
			}
			break
		}

		select {
		case node.incoming <- &msg:
		default:
			log.WithField("type", msg.Type).Warn("Incoming channel full, message dropped")
		}
	}
}
