// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/dtn7/eva-go/pkg/eva"
)

// Manager publishes this node's Announcements and keeps track of the peers announced by other nodes.
type Manager struct {
	node     string
	protocol Protocol
	notify   func(eva.Peer, Announcement)

	peersMutex sync.Mutex
	peers      map[eva.Peer]time.Time

	stopChans []chan struct{}
}

// NewManager for Announcements will be created and started. Each received announcement of another node speaking
// the same overlay protocol as the first of our announcements is recorded and, if notify is not nil, reported.
func NewManager(
	node string, notify func(eva.Peer, Announcement),
	announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	if len(announcements) == 0 {
		return nil, fmt.Errorf("no announcements given")
	}

	manager := &Manager{
		node:     node,
		protocol: announcements[0].Protocol,
		notify:   notify,
		peers:    make(map[eva.Peer]time.Time),
	}

	log.WithFields(log.Fields{
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	payload, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	if ipv4 {
		if err := manager.discover(payload, announcementInterval, address4, peerdiscovery.IPv4); err != nil {
			manager.Close()
			return nil, err
		}
	}
	if ipv6 {
		if err := manager.discover(payload, announcementInterval, address6, peerdiscovery.IPv6); err != nil {
			manager.Close()
			return nil, err
		}
	}

	return manager, nil
}

// discover starts peerdiscovery for one multicast address. An error within the first second is reported.
func (manager *Manager) discover(payload []byte, interval time.Duration, address string, ipVersion peerdiscovery.IPVersion) error {
	stopChan := make(chan struct{})

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", port),
		MulticastAddress: address,
		Payload:          payload,
		Delay:            interval,
		TimeLimit:        -1,
		StopChan:         stopChan,
		AllowSelf:        true,
		IPVersion:        ipVersion,
		Notify:           manager.receive,
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	case <-time.After(time.Second):
	}

	manager.stopChans = append(manager.stopChans, stopChan)
	return nil
}

func (manager *Manager) receive(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	logger := log.WithFields(log.Fields{
		"discovery": manager,
		"address":   addr,
		"message":   announcement,
	})

	if announcement.Node == manager.node {
		return
	} else if announcement.Protocol != manager.protocol {
		logger.Debug("Ignoring announcement of another overlay protocol")
		return
	}

	peer := announcement.Peer(addr)

	manager.peersMutex.Lock()
	_, known := manager.peers[peer]
	manager.peers[peer] = time.Now()
	manager.peersMutex.Unlock()

	if !known {
		logger.WithField("peer", peer).Info("Discovered new peer")
	}

	if manager.notify != nil {
		manager.notify(peer, announcement)
	}
}

// Peers announced within the given duration, sorted by their address.
func (manager *Manager) Peers(within time.Duration) (peers []eva.Peer) {
	manager.peersMutex.Lock()
	defer manager.peersMutex.Unlock()

	for peer, lastSeen := range manager.peers {
		if time.Since(lastSeen) <= within {
			peers = append(peers, peer)
		}
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, stopChan := range manager.stopChans {
		stopChan <- struct{}{}
	}
	manager.stopChans = nil
}

func (manager *Manager) String() string {
	return fmt.Sprintf("discovery(%s, %v)", manager.node, manager.protocol)
}
