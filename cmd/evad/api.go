// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/eva-go/pkg/eva"
	"github.com/dtn7/eva-go/pkg/storage"
)

// transferView is the JSON representation of an eva.TransferInfo.
type transferView struct {
	Direction string    `json:"direction"`
	Peer      string    `json:"peer"`
	Info      string    `json:"info"`
	Nonce     uint32    `json:"nonce"`
	Size      uint32    `json:"size"`
	Scheduled bool      `json:"scheduled"`
	Updated   time.Time `json:"updated"`
}

// itemView is the JSON representation of a storage.Item.
type itemView struct {
	Id       string    `json:"id"`
	Peer     string    `json:"peer"`
	Info     string    `json:"info"`
	Nonce    uint32    `json:"nonce"`
	Size     int       `json:"size"`
	Received time.Time `json:"received"`
}

func newItemView(item storage.Item) itemView {
	return itemView{
		Id:       item.Id,
		Peer:     string(item.Peer),
		Info:     string(item.Info),
		Nonce:    item.Nonce,
		Size:     item.Size,
		Received: item.Received,
	}
}

// api serves the daemon's status as JSON over HTTP.
type api struct {
	router   *mux.Router
	protocol *eva.Protocol
	store    *storage.Store
	peers    func() []eva.Peer
}

// newApi registers the status endpoints at the router. The store endpoints are only available with a store.
func newApi(router *mux.Router, protocol *eva.Protocol, store *storage.Store, peers func() []eva.Peer) *api {
	a := &api{
		router:   router,
		protocol: protocol,
		store:    store,
		peers:    peers,
	}

	a.router.HandleFunc("/transfers", a.handleTransfers).Methods(http.MethodGet)
	a.router.HandleFunc("/peers", a.handlePeers).Methods(http.MethodGet)

	if store != nil {
		a.router.HandleFunc("/store", a.handleStore).Methods(http.MethodGet)
		a.router.HandleFunc("/store/{id}", a.handleStoreItem).Methods(http.MethodGet)
		a.router.HandleFunc("/store/{id}/data", a.handleStoreData).Methods(http.MethodGet)
		a.router.HandleFunc("/store/{id}", a.handleStoreDelete).Methods(http.MethodDelete)
	}

	return a
}

func (a *api) writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write API response")
	}
}

// handleTransfers processes /transfers GET requests.
func (a *api) handleTransfers(w http.ResponseWriter, _ *http.Request) {
	infos, err := a.protocol.Snapshot()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	views := make([]transferView, 0, len(infos))
	for _, info := range infos {
		views = append(views, transferView{
			Direction: info.Direction.String(),
			Peer:      string(info.Peer),
			Info:      string(info.Info),
			Nonce:     info.Nonce,
			Size:      info.DataSize,
			Scheduled: info.Scheduled,
			Updated:   info.Updated,
		})
	}

	a.writeJson(w, views)
}

// handlePeers processes /peers GET requests.
func (a *api) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := a.peers()

	names := make([]string, 0, len(peers))
	for _, peer := range peers {
		names = append(names, string(peer))
	}

	a.writeJson(w, names)
}

// handleStore processes /store GET requests.
func (a *api) handleStore(w http.ResponseWriter, _ *http.Request) {
	items, err := a.store.QueryAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views := make([]itemView, 0, len(items))
	for _, item := range items {
		views = append(views, newItemView(item))
	}

	a.writeJson(w, views)
}

// lookupItem by the request's id variable, writing an error response on failure.
func (a *api) lookupItem(w http.ResponseWriter, r *http.Request) (item storage.Item, ok bool) {
	item, err := a.store.QueryId(mux.Vars(r)["id"])
	if errors.Is(err, badgerhold.ErrNotFound) {
		http.Error(w, "unknown item", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ok = true
	return
}

// handleStoreItem processes /store/{id} GET requests.
func (a *api) handleStoreItem(w http.ResponseWriter, r *http.Request) {
	if item, ok := a.lookupItem(w, r); ok {
		a.writeJson(w, newItemView(item))
	}
}

// handleStoreData processes /store/{id}/data GET requests.
func (a *api) handleStoreData(w http.ResponseWriter, r *http.Request) {
	item, ok := a.lookupItem(w, r)
	if !ok {
		return
	}

	data, err := item.Load()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		log.WithError(err).WithField("item", item.Id).Warn("Failed to write item data")
	}
}

// handleStoreDelete processes /store/{id} DELETE requests.
func (a *api) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	item, ok := a.lookupItem(w, r)
	if !ok {
		return
	}

	if err := a.store.Delete(item.Id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
