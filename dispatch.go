package kestrel

import (
	"sync"

	"github.com/kestrelnet/kestrel/pkg/conn"
)

// DataHandler is the application callback a Node invokes for every
// payload a connection's channel has finished reordering/reassembling.
type DataHandler func(c *conn.Connection, channelID byte, payload []byte)

// dispatchItem is one queued delivery awaiting a manual-mode Tick.
type dispatchItem struct {
	conn      *conn.Connection
	channelID byte
	payload   []byte
}

// dispatcher implements spec.md §4.8's automatic-vs-manual dispatch: in
// automatic mode the handler runs inline on the socket's receive thread;
// in manual mode deliveries are queued and only run when the embedder
// calls Tick, on whatever thread it chooses (e.g. a game's simulation
// step). Shared between Server and Client, which differ only in how a
// Connection is wired to it.
type dispatcher struct {
	automatic bool

	handlerMu sync.RWMutex
	handler   DataHandler

	queueMu  sync.Mutex
	producer []dispatchItem
}

func newDispatcher(automatic bool) *dispatcher {
	return &dispatcher{automatic: automatic}
}

func (d *dispatcher) SetHandler(h DataHandler) {
	d.handlerMu.Lock()
	d.handler = h
	d.handlerMu.Unlock()
}

func (d *dispatcher) currentHandler() DataHandler {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	return d.handler
}

// deliver is installed as a Connection's deliver callback. In automatic
// mode it calls straight through; in manual mode it only enqueues, so
// the receive thread never runs application code directly.
func (d *dispatcher) deliver(c *conn.Connection, channelID byte, payload []byte) {
	if d.automatic {
		if h := d.currentHandler(); h != nil {
			h(c, channelID, payload)
		}
		return
	}
	d.queueMu.Lock()
	d.producer = append(d.producer, dispatchItem{conn: c, channelID: channelID, payload: payload})
	d.queueMu.Unlock()
}

// Tick atomically swaps the producer queue for an empty one and drains
// what was collected since the last Tick, invoking the handler for each
// (spec.md §4.8: "atomically swaps producer/consumer queues and drains
// the consumer queue"). A no-op in automatic mode, since nothing is ever
// queued there.
func (d *dispatcher) Tick() {
	d.queueMu.Lock()
	consumer := d.producer
	d.producer = nil
	d.queueMu.Unlock()

	h := d.currentHandler()
	if h == nil {
		return
	}
	for _, item := range consumer {
		h(item.conn, item.channelID, item.payload)
	}
}
