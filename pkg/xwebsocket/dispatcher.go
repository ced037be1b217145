package xwebsocket

import "sync"

type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventPong
	EventMessage
)

type (
	ConnectFunc    func(c *Client, a *Accepted)
	DisconnectFunc func(c *Client, info CloseInfo)
	PongFunc       func(c *Client, payload []byte)
	MessageFunc    func(c *Client, m Message)
)

// Observers holds client callbacks, a list per event kind, called in registration order.
// Callbacks run on the session read loop: a blocked callback stalls that connection.
type Observers struct {
	mx        sync.RWMutex
	observers map[EventKind][]interface{}
}

func NewObservers() *Observers {
	return &Observers{
		observers: map[EventKind][]interface{}{},
	}
}

func (o *Observers) add(kind EventKind, f interface{}) *Observers {
	o.mx.Lock()
	defer o.mx.Unlock()
	o.observers[kind] = append(o.observers[kind], f)
	return o
}

func (o *Observers) OnConnect(f ConnectFunc) *Observers {
	return o.add(EventConnect, f)
}

func (o *Observers) OnDisconnect(f DisconnectFunc) *Observers {
	return o.add(EventDisconnect, f)
}

func (o *Observers) OnPong(f PongFunc) *Observers {
	return o.add(EventPong, f)
}

func (o *Observers) OnMessage(f MessageFunc) *Observers {
	return o.add(EventMessage, f)
}

// snapshot lets observers register further observers without deadlocking dispatch.
func (o *Observers) snapshot(kind EventKind) []interface{} {
	o.mx.RLock()
	defer o.mx.RUnlock()
	return append([]interface{}(nil), o.observers[kind]...)
}

func (o *Observers) dispatchConnect(c *Client, a *Accepted) {
	for _, f := range o.snapshot(EventConnect) {
		f.(ConnectFunc)(c, a)
	}
}

func (o *Observers) dispatchDisconnect(c *Client, info CloseInfo) {
	for _, f := range o.snapshot(EventDisconnect) {
		f.(DisconnectFunc)(c, info)
	}
}

func (o *Observers) dispatchPong(c *Client, payload []byte) {
	for _, f := range o.snapshot(EventPong) {
		f.(PongFunc)(c, payload)
	}
}

func (o *Observers) dispatchMessage(c *Client, m Message) {
	for _, f := range o.snapshot(EventMessage) {
		f.(MessageFunc)(c, m)
	}
}
