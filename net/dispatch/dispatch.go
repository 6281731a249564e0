// Package dispatch resolves decoded envelopes to handlers.
//
// A Table has two tiers: user handlers, registered by method name, and protocol handlers,
// registered for the closed set of protocol.Method values. User handlers are checked first,
// so an application can override any protocol method without touching the protocol code.
package dispatch

import (
	"ensock/net/codec"
	"ensock/net/transport"
	"ensock/swarm/protocol"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrNoHandler = errors.New("no handler for method")

// Tier tells which table resolved a method.
type Tier int

const (
	TierNone Tier = iota
	TierUser
	TierProtocol
)

func (t Tier) String() string {
	switch t {
	case TierUser:
		return "user"
	case TierProtocol:
		return "protocol"
	}
	return "none"
}

// Message is a decoded envelope handed to a handler.
type Message struct {
	Method string
	Params []byte

	// From is the connection the message arrived on.
	From transport.ConnID

	codec codec.Codec
}

// Bind decodes the message parameters into v.
func (m *Message) Bind(v any) error {
	if m.codec == nil {
		return codec.ErrParamsNotBound
	}
	return m.codec.Unmarshal(m.Params, v)
}

// HandlerFunc handles one message. It runs on the reader goroutine of the connection the message arrived on.
type HandlerFunc func(msg *Message)

type Table struct {
	name  string
	codec codec.Codec

	mu       sync.RWMutex
	user     map[string]HandlerFunc
	protocol map[protocol.Method]HandlerFunc
}

// NewTable creates an empty table. name prefixes log lines, e.g. "hub" or "peer".
func NewTable(name string, c codec.Codec) *Table {
	return &Table{
		name:     name,
		codec:    c,
		user:     make(map[string]HandlerFunc),
		protocol: make(map[protocol.Method]HandlerFunc),
	}
}

// Handle registers a user handler for method. A nil handler removes the registration.
func (t *Table) Handle(method string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h == nil {
		delete(t.user, method)
		return
	}
	t.user[method] = h
	log.Debugf("%s.dispatch: registered user handler %q", t.name, method)
}

// HandleProtocol installs the default handler for a protocol method.
func (t *Table) HandleProtocol(m protocol.Method, h HandlerFunc) {
	if !m.Valid() {
		panic(fmt.Sprintf("dispatch: invalid protocol method %d", m))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocol[m] = h
}

// Resolve looks method up in the user table, then in the protocol table.
func (t *Table) Resolve(method string) (HandlerFunc, Tier) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, ok := t.user[method]; ok {
		return h, TierUser
	}
	if m, ok := protocol.ParseMethod(method); ok {
		if h, ok := t.protocol[m]; ok {
			return h, TierProtocol
		}
	}
	return nil, TierNone
}

// Dispatch decodes a frame and runs its handler. Malformed frames and unknown methods are dropped
// and logged, never returned to the sender. The returned error only serves callers that count drops.
func (t *Table) Dispatch(frame []byte, from transport.ConnID) (Tier, error) {
	env, err := t.codec.Decode(frame)
	if err != nil {
		log.Debugf("%s.dispatch: dropping malformed message from connection %d: %v", t.name, from, err)
		return TierNone, err
	}

	h, tier := t.Resolve(env.Method)
	if h == nil {
		log.Debugf("%s.dispatch: no handler defined for method %q", t.name, env.Method)
		return TierNone, fmt.Errorf("%w %q", ErrNoHandler, env.Method)
	}

	msg := &Message{
		Method: env.Method,
		Params: env.Params,
		From:   from,
		codec:  t.codec,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("%s.dispatch: panic in %s handler %q from connection %d: %v", t.name, tier, env.Method, from, r)
			}
		}()
		h(msg)
	}()

	return tier, nil
}
