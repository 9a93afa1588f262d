package workload

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// EventType identifies the kind of event delivered to a handler.
type EventType int

// Data transfer and session lifecycle events.
const (
	EventRequest EventType = 0
	EventNotify  EventType = 1

	EventSessionStart      EventType = 10
	EventSessionEnd        EventType = 20
	EventSessionDisconnect EventType = 21
)

// Handler is a workload event function. It receives session lifecycle and
// data transfer events and must return the response payload for
// EventRequest; the return value is ignored for all other events.
//
// Handlers must be safe for concurrent use: the runtime will invoke the same
// handler concurrently, including for the same session id.
type Handler func(sessionID uint32, event EventType, seq uint32, payload []byte) []byte

var handlers = make(map[string]Handler)

// RegisterHandler registers a named handler for use in workload
// configurations. It is typically called from an init function of the
// application package.
func RegisterHandler(name string, h Handler) {
	if h == nil {
		panic("workload: RegisterHandler handler is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("workload: handler already registered for name " + name)
	}
	handlers[name] = h
}

// RegisteredHandlers returns the names of all registered handlers.
func RegisteredHandlers() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupHandler(name string) (Handler, bool) {
	h, ok := handlers[name]
	return h, ok
}

// EventConfig binds one event interface of the microservice to a registered
// handler.
type EventConfig struct {
	// Name is the interface id; the interface is addressed as
	// microservice.name.
	Name string `json:"name"`

	// Fn is the registered handler name.
	Fn string `json:"fn"`

	// Default marks this handler as the default for notifies on outbound
	// sessions. If no entry is marked, the first entry is the default.
	Default bool `json:"default,omitempty"`
}

// Config is the workload runtime configuration.
type Config struct {
	// ID identifies the workload to the dispatcher.
	ID int `json:"id"`

	// Addr is the dispatcher channel address for stream channels.
	Addr string `json:"addr,omitempty"`

	// Microservice is the name of the microservice this workload implements.
	Microservice string `json:"microservice"`

	// Events binds the microservice's event interfaces to handlers.
	Events []EventConfig `json:"events"`
}

// ParseConfig parses a JSON workload configuration.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse workload config: %w", err)
	}
	if c.Microservice == "" {
		return Config{}, fmt.Errorf("workload config: missing microservice name")
	}
	if len(c.Events) == 0 {
		return Config{}, fmt.Errorf("workload config: no events")
	}
	return c, nil
}

// LoadConfig reads and parses a JSON workload configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read workload config: %w", err)
	}
	return ParseConfig(data)
}
