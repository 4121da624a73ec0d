// Package daemon tracks connected workers, merges the functions they expose
// into the action registry, and correlates calls forwarded to them with
// their replies.
package daemon

import (
	"encoding/json"
	"time"

	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/params"
	"github.com/morezero/action-gateway/pkg/transport"
)

// Function is one remotely callable function declared in a handshake.
type Function struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	Disabled    bool          `json:"disabled,omitempty"`
	Permission  int           `json:"permission,omitempty"`
	Parameters  []params.Spec `json:"parameters,omitempty"`
}

// CollectionManifest declares an additional collection served by a worker.
type CollectionManifest struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Disabled    bool       `json:"disabled,omitempty"`
	Visibility  string     `json:"visibility,omitempty"`
	Functions   []Function `json:"functions"`
}

// Handshake is the first message a worker sends on its connection.
type Handshake struct {
	Name            string               `json:"name"`
	Token           string               `json:"token,omitempty"`
	ProtocolVersion string               `json:"protocol_version,omitempty"`
	Description     string               `json:"description,omitempty"`
	Functions       []Function           `json:"functions"`
	Collections     []CollectionManifest `json:"collections,omitempty"`
}

// Worker is a connected worker.
type Worker struct {
	Name            string
	Conn            transport.Conn
	ProtocolVersion string
	Collections     []string
	Functions       int
	ConnectedAt     time.Time
}

// WorkerInfo is the listing form of a Worker.
type WorkerInfo struct {
	Name            string    `json:"name"`
	ConnID          string    `json:"conn_id"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Collections     []string  `json:"collections"`
	Functions       int       `json:"functions"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// Info converts the worker to its listing form.
func (w *Worker) Info() WorkerInfo {
	return WorkerInfo{
		Name:            w.Name,
		ConnID:          w.Conn.ID(),
		ProtocolVersion: w.ProtocolVersion,
		Collections:     append([]string(nil), w.Collections...),
		Functions:       w.Functions,
		ConnectedAt:     w.ConnectedAt,
	}
}

// CallerIDKey is the field the bridge injects into forwarded call data.
const CallerIDKey = "caller_id"

// outboundCall is the message sent to a worker for one call.
type outboundCall struct {
	Tag        string         `json:"tag"`
	Collection string         `json:"collection"`
	Action     string         `json:"action"`
	Data       map[string]any `json:"data"`
}

// inbound is the union of messages a worker may send: a handshake (name set)
// or a reply (tag set).
type inbound struct {
	Name   string               `json:"name"`
	Tag    string               `json:"tag"`
	Status *envelope.StatusBody `json:"status"`
	Data   json.RawMessage      `json:"data"`
}

// IsHandshake reports whether the message is a registration handshake.
func (m *inbound) IsHandshake() bool {
	return m.Name != ""
}

// Reply is a worker's answer to one forwarded call.
type Reply struct {
	Tag      string
	Response *envelope.Response
}
