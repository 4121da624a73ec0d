package daemon

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/envelope"
)

const messageLogPrefix = "daemon:message"

// ParseMessage decodes a worker message into either a handshake or a reply.
func ParseMessage(data []byte) (*Handshake, *Reply, error) {
	var msg inbound
	if err := commsutil.DecodePayload(data, &msg); err != nil {
		return nil, nil, envelope.NewError(envelope.StatusBadRequest, "malformed worker message: %v", err)
	}
	if msg.IsHandshake() {
		var hs Handshake
		if err := commsutil.DecodePayload(data, &hs); err != nil {
			return nil, nil, envelope.NewError(envelope.StatusBadRequest, "malformed handshake: %v", err)
		}
		return &hs, nil, nil
	}
	if msg.Tag == "" {
		return nil, nil, envelope.NewError(envelope.StatusBadRequest, "worker message has neither name nor tag")
	}
	return nil, &Reply{Tag: msg.Tag, Response: replyResponse(&msg)}, nil
}

// replyResponse converts a worker reply to a response envelope. A reply
// without status is a success; an unknown status becomes INTERNAL_SERVER_ERROR.
func replyResponse(msg *inbound) *envelope.Response {
	var data any
	if len(msg.Data) > 0 && !bytes.Equal(bytes.TrimSpace(msg.Data), []byte("null")) {
		if err := commsutil.DecodePayload(msg.Data, &data); err != nil {
			slog.Warn(fmt.Sprintf("%s - worker reply %s carries undecodable data: %v", messageLogPrefix, msg.Tag, err))
			data = nil
		}
	}

	status := envelope.StatusOK
	message := ""
	if msg.Status != nil {
		s, ok := envelope.ParseStatus(msg.Status.Name)
		if !ok {
			s, ok = statusByCode(msg.Status.Code)
		}
		if !ok {
			slog.Error(fmt.Sprintf("%s - worker reply %s carries unknown status %d/%q", messageLogPrefix, msg.Tag, msg.Status.Code, msg.Status.Name))
			return envelope.Fail(envelope.StatusInternalServerError, "", "")
		}
		status = s
		message = msg.Status.Message
	}
	return envelope.Build(status, message, "", data)
}

func statusByCode(code int) (envelope.Status, bool) {
	for s := envelope.StatusOK; s.Valid(); s++ {
		if s.Code() == code {
			return s, true
		}
	}
	return envelope.StatusUnset, false
}
