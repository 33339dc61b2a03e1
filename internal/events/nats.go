package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ApprovalHandler applies an approval response received from NATS.
type ApprovalHandler func(ctx context.Context, sessionID string, resp ApprovalResponse) error

// NATSBridge mirrors session events onto NATS and feeds approval responses
// published by remote callers back into the process.
//
// Subjects:
//
//	{prefix}.session.{session_id}.{type}
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ Publisher = (*NATSBridge)(nil)

// NewNATSBridge wraps an open connection.
func NewNATSBridge(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "forge"
	}
	return &NATSBridge{nc: nc, prefix: prefix, logger: logger}
}

// Connect dials url and returns a bridge that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url, nats.Name("forge"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return NewNATSBridge(nc, prefix, logger), nil
}

// Subject returns the subject for a session's events of type t.
func (b *NATSBridge) Subject(sessionID string, t Type) string {
	return b.prefix + ".session." + subjectToken(sessionID) + "." + string(t)
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "\t", "_", "*", "_", ">", "_")

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish implements Publisher.
func (b *NATSBridge) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev.SessionID, ev.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

type approvalReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// SubscribeApprovals routes approval_response messages for every session
// to handler. Messages may be bare ApprovalResponse payloads or full
// envelopes. Requests with a reply subject get {"ok": bool}.
func (b *NATSBridge) SubscribeApprovals(ctx context.Context, handler ApprovalHandler) (*nats.Subscription, error) {
	subject := b.prefix + ".session.*." + string(TypeApprovalResponse)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		parts := strings.Split(msg.Subject, ".")
		sessionID := parts[len(parts)-2]

		resp, err := decodeApproval(msg.Data)
		if err == nil {
			err = handler(ctx, sessionID, resp)
		}
		if err != nil {
			b.logger.Warn("rejecting approval response",
				zap.String("subject", msg.Subject), zap.Error(err))
		}
		if msg.Reply != "" {
			reply := approvalReply{OK: err == nil}
			if err != nil {
				reply.Error = err.Error()
			}
			data, _ := json.Marshal(reply)
			_ = msg.Respond(data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

func decodeApproval(data []byte) (ApprovalResponse, error) {
	var env Event
	if err := json.Unmarshal(data, &env); err == nil && env.Type == TypeApprovalResponse {
		var resp ApprovalResponse
		if err := env.Decode(&resp); err != nil {
			return ApprovalResponse{}, err
		}
		return resp, resp.Validate()
	}
	var resp ApprovalResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ApprovalResponse{}, fmt.Errorf("decoding approval response: %w", err)
	}
	return resp, resp.Validate()
}

// Drain flushes pending publishes and closes the connection.
func (b *NATSBridge) Drain() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}
