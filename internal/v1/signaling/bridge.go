// Package signaling bridges WebRTC negotiation payloads between clients. It
// registers kernel handlers for the offer, answer, candidate, and bye
// channels of a namespace and forwards validated signals to a target client
// or a room, stamping the sender id so the receiving side knows who to
// answer.
package signaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wiremesh/wiremesh/internal/v1/kernel"
	"github.com/wiremesh/wiremesh/internal/v1/types"
)

// DefaultNamespace prefixes the signal channels when none is configured.
const DefaultNamespace = "webrtc"

// Reason codes reported to the originator on an invalid signal.
const (
	ReasonInvalidOffer         = "INVALID_OFFER"
	ReasonInvalidAnswer        = "INVALID_ANSWER"
	ReasonInvalidCandidate     = "INVALID_CANDIDATE"
	ReasonTargetOrRoomRequired = "TARGET_OR_ROOM_REQUIRED"
)

const (
	channelOffer     = "offer"
	channelAnswer    = "answer"
	channelCandidate = "candidate"
	channelBye       = "bye"
)

// Options configure a Bridge.
type Options struct {
	// Namespace derives the channel names: <ns>:offer, <ns>:answer,
	// <ns>:candidate, <ns>:bye. Defaults to "webrtc".
	Namespace string
	// AutoJoinRooms joins the originator to the room named on an offer
	// before the offer is forwarded.
	AutoJoinRooms bool
}

// Bridge routes WebRTC signals through an attached kernel.
type Bridge struct {
	opts Options
}

// New creates a bridge with defaults applied.
func New(opts Options) *Bridge {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	return &Bridge{opts: opts}
}

// Namespace returns the channel prefix in use.
func (b *Bridge) Namespace() string { return b.opts.Namespace }

// Attach registers the four channel handlers on the kernel.
func (b *Bridge) Attach(k *kernel.Kernel) error {
	for _, channel := range []string{channelOffer, channelAnswer, channelCandidate, channelBye} {
		if err := k.On(b.opts.Namespace+":"+channel, b.handler(channel)); err != nil {
			return fmt.Errorf("attach %s:%s: %w", b.opts.Namespace, channel, err)
		}
	}
	return nil
}

// signal is the normalized shape of an inbound payload.
type signal struct {
	target      string
	room        string
	description any
	candidate   any
	metadata    map[string]any
}

// parseSignal pulls the known fields out of the payload. The session
// description may arrive under the alias "offer"; the room falls back to the
// envelope's room.
func parseSignal(msg *types.Message) signal {
	p := msg.PayloadMap()

	var sig signal
	sig.target, _ = p["target"].(string)
	sig.room, _ = p["room"].(string)
	if sig.room == "" {
		sig.room = msg.Room
	}
	sig.description = p["description"]
	if sig.description == nil {
		sig.description = p["offer"]
	}
	sig.candidate = p["candidate"]
	sig.metadata, _ = p["metadata"].(map[string]any)
	return sig
}

// validate returns the reason code for a missing required field, or "".
func validate(channel string, sig signal) string {
	switch channel {
	case channelOffer:
		if sig.description == nil {
			return ReasonInvalidOffer
		}
	case channelAnswer:
		if sig.description == nil {
			return ReasonInvalidAnswer
		}
	case channelCandidate:
		if sig.candidate == nil {
			return ReasonInvalidCandidate
		}
	}
	return ""
}

func (b *Bridge) handler(channel string) kernel.Handler {
	eventType := b.opts.Namespace + ":" + channel

	return func(ctx context.Context, msg *types.Message, tk *kernel.Toolkit) error {
		sig := parseSignal(msg)

		if reason := validate(channel, sig); reason != "" {
			b.replyError(tk, reason)
			return nil
		}

		if channel == channelOffer && b.opts.AutoJoinRooms && sig.room != "" {
			tk.Rooms.Join(sig.room)
		}

		envelope := &types.Message{
			Type:    eventType,
			Payload: forwardPayload(tk.ClientID(), sig),
		}

		switch {
		case sig.target != "":
			if !tk.Send(sig.target, envelope) {
				tk.Log("Signal target not connected",
					zap.String("channel", eventType), zap.String("target", sig.target))
			}
		case sig.room != "":
			tk.Rooms.Broadcast(envelope, sig.room, kernel.RoomBroadcastOptions{ExceptSelf: true})
		default:
			b.replyError(tk, ReasonTargetOrRoomRequired)
		}
		return nil
	}
}

// forwardPayload builds the envelope seen by the receiving side. Absent
// optional fields are omitted rather than sent as nulls.
func forwardPayload(from string, sig signal) map[string]any {
	payload := map[string]any{"from": from}
	if sig.room != "" {
		payload["room"] = sig.room
	}
	if sig.target != "" {
		payload["target"] = sig.target
	}
	if sig.description != nil {
		payload["description"] = sig.description
	}
	if sig.candidate != nil {
		payload["candidate"] = sig.candidate
	}
	if sig.metadata != nil {
		payload["metadata"] = sig.metadata
	}
	return payload
}

func (b *Bridge) replyError(tk *kernel.Toolkit, reason string) {
	tk.Reply(&types.Message{
		Type:    b.opts.Namespace + ":error",
		Payload: map[string]any{"reason": reason},
	})
}
