package types

import (
	"encoding/json"
	"fmt"
)

// Method identifies the kind of a RemoteCommand wire frame.
type Method string

const (
	MethodDeliver         Method = "deliver"
	MethodRedeemURL       Method = "redeemURL"
	MethodRedeemURLReply  Method = "redeemURLReply"
	MethodHandshake       Method = "handshake"
	MethodHandshakeAck    Method = "handshakeAck"
)

// DeliverKind is the discriminator in position 0 of a deliver tuple.
type DeliverKind string

const (
	DeliverMessage        DeliverKind = "message"
	DeliverNotify         DeliverKind = "notify"
	DeliverDropExports    DeliverKind = "dropExports"
	DeliverRetireExports  DeliverKind = "retireExports"
	DeliverRetireImports  DeliverKind = "retireImports"
)

// MessageDelivery is the payload of a ['message', target, {methargs,
// result}] deliver tuple.
type MessageDelivery struct {
	Target   ERef
	MethArgs CapData
	Result   *ERef
}

// NotifyResolution is one entry of a ['notify', [...]] deliver tuple.
type NotifyResolution struct {
	PromiseERef ERef
	Rejected    bool
	Data        CapData
}

// DeliverParams is the decoded form of a RemoteCommand's "params" field
// when Method == MethodDeliver. Exactly one of Message, Notify, Refs is
// populated, selected by Kind.
type DeliverParams struct {
	Kind    DeliverKind
	Message *MessageDelivery
	Notify  []NotifyResolution
	Refs    []ERef
}

type messageTupleWire struct {
	MethArgs CapData `json:"methargs"`
	Result   *ERef   `json:"result"`
}

// MarshalJSON encodes DeliverParams as the tagged-tuple JSON array shape
// specified by the wire format: ['message', target, {...}], ['notify',
// [...]], or [kind, erefs].
func (d DeliverParams) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case DeliverMessage:
		if d.Message == nil {
			return nil, fmt.Errorf("remotecore: deliver kind %q requires a Message payload", d.Kind)
		}
		tuple := []interface{}{
			d.Kind,
			d.Message.Target,
			messageTupleWire{MethArgs: d.Message.MethArgs, Result: d.Message.Result},
		}
		return json.Marshal(tuple)
	case DeliverNotify:
		tuple := make([]interface{}, 0, 2)
		tuple = append(tuple, d.Kind)
		rows := make([][3]interface{}, 0, len(d.Notify))
		for _, n := range d.Notify {
			rows = append(rows, [3]interface{}{n.PromiseERef, n.Rejected, n.Data})
		}
		tuple = append(tuple, rows)
		return json.Marshal(tuple)
	case DeliverDropExports, DeliverRetireExports, DeliverRetireImports:
		tuple := []interface{}{d.Kind, d.Refs}
		return json.Marshal(tuple)
	default:
		return nil, fmt.Errorf("remotecore: unknown deliver kind %q", d.Kind)
	}
}

// UnmarshalJSON decodes a tagged-tuple deliver params array back into a
// DeliverParams.
func (d *DeliverParams) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("remotecore: deliver params is not a tuple: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("remotecore: deliver params tuple needs at least 2 elements, got %d", len(raw))
	}
	var kind DeliverKind
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return fmt.Errorf("remotecore: deliver params discriminator: %w", err)
	}
	switch kind {
	case DeliverMessage:
		if len(raw) != 3 {
			return fmt.Errorf("remotecore: %q tuple needs 3 elements, got %d", kind, len(raw))
		}
		var target ERef
		if err := json.Unmarshal(raw[1], &target); err != nil {
			return err
		}
		var wire messageTupleWire
		if err := json.Unmarshal(raw[2], &wire); err != nil {
			return err
		}
		d.Kind = kind
		d.Message = &MessageDelivery{Target: target, MethArgs: wire.MethArgs, Result: wire.Result}
		return nil
	case DeliverNotify:
		var rows [][3]json.RawMessage
		if err := json.Unmarshal(raw[1], &rows); err != nil {
			return fmt.Errorf("remotecore: notify tuple rows: %w", err)
		}
		notify := make([]NotifyResolution, 0, len(rows))
		for _, row := range rows {
			var n NotifyResolution
			if err := json.Unmarshal(row[0], &n.PromiseERef); err != nil {
				return err
			}
			if err := json.Unmarshal(row[1], &n.Rejected); err != nil {
				return err
			}
			if err := json.Unmarshal(row[2], &n.Data); err != nil {
				return err
			}
			notify = append(notify, n)
		}
		d.Kind = kind
		d.Notify = notify
		return nil
	case DeliverDropExports, DeliverRetireExports, DeliverRetireImports:
		var refs []ERef
		if err := json.Unmarshal(raw[1], &refs); err != nil {
			return err
		}
		d.Kind = kind
		d.Refs = refs
		return nil
	default:
		return fmt.Errorf("remotecore: unknown deliver kind %q", kind)
	}
}

// RedeemURLRequest is the params of a "redeemURL" RemoteCommand, encoded
// on the wire as the tuple [replyKey, url].
type RedeemURLRequest struct {
	ReplyKey string
	URL      string
}

func (r RedeemURLRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{r.ReplyKey, r.URL})
}

func (r *RedeemURLRequest) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("remotecore: redeemURL params: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &r.ReplyKey); err != nil {
		return err
	}
	return json.Unmarshal(tuple[1], &r.URL)
}

// RedeemURLReply is the params of a "redeemURLReply" RemoteCommand,
// encoded as the tuple [success, replyKey, value] where value is the
// redeemed KRef/ERef on success or a failure reason string otherwise.
type RedeemURLReply struct {
	Success  bool
	ReplyKey string
	Value    string
}

func (r RedeemURLReply) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]interface{}{r.Success, r.ReplyKey, r.Value})
}

func (r *RedeemURLReply) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("remotecore: redeemURLReply params: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &r.Success); err != nil {
		return err
	}
	if err := json.Unmarshal(tuple[1], &r.ReplyKey); err != nil {
		return err
	}
	return json.Unmarshal(tuple[2], &r.Value)
}

// Frame is the wire shape of everything sent over a peer channel once
// past the handshake: a RemoteCommand, or a standalone ACK. Seq is nil
// for a standalone ACK frame.
type Frame struct {
	Seq    *int64          `json:"seq,omitempty"`
	Ack    *int64          `json:"ack,omitempty"`
	Method Method          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// IsStandaloneAck reports whether this frame carries only an ACK, with no
// sequenced payload.
func (f Frame) IsStandaloneAck() bool {
	return f.Seq == nil && f.Ack != nil
}

// EncodeFrame serializes a Frame to the UTF-8 JSON bytes that travel over
// the channel.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses raw bytes read off a channel into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("remotecore: malformed frame: %w", err)
	}
	return f, nil
}

// HandshakeFrame is exchanged once per channel, before any application
// Frame, and is never given a seq/ack. PeerId identifies the sender of
// this handshake frame: it's how the accepting side of a connection
// learns which peer just dialed in, since the Channel/Listener
// abstraction below it carries no identity of its own.
type HandshakeFrame struct {
	Method Method `json:"method"`
	Params struct {
		IncarnationId IncarnationId `json:"incarnationId"`
		PeerId        PeerId        `json:"peerId"`
	} `json:"params"`
}

func EncodeHandshake(method Method, incarnation IncarnationId, peerId PeerId) ([]byte, error) {
	h := HandshakeFrame{Method: method}
	h.Params.IncarnationId = incarnation
	h.Params.PeerId = peerId
	return json.Marshal(h)
}

func DecodeHandshake(data []byte) (HandshakeFrame, error) {
	var h HandshakeFrame
	if err := json.Unmarshal(data, &h); err != nil {
		return HandshakeFrame{}, fmt.Errorf("remotecore: malformed handshake frame: %w", err)
	}
	if h.Method != MethodHandshake && h.Method != MethodHandshakeAck {
		return HandshakeFrame{}, fmt.Errorf("remotecore: unexpected handshake method %q", h.Method)
	}
	return h, nil
}
