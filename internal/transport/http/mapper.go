package http

import (
	"time"

	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

func inboundToDraft(in proto.Inbound) core.Draft {
	draft := core.Draft{
		Target:      core.Target{RoomID: in.RoomID, UserID: in.TargetUserID},
		Content:     in.Content,
		ClientToken: in.ClientToken,
	}
	if in.SentAt > 0 {
		draft.SentAt = time.UnixMilli(in.SentAt)
	}
	return draft
}

func inboundToRefs(in proto.Inbound) []core.MessageRef {
	return lo.Map(in.Acks, func(a proto.AckRef, _ int) core.MessageRef {
		return core.MessageRef{Scope: core.Scope(a.Scope), Seq: a.MessageID}
	})
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func messageFrame(typ string, msg core.Message) proto.Outbound {
	return proto.Outbound{
		V:             proto.ProtocolVersion,
		Type:          typ,
		MessageID:     msg.Seq,
		Scope:         msg.Scope.String(),
		SenderID:      msg.SenderID,
		RoomID:        msg.Target.RoomID,
		TargetUserID:  msg.Target.UserID,
		Content:       msg.Content,
		SentAt:        unixMilli(msg.SentAt),
		DeliveryState: string(msg.DeliveryState),
	}
}

func errorFrame(err *core.CoreError, clientToken string) proto.Outbound {
	if err == nil {
		err = &core.CoreError{Code: core.ErrCodeInternal, Message: "unknown error"}
	}
	return proto.Outbound{
		V:           proto.ProtocolVersion,
		Type:        proto.OutboundTypeError,
		ClientToken: clientToken,
		Error:       &proto.Error{Code: err.Code, Msg: err.Message},
	}
}

func outboundFromDelivery(d core.Delivery) proto.Outbound {
	switch d.Kind {
	case core.DeliveryMessage:
		return messageFrame(proto.OutboundTypeMessage, d.Message)
	case core.DeliverySent:
		out := messageFrame(proto.OutboundTypeSent, d.Sent.Message)
		out.ClientToken = d.Sent.Message.ClientToken
		out.Content = ""
		out.Duplicate = d.Sent.Duplicate
		out.Delivered = d.Sent.Delivered
		out.Queued = d.Sent.Queued
		return out
	case core.DeliveryGap:
		return proto.Outbound{
			V:         proto.ProtocolVersion,
			Type:      proto.OutboundTypeGap,
			Scope:     d.Gap.Scope.String(),
			FromID:    d.Gap.FromSeq,
			ToID:      d.Gap.ToSeq,
			Count:     d.Gap.Count,
			ExpiredAt: unixMilli(d.Gap.ExpiredAt),
		}
	case core.DeliveryDrained:
		return proto.Outbound{
			V:       proto.ProtocolVersion,
			Type:    proto.OutboundTypeDrained,
			Pending: lo.ToPtr(d.Pending),
		}
	case core.DeliveryPresence:
		return proto.Outbound{
			V:          proto.ProtocolVersion,
			Type:       proto.OutboundTypePresence,
			UserID:     d.Presence.UserID,
			Status:     string(d.Presence.Status),
			LastSeenAt: unixMilli(d.Presence.LastSeenAt),
		}
	case core.DeliveryError:
		return errorFrame(d.Error, d.ClientToken)
	default:
		return errorFrame(nil, "")
	}
}
