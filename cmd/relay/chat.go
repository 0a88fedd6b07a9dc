package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

type chatOptions struct {
	addr  string
	token string
	room  string
	to    string
}

func newChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive WebSocket client for manual testing",
		Args: func(cmd *cobra.Command, args []string) error {
			if (opts.room == "") == (opts.to == "") {
				return fmt.Errorf("exactly one of --room or --to is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "WebSocket address")
	cmd.Flags().StringVar(&opts.token, "token", "", "client token (see the token command)")
	cmd.Flags().StringVar(&opts.room, "room", "", "room to talk in")
	cmd.Flags().StringVar(&opts.to, "to", "", "user to message directly")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, opts.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, proto.Inbound{V: proto.ProtocolVersion, Type: proto.InboundTypeHello, Token: opts.token}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	readErr := make(chan error, 1)
	go func() {
		defer cancel()
		readErr <- readFrames(ctx, conn, out)
	}()

	writeLines(ctx, conn, opts, in)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	select {
	case err := <-readErr:
		return err
	case <-time.After(time.Second):
		return nil
	}
}

func readFrames(ctx context.Context, conn *websocket.Conn, out io.Writer) error {
	for {
		var frame proto.Outbound
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch frame.Type {
		case proto.OutboundTypeWelcome:
			fmt.Fprintf(out, "connected as %s (session %s)\n", frame.UserID, frame.SessionID)
		case proto.OutboundTypeDrained:
			fmt.Fprintf(out, "-- %d queued message(s) replayed --\n", lo.FromPtr(frame.Pending))
		case proto.OutboundTypeMessage:
			where := frame.RoomID
			if where == "" {
				where = "dm"
			}
			fmt.Fprintf(out, "[%s #%d] %s: %s\n", where, frame.MessageID, frame.SenderID, frame.Content)
			ack := proto.Inbound{
				V:    proto.ProtocolVersion,
				Type: proto.InboundTypeAck,
				Acks: []proto.AckRef{{Scope: frame.Scope, MessageID: frame.MessageID}},
			}
			if err := wsjson.Write(ctx, conn, ack); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		case proto.OutboundTypeSent:
			fmt.Fprintf(out, "  sent #%d (delivered %d, queued %d)\n", frame.MessageID, frame.Delivered, frame.Queued)
		case proto.OutboundTypeGap:
			fmt.Fprintf(out, "-- %d message(s) in %s expired before delivery --\n", frame.Count, frame.Scope)
		case proto.OutboundTypePresence:
			fmt.Fprintf(out, "* %s is %s\n", frame.UserID, frame.Status)
		case proto.OutboundTypeError:
			if frame.Error != nil {
				fmt.Fprintf(out, "error %s: %s\n", frame.Error.Code, frame.Error.Msg)
			}
		default:
			fmt.Fprintf(out, "%s\n", frame.Type)
		}
	}
}

func writeLines(ctx context.Context, conn *websocket.Conn, opts chatOptions, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			msg := proto.Inbound{
				V:            proto.ProtocolVersion,
				Type:         proto.InboundTypeMsg,
				RoomID:       opts.room,
				TargetUserID: opts.to,
				Content:      line,
				ClientToken:  uuid.NewString(),
				SentAt:       time.Now().UnixMilli(),
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}
