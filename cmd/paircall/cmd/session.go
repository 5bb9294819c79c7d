package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/secure-chat/pairing-relay/internal/call"
	"github.com/secure-chat/pairing-relay/internal/config"
	"github.com/secure-chat/pairing-relay/internal/signaling"
)

// runSession joins the room, announces the local name, and pumps chat and
// call envelopes until EOF on stdin, a signal, or the connection dropping.
// When caller is true this side starts the call once connected to the room.
func runSession(room string, caller bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	client, err := signaling.DialRoom(dialCtx, flagRelayURL, room)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	api, media, err := callMedia()
	if err != nil {
		return err
	}
	ctrl, err := call.New(call.Config{
		Logger:     slog.Default(),
		API:        api,
		ICEServers: iceServers(ctx),
		Room:       room,
		Signaler:   client,
		Media:      media,
		OnStateChange: func(st call.State) {
			switch st {
			case call.StateConnected:
				fmt.Println("* call connected")
			case call.StateEnded:
				fmt.Println("* call ended")
			}
		},
	})
	if err != nil {
		return err
	}
	defer ctrl.End()

	if err := client.Send(signaling.Envelope{
		Type: signaling.EnvelopeJoined,
		Room: room,
		Name: flagName,
	}); err != nil {
		return fmt.Errorf("announce join: %w", err)
	}

	if caller {
		if err := ctrl.Start(ctx); err != nil {
			return err
		}
	}

	go readChatLines(ctx, client, room)

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-client.Incoming():
			if !ok {
				fmt.Println("connection closed")
				return nil
			}
			handleIncoming(ctx, ctrl, env)
		}
	}
}

func handleIncoming(ctx context.Context, ctrl *call.Controller, env signaling.Envelope) {
	switch env.Type {
	case signaling.EnvelopeChat:
		at := time.UnixMilli(env.SentAt).Format("15:04:05")
		name := env.Name
		if name == "" {
			name = "peer"
		}
		fmt.Printf("[%s] %s: %s\n", at, name, env.Text)
	case signaling.EnvelopeJoined:
		fmt.Printf("* %s joined the room\n", env.Name)
	default:
		if err := ctrl.HandleEnvelope(ctx, env); err != nil {
			slog.Warn("call envelope", "type", env.Type, "err", err)
		}
	}
}

// readChatLines forwards stdin lines as chat envelopes.
func readChatLines(ctx context.Context, client *signaling.Client, room string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		err := client.Send(signaling.Envelope{
			Type:   signaling.EnvelopeChat,
			Room:   room,
			Text:   text,
			Name:   flagName,
			SentAt: time.Now().UnixMilli(),
		})
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func callMedia() (*webrtc.API, call.MediaSource, error) {
	if flagNoMedia {
		api, err := call.NewAPI()
		if err != nil {
			return nil, nil, err
		}
		return api, call.NoCapture{}, nil
	}
	return call.NewMicrophoneAPI()
}

// iceServers prefers explicit --stun flags, then the relay's /api/ice
// answer, then the baked-in default.
func iceServers(ctx context.Context) []webrtc.ICEServer {
	if len(flagSTUN) > 0 {
		servers := make([]webrtc.ICEServer, 0, len(flagSTUN))
		for _, u := range flagSTUN {
			servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
		}
		return servers
	}

	pc := &signaling.PairingClient{BaseURL: flagRelayURL}
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if servers, err := pc.ICEServers(fetchCtx); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{config.DefaultSTUNServer}}}
}
