package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/presence-hub/backend/internal/client"
	"github.com/presence-hub/backend/internal/config"
	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/observability"
	"github.com/presence-hub/backend/internal/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "server base URL")
	name := flag.String("name", "", "client display name")
	transport := flag.String("transport", "auto", "transport: auto, websocket or longpoll")
	noReconnect := flag.Bool("no-reconnect", false, "disable automatic reconnection")
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := observability.InitLogger("presence-client")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	transports, err := buildTransports(*transport)
	if err != nil {
		logger.Fatal().Err(err).Str("transport", *transport).Msg("unknown transport")
	}

	m := client.NewManager(client.Config{
		ServerURL:         *serverURL,
		ClientName:        *name,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		InitialDelay:      cfg.Reconnect.InitialDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		ConnectTimeout:    cfg.Reconnect.ConnectTimeout,
		AutoReconnect:     !*noReconnect,
	}, transports, logger)

	m.OnStateChange(func(old, next model.ConnectionState) {
		logger.Info().Str("from", old.String()).Str("to", next.String()).Msg("state changed")
	})
	m.OnEvent(func(msg protocol.Message) { logEvent(logger, msg) })

	if err := m.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("connect failed")
	}

	go readStdin(m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	m.Stop()
	stats := m.Stats()
	logger.Info().
		Str("connection_id", stats.ConnectionID).
		Str("transport", stats.Transport).
		Int("heartbeats_sent", stats.HeartbeatsSent).
		Int("reconnects", stats.Reconnects).
		Dur("last_latency", stats.LastLatency).
		Msg("session summary")
}

func buildTransports(kind string) ([]client.Transport, error) {
	switch kind {
	case "auto":
		return []client.Transport{client.WebsocketTransport{}, client.LongpollTransport{}}, nil
	case "websocket":
		return []client.Transport{client.WebsocketTransport{}}, nil
	case "longpoll":
		return []client.Transport{client.LongpollTransport{}}, nil
	default:
		return nil, errors.New("unsupported transport")
	}
}

// readStdin turns each stdin line into a chat message until EOF.
func readStdin(m *client.Manager, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg := protocol.NewMessage(protocol.MsgSendMessage, protocol.SendMessageRequest{Text: text})
		if err := m.Send(msg); err != nil {
			logger.Warn().Err(err).Msg("message not sent")
		}
	}
}

func logEvent(logger zerolog.Logger, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgConnected:
		var p protocol.ConnectedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Info().Str("connection_id", p.ConnectionID).
				Dur("heartbeat_interval", time.Duration(p.HeartbeatIntervalMs)*time.Millisecond).
				Msg("connected")
		}
	case protocol.MsgReconnected:
		var p protocol.ReconnectedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Info().Str("connection_id", p.ConnectionID).Msg("reconnected")
		}
	case protocol.MsgClientJoined:
		var p protocol.ClientJoinedPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Info().Str("client", p.ClientName).Int("total", p.TotalClients).Msg("client joined")
		}
	case protocol.MsgClientLeft:
		var p protocol.ClientLeftPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Info().Str("client", p.ClientName).Int("total", p.TotalClients).Msg("client left")
		}
	case protocol.MsgMessage:
		var p protocol.MessagePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Info().Str("from", p.From).Str("text", p.Text).Msg("message")
		}
	case protocol.MsgServerHeartbeat:
		var p protocol.ServerHeartbeatPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			logger.Debug().Int("clients", p.ConnectedClients).Msg("server heartbeat")
		}
	case protocol.MsgHeartbeatResponse, protocol.MsgPong:
		// latency already folded into stats
	default:
		logger.Debug().Str("type", string(msg.Type)).Msg("event")
	}
}
