package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	openairt "github.com/WqyJh/go-openai-realtime"
	"go.uber.org/zap"

	"github.com/harmonia-bot/harmonia/internal/config"
)

// SpeechProvider opens realtime conversational connections to the
// remote speech service.
type SpeechProvider interface {
	Open(ctx context.Context, sessionCfg SpeechSessionConfig, events SpeechEvents) (SpeechConn, error)
}

// SpeechSessionConfig configures one realtime connection.
type SpeechSessionConfig struct {
	Model        string
	Voice        string
	Instructions string

	// SeedContext is injected as conversation context right after the
	// session opens (recent text-channel snippets, or transcript
	// snippets after a reconnect).
	SeedContext []string
}

// SpeechEvents are the callbacks a connection delivers. All of them
// fire on the connection's read goroutine.
type SpeechEvents struct {
	// OnAudioDelta delivers one decoded synthesized audio chunk with
	// its MIME type.
	OnAudioDelta func(mimeType string, pcm []byte)

	// OnTextDelta delivers one transcript fragment of the response.
	OnTextDelta func(text string)

	// OnTurnComplete marks the end of one response turn.
	OnTurnComplete func()

	// OnGoAway signals the service wants the client to reconnect.
	OnGoAway func()

	OnError func(err error)

	// OnClose fires once when the connection ends. wasClean is true
	// only for a close this side initiated.
	OnClose func(code int, reason string, wasClean bool)
}

// SpeechConn is one live connection to the speech service.
type SpeechConn interface {
	// SendAudio forwards raw service-format PCM as realtime input.
	SendAudio(ctx context.Context, pcm []byte) error

	// CommitUtterance signals end of the current speaker's utterance
	// and asks the service to respond.
	CommitUtterance(ctx context.Context) error

	// SendSystemText injects a system instruction and asks for a
	// spoken response to it.
	SendSystemText(ctx context.Context, text string) error

	Close() error
}

type realtimeProvider struct {
	logger *zap.Logger
	cfg    *config.VoiceConfig
	client *openairt.Client
}

// NewRealtimeProvider builds the OpenAI Realtime backed provider.
// The realtime API key falls back to the main OpenAI key.
func NewRealtimeProvider(logger *zap.Logger, cfg *config.Config) SpeechProvider {
	apiKey := cfg.Voice.RealtimeAPIKey
	if apiKey == "" {
		apiKey = cfg.OpenAI.APIKey
	}

	return &realtimeProvider{
		logger: logger,
		cfg:    &cfg.Voice,
		client: openairt.NewClient(apiKey),
	}
}

func (p *realtimeProvider) Open(ctx context.Context, sessionCfg SpeechSessionConfig, events SpeechEvents) (SpeechConn, error) {
	p.logger.Info("Connecting to realtime speech service",
		zap.String("model", sessionCfg.Model),
		zap.String("voice", sessionCfg.Voice))

	conn, err := p.client.Connect(ctx, openairt.WithModel(sessionCfg.Model))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime service: %w", err)
	}

	rc := &realtimeConn{
		logger: p.logger,
		conn:   conn,
		events: events,
	}

	if err := rc.configure(ctx, sessionCfg); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	rc.cancelRead = cancel
	go rc.readLoop(readCtx)

	return rc, nil
}

type realtimeConn struct {
	logger *zap.Logger
	conn   *openairt.Conn
	events SpeechEvents

	// sendMu serializes outbound websocket messages.
	sendMu sync.Mutex

	closing    atomic.Bool
	cancelRead context.CancelFunc
	closeOnce  sync.Once
}

func (c *realtimeConn) configure(ctx context.Context, sessionCfg SpeechSessionConfig) error {
	update := &openairt.SessionUpdateEvent{
		Session: openairt.ClientSession{
			Modalities:        []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
			Voice:             mapVoice(sessionCfg.Voice),
			OutputAudioFormat: openairt.AudioFormatPcm16,
			InputAudioFormat:  openairt.AudioFormatPcm16,
			Instructions:      sessionCfg.Instructions,
			// The bridge does its own silence detection and commits
			// utterances explicitly.
			TurnDetection: nil,
		},
	}

	if err := c.send(ctx, update); err != nil {
		return err
	}

	if len(sessionCfg.SeedContext) > 0 {
		seed := "Recent conversation context:\n" + strings.Join(sessionCfg.SeedContext, "\n")
		if err := c.send(ctx, systemMessageEvent(seed)); err != nil {
			return err
		}
	}

	return nil
}

func (c *realtimeConn) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	return c.send(ctx, &openairt.InputAudioBufferAppendEvent{
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *realtimeConn) CommitUtterance(ctx context.Context) error {
	if err := c.send(ctx, &openairt.InputAudioBufferCommitEvent{}); err != nil {
		return err
	}

	return c.send(ctx, &openairt.ResponseCreateEvent{
		Response: openairt.ResponseCreateParams{
			Modalities: []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
		},
	})
}

func (c *realtimeConn) SendSystemText(ctx context.Context, text string) error {
	if err := c.send(ctx, systemMessageEvent(text)); err != nil {
		return err
	}

	return c.send(ctx, &openairt.ResponseCreateEvent{
		Response: openairt.ResponseCreateParams{
			Modalities: []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
		},
	})
}

func (c *realtimeConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if c.cancelRead != nil {
			c.cancelRead()
		}
		err = c.conn.Close()
	})

	return err
}

func (c *realtimeConn) send(ctx context.Context, event openairt.ClientEvent) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return c.conn.SendMessage(ctx, event)
}

func (c *realtimeConn) readLoop(ctx context.Context) {
	for {
		event, err := c.conn.ReadMessage(ctx)
		if err != nil {
			c.dispatchClose(err)

			return
		}

		c.dispatch(ctx, event)
	}
}

func (c *realtimeConn) dispatchClose(err error) {
	if c.events.OnClose == nil {
		return
	}

	if c.closing.Load() {
		c.events.OnClose(1000, "client closed", true)

		return
	}

	c.events.OnClose(1006, err.Error(), false)
}

func (c *realtimeConn) dispatch(ctx context.Context, event openairt.ServerEvent) {
	switch event.ServerEventType() {
	case openairt.ServerEventTypeResponseAudioDelta:
		delta := event.(openairt.ResponseAudioDeltaEvent)
		if c.events.OnAudioDelta == nil || delta.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(delta.Delta)
		if err != nil {
			c.logger.Error("Failed to decode audio delta", zap.Error(err))

			return
		}
		c.events.OnAudioDelta(servicePCMMimeType, pcm)

	case openairt.ServerEventTypeResponseAudioTranscriptDelta:
		delta := event.(openairt.ResponseAudioTranscriptDeltaEvent)
		if c.events.OnTextDelta != nil && delta.Delta != "" {
			c.events.OnTextDelta(delta.Delta)
		}

	case openairt.ServerEventTypeResponseDone:
		if c.events.OnTurnComplete != nil {
			c.events.OnTurnComplete()
		}

	case openairt.ServerEventTypeError:
		errEvent := event.(openairt.ErrorEvent)
		if isGoAway(errEvent.Error.Code) {
			if c.events.OnGoAway != nil {
				c.events.OnGoAway()
			}

			return
		}
		if c.events.OnError != nil {
			c.events.OnError(fmt.Errorf("realtime service error: %s", errEvent.Error.Message))
		}
	}
}

// servicePCMMimeType describes the service's synthesized audio output.
const servicePCMMimeType = "audio/pcm;rate=24000"

func isGoAway(code string) bool {
	switch code {
	case "session_expired", "session_timeout":
		return true
	default:
		return false
	}
}

func systemMessageEvent(text string) *openairt.ConversationItemCreateEvent {
	return &openairt.ConversationItemCreateEvent{
		Item: openairt.MessageItem{
			Type: openairt.MessageItemTypeMessage,
			Role: openairt.MessageRoleSystem,
			Content: []openairt.MessageContentPart{
				{
					Type: openairt.MessageContentTypeInputText,
					Text: text,
				},
			},
		},
	}
}

func mapVoice(preset string) openairt.Voice {
	switch preset {
	case "alloy":
		return openairt.VoiceAlloy
	case "echo":
		return openairt.VoiceEcho
	case "shimmer":
		return openairt.VoiceShimmer
	default:
		return openairt.VoiceShimmer
	}
}
