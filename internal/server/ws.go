package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memoirhq/narrator/internal/domain"
	"github.com/memoirhq/narrator/internal/id"
	"github.com/memoirhq/narrator/internal/interviewer"
	"github.com/memoirhq/narrator/internal/metrics"
	"github.com/memoirhq/narrator/internal/objstore"
	"github.com/memoirhq/narrator/internal/settings"
	"github.com/memoirhq/narrator/internal/speech"
	"github.com/memoirhq/narrator/internal/store"
)

// WriteTimeout bounds each frame write so one stalled client cannot pin a
// goroutine forever.
const WriteTimeout = 10 * time.Second

// clientMessage is one inbound turn request.
type clientMessage struct {
	UserID   string `json:"user_id"`
	Text     string `json:"text"`
	HasVoice bool   `json:"has_voice"`
}

// frame is one outbound message. Per turn the client sees session_id, then
// user_text_id, then start, then interleaved text and audio frames, then
// text_finish. Errors arrive as their own frame type.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	TextID    int64  `json:"text_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Audio     string `json:"data,omitempty"`
	FullText  string `json:"full_text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ChatHandler upgrades dialogue connections and runs interviewer turns
// over them.
type ChatHandler struct {
	store    *store.Store
	settings *settings.Cache
	engine   *interviewer.Engine
	synth    speech.Synthesizer
	audio    *objstore.Client

	upgrader websocket.Upgrader
}

// NewChatHandler wires the dialogue channel. audio may be nil when no
// object store is configured; reply audio is then streamed but not kept.
func NewChatHandler(st *store.Store, set *settings.Cache, engine *interviewer.Engine, synth speech.Synthesizer, audio *objstore.Client) *ChatHandler {
	return &ChatHandler{
		store:    st,
		settings: set,
		engine:   engine,
		synth:    synth,
		audio:    audio,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	slog.Info("dialogue connection opened", "remote", r.RemoteAddr)

	writer := &connWriter{conn: conn}
	sessionSent := false
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("dialogue connection dropped", "error", err)
			}
			return
		}
		h.handleTurn(r.Context(), writer, msg, &sessionSent)
	}
}

func (h *ChatHandler) handleTurn(ctx context.Context, w *connWriter, msg clientMessage, sessionSent *bool) {
	if msg.UserID == "" || strings.TrimSpace(msg.Text) == "" {
		w.write(frame{Type: "error", Message: "user_id and text are required"})
		return
	}

	turnID := id.NewTurn()
	slog.Debug("turn started", "turn", turnID, "user_id", msg.UserID, "has_voice", msg.HasVoice)

	// Issued at most once per connection.
	if !*sessionSent {
		w.write(frame{Type: "session_id", SessionID: h.sessionID(ctx, msg.UserID)})
		*sessionSent = true
	}

	// Synthesis runs off the turn's critical path. The pipeline pushes
	// audio frames from its own goroutine; connWriter serializes them
	// against the text frames.
	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var audioParts [][]byte
	pipeline := speech.NewPipeline(pipeCtx, h.synth, func(a speech.Audio) {
		if err := w.write(frame{Type: "audio", Audio: base64.StdEncoding.EncodeToString(a.Data)}); err != nil {
			return
		}
		audioParts = append(audioParts, a.Data)
		h.recordTTS(pipeCtx, msg.UserID, a)
	})

	splitter := interviewer.NewSplitter(func(sentence string) error {
		return pipeline.Push(pipeCtx, sentence)
	})

	result, err := h.engine.Turn(ctx, interviewer.TurnRequest{
		UserID:   msg.UserID,
		Text:     msg.Text,
		HasVoice: msg.HasVoice,
		OnUserStored: func(uttID int64) {
			w.write(frame{Type: "user_text_id", TextID: uttID})
			w.write(frame{Type: "start"})
		},
	}, func(delta string) error {
		if err := w.write(frame{Type: "text", Content: delta}); err != nil {
			return err
		}
		return splitter.Write(delta)
	})
	if err != nil {
		pipeline.Close()
		slog.Error("dialogue turn failed", "turn", turnID, "user_id", msg.UserID, "error", err)
		w.write(frame{Type: "error", Message: "turn failed"})
		return
	}

	if err := splitter.Flush(); err != nil {
		slog.Warn("sentence flush failed", "user_id", msg.UserID, "error", err)
	}
	pipeline.Close()

	w.write(frame{Type: "text_finish", TextID: result.ReplyUtteranceID, FullText: result.Reply})

	if h.audio != nil && len(audioParts) > 0 {
		go h.storeReplyAudio(msg.UserID, result.ReplyUtteranceID, bytes.Join(audioParts, nil))
	}
}

// sessionID reports the interviewer session the next turn will ride on, or
// a fresh placeholder when the user has none yet.
func (h *ChatHandler) sessionID(ctx context.Context, userID string) string {
	state, err := h.store.GetNarrationState(ctx, userID)
	if err == nil && state.Intv.SessionID != nil {
		return *state.Intv.SessionID
	}
	return id.NewSession()
}

func (h *ChatHandler) recordTTS(ctx context.Context, userID string, a speech.Audio) {
	ctx, cancelFn := context.WithTimeout(ctx, 5*time.Second)
	defer cancelFn()

	chars := len([]rune(a.Sentence))
	call := &domain.TTSCall{
		UserID:     userID,
		ModelID:    h.settings.Values(ctx).TTSModelID,
		DurationMS: int(a.Duration.Milliseconds()),
		Chars:      chars,
	}
	if model, err := h.settings.Model(ctx, call.ModelID); err == nil {
		call.Cost = float64(chars) * model.InputPrice / 1000
	}
	if err := h.store.RecordTTSCall(ctx, call); err != nil {
		slog.Warn("tts telemetry write failed", "user_id", userID, "error", err)
	}
}

// storeReplyAudio uploads the concatenated reply audio and links it to the
// reply utterance. Runs in the background; a failure costs only the replay.
func (h *ChatHandler) storeReplyAudio(userID string, utteranceID int64, data []byte) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	key := id.NewAudioKey() + ".mp3"
	url, err := h.audio.Put(ctx, key, "audio/mpeg", data)
	if err != nil {
		slog.Error("reply audio upload failed", "user_id", userID, "error", err)
		return
	}
	rec := &domain.VoiceRecord{
		UserID:      userID,
		Speaker:     domain.SpeakerAssistant,
		URL:         url,
		UtteranceID: &utteranceID,
	}
	if err := h.store.CreateVoiceRecord(ctx, rec); err != nil {
		slog.Error("voice record write failed", "user_id", userID, "error", err)
	}
}

// connWriter serializes frame writes; gorilla allows one concurrent writer.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *connWriter) write(f frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return w.conn.WriteJSON(f)
}
