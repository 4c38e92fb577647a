package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"llm-edge-gateway/internal/llm"
	"llm-edge-gateway/internal/voice"
	"llm-edge-gateway/pkg/logging/logging"
)

// Speech is the speech backend. *voice.Client implements it.
type Speech interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (voice.Transcript, error)
	Synthesize(ctx context.Context, text, voiceName string) (voice.Audio, error)
	MaxAudioBytes() int64
}

var errVoiceDisabled = errors.New("voice backend not configured")

const voiceSystemPrompt = "You are a voice assistant. Answer in a few short spoken sentences without markdown."

// AudioHandler serves the transcription, speech and voice routes.
type AudioHandler struct {
	speech Speech
	chat   *ChatHandler
	model  string
}

// NewAudioHandler wires the audio routes. speech may be nil, in which case
// every audio route answers 503. model answers the voice routes.
func NewAudioHandler(speech Speech, chat *ChatHandler, model string) *AudioHandler {
	return &AudioHandler{speech: speech, chat: chat, model: model}
}

// Transcribe handles POST /v1/listen and /v1/voice/transcribe.
func (h *AudioHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		WriteJSON(w, http.StatusNotImplemented, errorBody{Error: "websocket transcription not supported"})
		return
	}
	if !h.ready(w) {
		return
	}

	tr, err := h.transcribe(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tr)
}

type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// TextToSpeech handles POST /v1/text-to-speech.
func (h *AudioHandler) TextToSpeech(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req speechRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), req.Text, req.Voice)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeAudio(w, audio)
}

type voiceQueryResponse struct {
	Transcription string `json:"transcription"`
	Response      string `json:"response"`
}

// VoiceQuery handles POST /v1/voice/query: transcribe, then answer in text.
func (h *AudioHandler) VoiceQuery(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	start := time.Now()

	tr, err := h.transcribe(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	answer, err := h.answer(r.Context(), tr.Text)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("voice_query",
		zap.Int("transcript_len", len(tr.Text)),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	WriteJSON(w, http.StatusOK, voiceQueryResponse{Transcription: tr.Text, Response: answer})
}

// VoiceChat handles POST /v1/voice/chat: transcribe, answer, and speak the
// answer. The transcript rides along in X-Transcription.
func (h *AudioHandler) VoiceChat(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	start := time.Now()

	tr, err := h.transcribe(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	answer, err := h.answer(r.Context(), tr.Text)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	audio, err := h.speech.Synthesize(r.Context(), answer, r.URL.Query().Get("voice"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	logging.L(r.Context()).Info("voice_chat",
		zap.Int("transcript_len", len(tr.Text)),
		zap.Int("audio_bytes", len(audio.Data)),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	w.Header().Set("X-Transcription", headerSafe(tr.Text))
	writeAudio(w, audio)
}

func (h *AudioHandler) ready(w http.ResponseWriter) bool {
	if h.speech == nil {
		WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: errVoiceDisabled.Error()})
		return false
	}
	return true
}

// transcribe reads at most one byte past the limit so oversize uploads are
// reported by the speech client instead of being truncated silently.
func (h *AudioHandler) transcribe(r *http.Request) (voice.Transcript, error) {
	audio, err := io.ReadAll(io.LimitReader(r.Body, h.speech.MaxAudioBytes()+1))
	if err != nil {
		return voice.Transcript{}, err
	}
	return h.speech.Transcribe(r.Context(), audio, r.Header.Get("Content-Type"))
}

func (h *AudioHandler) answer(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", &llm.ValidationError{Message: "no speech detected"}
	}
	resp, err := h.chat.complete(ctx, &llm.CompletionRequest{
		Model: h.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: llm.TextContent(voiceSystemPrompt)},
			{Role: llm.RoleUser, Content: llm.TextContent(text)},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func writeAudio(w http.ResponseWriter, audio voice.Audio) {
	ct := audio.ContentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// headerSafe flattens text onto one line of printable ASCII.
func headerSafe(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c == '\n' || c == '\r' || c == '\t':
			b.WriteByte(' ')
		case c >= 0x20 && c < 0x7f:
			b.WriteRune(c)
		default:
			b.WriteByte('?')
		}
	}
	if b.Len() > 1024 {
		return b.String()[:1024]
	}
	return b.String()
}
