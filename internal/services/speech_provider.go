package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NicoHurtado/p2c/internal/logger"
	"github.com/NicoHurtado/p2c/internal/utils"
)

// SpeechProviderService turns text into spoken audio. Like video search it is
// an optional capability: without an API key the service reports disabled and
// audio endpoints refuse politely.
type SpeechProviderService interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
	Enabled() bool
}

type speechProviderService struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	voiceID    string
	modelID    string
	httpClient *http.Client
}

func NewSpeechProviderService(log *logger.Logger) SpeechProviderService {
	serviceLog := log.With("service", "SpeechProviderService")

	apiKey := strings.TrimSpace(utils.GetEnv("ELEVENLABS_API_KEY", "", nil))
	if apiKey == "" {
		serviceLog.Warn("ELEVENLABS_API_KEY not set, audio synthesis disabled")
	}

	timeoutSec := utils.GetEnvAsInt("ELEVENLABS_TIMEOUT_SECONDS", 60, nil)
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	return &speechProviderService{
		log:        serviceLog,
		baseURL:    strings.TrimRight(utils.GetEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io", nil), "/"),
		apiKey:     apiKey,
		voiceID:    utils.GetEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM", nil),
		modelID:    utils.GetEnv("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2", nil),
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

func (s *speechProviderService) Enabled() bool { return s.apiKey != "" }

type ttsRequest struct {
	Text          string `json:"text"`
	ModelID       string `json:"model_id"`
	VoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	} `json:"voice_settings"`
}

func (s *speechProviderService) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("audio synthesis disabled: missing ELEVENLABS_API_KEY")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text required")
	}

	reqBody := ttsRequest{Text: text, ModelID: s.modelID}
	reqBody.VoiceSettings.Stability = 0.5
	reqBody.VoiceSettings.SimilarityBoost = 0.75

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", s.baseURL, s.voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs http %d: %s", resp.StatusCode, string(raw))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs returned empty audio")
	}
	return audio, nil
}
