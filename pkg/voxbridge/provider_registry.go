package voxbridge

import (
	"fmt"
	"strings"

	"github.com/voxkit/voxbridge/pkg/adapters/model"
	"github.com/voxkit/voxbridge/pkg/adapters/speech"
	"github.com/voxkit/voxbridge/pkg/configutil"
	"github.com/voxkit/voxbridge/pkg/providers/cartesia"
	"github.com/voxkit/voxbridge/pkg/providers/deepgram"
	"github.com/voxkit/voxbridge/pkg/providers/mock"
	"github.com/voxkit/voxbridge/pkg/providers/openairt"
)

// ModelFactoryBuilder validates provider settings once and returns a
// per-session constructor. Construction never dials; the model connects
// lazily on Start.
type ModelFactoryBuilder func(cfg Config) (func(sessionID, traceID string) model.StreamingModel, error)

// SynthesizerFactoryBuilder does the same for TTS vendors.
type SynthesizerFactoryBuilder func(cfg Config) (func(sessionID string) speech.Synthesizer, error)

type ProviderRegistry struct {
	models map[string]ModelFactoryBuilder
	synths map[string]SynthesizerFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		models: make(map[string]ModelFactoryBuilder),
		synths: make(map[string]SynthesizerFactoryBuilder),
	}
}

func (r *ProviderRegistry) RegisterModel(name string, builder ModelFactoryBuilder) {
	r.models[normalize(name)] = builder
}

func (r *ProviderRegistry) RegisterSynthesizer(name string, builder SynthesizerFactoryBuilder) {
	r.synths[normalize(name)] = builder
}

func (r *ProviderRegistry) BuildModelFactory(cfg Config) (func(sessionID, traceID string) model.StreamingModel, error) {
	builder := r.models[normalize(cfg.Upstream.Provider)]
	if builder == nil {
		return nil, fmt.Errorf("model provider not registered: %s", cfg.Upstream.Provider)
	}
	return builder(cfg)
}

func (r *ProviderRegistry) BuildSynthesizerFactory(cfg Config) (func(sessionID string) speech.Synthesizer, error) {
	builder := r.synths[normalize(cfg.TTS.Provider)]
	if builder == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.TTS.Provider)
	}
	return builder(cfg)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultProviderRegistry registers the built-in vendors plus mocks for
// local runs.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterModel("openai_realtime", func(cfg Config) (func(string, string) model.StreamingModel, error) {
		if err := configutil.ValidateSettings(cfg.Upstream.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "url", "prefix_padding_ms", "silence_duration_ms", "transcribe_model", "sample_rate"},
		}); err != nil {
			return nil, fmt.Errorf("openai_realtime settings: %w", err)
		}
		var s struct {
			APIKey            string `mapstructure:"api_key"`
			Model             string `mapstructure:"model"`
			URL               string `mapstructure:"url"`
			PrefixPaddingMS   int    `mapstructure:"prefix_padding_ms"`
			SilenceDurationMS int    `mapstructure:"silence_duration_ms"`
			TranscribeModel   string `mapstructure:"transcribe_model"`
			SampleRate        int    `mapstructure:"sample_rate"`
		}
		if err := configutil.DecodeSettings(cfg.Upstream.Settings, &s); err != nil {
			return nil, fmt.Errorf("openai_realtime settings: %w", err)
		}
		return func(sessionID, traceID string) model.StreamingModel {
			return openairt.New(openairt.Config{
				APIKey:            s.APIKey,
				Model:             s.Model,
				URL:               s.URL,
				SessionID:         sessionID,
				TraceID:           traceID,
				SampleRate:        s.SampleRate,
				PrefixPaddingMS:   s.PrefixPaddingMS,
				SilenceDurationMS: s.SilenceDurationMS,
				TranscribeModel:   s.TranscribeModel,
			})
		}, nil
	})

	r.RegisterModel("mock", func(cfg Config) (func(string, string) model.StreamingModel, error) {
		return func(sessionID, traceID string) model.StreamingModel {
			return mock.NewModel(mock.ModelConfig{SessionID: sessionID})
		}, nil
	})

	r.RegisterSynthesizer("cartesia", func(cfg Config) (func(string) speech.Synthesizer, error) {
		if err := configutil.ValidateSettings(cfg.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model_id", "voice_id", "sample_rate", "language"},
		}); err != nil {
			return nil, fmt.Errorf("cartesia settings: %w", err)
		}
		var s struct {
			APIKey     string `mapstructure:"api_key"`
			ModelID    string `mapstructure:"model_id"`
			VoiceID    string `mapstructure:"voice_id"`
			SampleRate int    `mapstructure:"sample_rate"`
			Language   string `mapstructure:"language"`
		}
		if err := configutil.DecodeSettings(cfg.TTS.Settings, &s); err != nil {
			return nil, fmt.Errorf("cartesia settings: %w", err)
		}
		return func(sessionID string) speech.Synthesizer {
			return cartesia.New(cartesia.Config{
				APIKey:     s.APIKey,
				ModelID:    s.ModelID,
				VoiceID:    s.VoiceID,
				SampleRate: s.SampleRate,
				Language:   s.Language,
				SessionID:  sessionID,
			})
		}, nil
	})

	r.RegisterSynthesizer("deepgram", func(cfg Config) (func(string) speech.Synthesizer, error) {
		if err := configutil.ValidateSettings(cfg.TTS.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "sample_rate", "encoding"},
		}); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var s struct {
			APIKey     string `mapstructure:"api_key"`
			Model      string `mapstructure:"model"`
			SampleRate int    `mapstructure:"sample_rate"`
			Encoding   string `mapstructure:"encoding"`
		}
		if err := configutil.DecodeSettings(cfg.TTS.Settings, &s); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		return func(sessionID string) speech.Synthesizer {
			return deepgram.New(deepgram.Config{
				APIKey:     s.APIKey,
				Model:      s.Model,
				SampleRate: s.SampleRate,
				Encoding:   s.Encoding,
				SessionID:  sessionID,
			})
		}, nil
	})

	r.RegisterSynthesizer("mock", func(cfg Config) (func(string) speech.Synthesizer, error) {
		return func(sessionID string) speech.Synthesizer {
			return mock.NewTTS(mock.TTSConfig{})
		}, nil
	})

	return r
}
