// internal/services/narration.go
package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/Corphon/StoryLoom/internal/llm"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// ErrNoAudio is returned when the speech backend produced nothing playable.
var ErrNoAudio = errors.New("no audio produced")

// Voices is the fixed set of prebuilt narration voices.
var Voices = []string{"Kore", "Puck", "Charon", "Fenrir", "Aoede", "Zephyr"}

const (
	DefaultVoice          = "Kore"
	defaultPCMSampleRate  = 24000
	defaultPCMChannels    = 1
	defaultPCMSampleWidth = 16
)

// NormalizeVoice maps an arbitrary voice name onto the supported set.
func NormalizeVoice(voice string) string {
	for _, v := range Voices {
		if strings.EqualFold(v, strings.TrimSpace(voice)) {
			return v
		}
	}
	return DefaultVoice
}

// NarrationAdapter calls the speech endpoint and returns browser-playable WAV.
type NarrationAdapter struct {
	speech llm.SpeechSynthesizer
	model  string
}

func NewNarrationAdapter(speech llm.SpeechSynthesizer, model string) *NarrationAdapter {
	return &NarrationAdapter{speech: speech, model: model}
}

func (a *NarrationAdapter) Synthesize(ctx context.Context, text, language, voice string) ([]byte, error) {
	res, err := a.speech.SynthesizeSpeech(ctx, llm.SpeechRequest{
		Text:     text,
		Voice:    NormalizeVoice(voice),
		Language: language,
		Model:    a.model,
	})
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			return nil, ErrNoAudio
		}
		return nil, err
	}
	if res == nil || len(res.Data) == 0 {
		return nil, ErrNoAudio
	}

	mime := strings.ToLower(res.MimeType)
	if strings.Contains(mime, "wav") {
		return res.Data, nil
	}
	return WrapPCM(res.Data, sampleRateFromMime(mime), defaultPCMChannels, defaultPCMSampleWidth), nil
}

// sampleRateFromMime reads "rate=NNNN" from types like audio/L16;codec=pcm;rate=24000.
func sampleRateFromMime(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if rate, err := strconv.Atoi(value); err == nil && rate > 0 {
				return rate
			}
		}
	}
	return defaultPCMSampleRate
}

// WrapPCM prepends a canonical 44-byte RIFF/WAVE header to little-endian PCM.
func WrapPCM(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// SpeechSource produces narration audio for text.
type SpeechSource interface {
	Synthesize(ctx context.Context, text, language, voice string) ([]byte, error)
}

// AudioPlayer plays synthesized audio on the client.
type AudioPlayer interface {
	Play(ctx context.Context, audio []byte, mimeType string) error
	Stop()
}

// OfflineSpeaker is the local speech fallback used while offline.
type OfflineSpeaker interface {
	Speak(text, language string) error
	Stop()
}

// Narrator keeps at most one narration stream alive per session.
type Narrator struct {
	source  SpeechSource
	player  AudioPlayer
	offline OfflineSpeaker
	online  func() bool

	mu           sync.Mutex
	playing      bool
	gen          uint64
	synthesizing uint64 // generation awaiting audio, 0 when none
}

func NewNarrator(source SpeechSource, player AudioPlayer, offline OfflineSpeaker, online func() bool) *Narrator {
	if online == nil {
		online = func() bool { return true }
	}
	return &Narrator{source: source, player: player, offline: offline, online: online}
}

// Toggle stops the current stream if one is playing; otherwise it starts
// exactly one. It reports whether narration is playing afterwards.
func (n *Narrator) Toggle(ctx context.Context, text, language, voice string) (bool, error) {
	n.mu.Lock()
	if n.playing {
		n.stopLocked()
		n.mu.Unlock()
		return false, nil
	}
	if strings.TrimSpace(text) == "" {
		n.mu.Unlock()
		return false, nil
	}
	n.playing = true
	n.gen++
	gen := n.gen
	online := n.online()
	if online {
		n.synthesizing = gen
	}
	n.mu.Unlock()

	if !online {
		if n.offline == nil {
			n.reset(gen)
			return false, errors.New("offline speech unavailable")
		}
		if err := n.offline.Speak(text, language); err != nil {
			n.reset(gen)
			return false, err
		}
		return true, nil
	}

	audio, err := n.source.Synthesize(ctx, text, language, voice)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.synthesizing == gen {
		n.synthesizing = 0
	}
	if n.gen != gen {
		// stopped while synthesizing
		return false, nil
	}
	if err != nil {
		n.playing = false
		return false, err
	}
	if err := n.player.Play(ctx, audio, "audio/wav"); err != nil {
		n.playing = false
		return false, err
	}
	utils.GetMetricsCollector().IncrementCounter(utils.MetricNarrationPlayed)
	return true, nil
}

func (n *Narrator) reset(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen == gen {
		n.playing = false
	}
}

func (n *Narrator) stopLocked() {
	n.playing = false
	n.synthesizing = 0
	n.gen++
	if n.player != nil {
		n.player.Stop()
	}
	if n.offline != nil {
		n.offline.Stop()
	}
}

// Stop ends any active stream.
func (n *Narrator) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.playing {
		n.stopLocked()
	}
}

// Finished is called when the client reports playback ended on its own.
// A report arriving while a new stream is still being synthesized belongs to
// an older stream and is ignored.
func (n *Narrator) Finished() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.synthesizing != 0 {
		return
	}
	n.playing = false
}

func (n *Narrator) Playing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.playing
}
