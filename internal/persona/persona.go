package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/antoniostano/switchline/internal/synth"
)

// Persona is a read-only character definition: who the assistant is, how it
// speaks, and which synthesis voice it uses. The orchestrator never mutates it.
type Persona struct {
	Key          string
	Name         string
	SystemPrompt string
	Greeting     string
	Language     string
	Gender       string
	Voice        synth.VoiceProfile
}

// Loader reads persona definitions from <dir>/<key>.character.json and caches
// them for the process lifetime.
type Loader struct {
	dir        string
	defaultKey string

	mu    sync.RWMutex
	cache map[string]Persona
}

func NewLoader(dir, defaultKey string) *Loader {
	if strings.TrimSpace(defaultKey) == "" {
		defaultKey = "assistant"
	}
	return &Loader{
		dir:        dir,
		defaultKey: defaultKey,
		cache:      make(map[string]Persona),
	}
}

func (l *Loader) DefaultKey() string { return l.defaultKey }

// Load returns the persona for key, falling back to a built-in default when the
// key is empty or no definition file exists for the default key.
func (l *Loader) Load(key string) (Persona, error) {
	if strings.TrimSpace(key) == "" {
		key = l.defaultKey
	}

	l.mu.RLock()
	p, ok := l.cache[key]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := l.loadFile(key)
	if err != nil {
		if key == l.defaultKey && os.IsNotExist(err) {
			p = builtinDefault(key)
		} else {
			return Persona{}, err
		}
	}

	l.mu.Lock()
	l.cache[key] = p
	l.mu.Unlock()
	return p, nil
}

type characterFile struct {
	Name   string   `json:"name"`
	Bio    []string `json:"bio"`
	Style  struct {
		All []string `json:"all"`
	} `json:"style"`
	Config struct {
		SystemPrompt string `json:"systemPrompt"`
	} `json:"config"`
	Settings struct {
		Voice struct {
			Language   string `json:"language"`
			Gender     string `json:"gender"`
			ElevenLabs struct {
				VoiceID         string  `json:"voiceId"`
				ModelID         string  `json:"model"`
				Stability       float64 `json:"stability"`
				SimilarityBoost float64 `json:"similarityBoost"`
				Style           float64 `json:"style"`
				UseSpeakerBoost bool    `json:"useSpeakerBoost"`
			} `json:"elevenlabs"`
		} `json:"voice"`
	} `json:"settings"`
	Greeting string `json:"greeting"`
}

func (l *Loader) loadFile(key string) (Persona, error) {
	path := filepath.Join(l.dir, key+".character.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, err
	}

	var raw characterFile
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		name = "AI Assistant"
	}

	p := Persona{
		Key:          key,
		Name:         name,
		SystemPrompt: strings.TrimSpace(raw.Config.SystemPrompt),
		Greeting:     strings.TrimSpace(raw.Greeting),
		Language:     strings.TrimSpace(raw.Settings.Voice.Language),
		Gender:       strings.TrimSpace(raw.Settings.Voice.Gender),
		Voice: synth.VoiceProfile{
			VoiceID:         strings.TrimSpace(raw.Settings.Voice.ElevenLabs.VoiceID),
			ModelID:         strings.TrimSpace(raw.Settings.Voice.ElevenLabs.ModelID),
			Stability:       raw.Settings.Voice.ElevenLabs.Stability,
			SimilarityBoost: raw.Settings.Voice.ElevenLabs.SimilarityBoost,
			Style:           raw.Settings.Voice.ElevenLabs.Style,
			UseSpeakerBoost: raw.Settings.Voice.ElevenLabs.UseSpeakerBoost,
		},
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = composeSystemPrompt(name, raw.Bio, raw.Style.All)
	}
	return p, nil
}

func composeSystemPrompt(name string, bio, style []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", name)
	if len(bio) > 0 {
		b.WriteString(", with the following characteristics:\n\n")
		b.WriteString(strings.Join(bio, "\n"))
	}
	if len(style) > 0 {
		b.WriteString("\n\nYour communication style:\n")
		b.WriteString(strings.Join(style, "\n"))
	}
	fmt.Fprintf(&b, "\n\nAlways stay in character and respond as %s would.", name)
	return b.String()
}

func builtinDefault(key string) Persona {
	return Persona{
		Key:      key,
		Name:     "AI Assistant",
		Language: "en",
		Gender:   "male",
	}
}
