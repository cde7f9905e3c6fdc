// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/StoryLoom/internal/utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	currentConfig *Config
	configMutex   sync.RWMutex
	configFile    string
)

// Config holds every tunable of the service.
type Config struct {
	Port      string `yaml:"port"`
	DataDir   string `yaml:"data_dir"`
	LogDir    string `yaml:"log_dir"`
	DebugMode bool   `yaml:"debug_mode"`

	// GenerateRateLimit caps story requests per client per minute; 0 disables it.
	GenerateRateLimit int `yaml:"generate_rate_limit"`

	LLM     LLMConfig     `yaml:"llm"`
	Story   StoryConfig   `yaml:"story"`
	Media   MediaConfig   `yaml:"media"`
	Affect  AffectConfig  `yaml:"affect"`
	Storage StorageConfig `yaml:"storage"`
}

// LLMConfig selects the provider and the models used for each capability.
type LLMConfig struct {
	Provider          string `yaml:"provider"`
	APIKey            string `yaml:"api_key,omitempty"`
	BaseURL           string `yaml:"base_url"`
	TextModel         string `yaml:"text_model"`
	FallbackTextModel string `yaml:"fallback_text_model"`
	ImageModel        string `yaml:"image_model"`
	FastImageModel    string `yaml:"fast_image_model"`
	VideoModel        string `yaml:"video_model"`
	SpeechModel       string `yaml:"speech_model"`
	VisionModel       string `yaml:"vision_model"`
	ThinkingBudget    int    `yaml:"thinking_budget"`
}

type StoryConfig struct {
	SceneCount      int    `yaml:"scene_count"`
	DefaultLanguage string `yaml:"default_language"`
	SimplifyMinLen  int    `yaml:"simplify_min_length"`
	CacheLimit      int    `yaml:"cache_limit"`
	DefaultVoice    string `yaml:"default_voice"`
}

type MediaConfig struct {
	StyleSuffix       string        `yaml:"style_suffix"`
	VideoPollInterval time.Duration `yaml:"video_poll_interval"`
	VideoMaxPolls     int           `yaml:"video_max_polls"`
	AspectRatio       string        `yaml:"aspect_ratio"`
}

type AffectConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ConfusionThreshold float64       `yaml:"confusion_threshold"`
	FrameWidth         int           `yaml:"frame_width"`
	FrameHeight        int           `yaml:"frame_height"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"` // file | sqlite
	QuotaBytes int64  `yaml:"quota_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      "8080",
		DataDir:   "data",
		LogDir:    "logs",
		DebugMode: false,

		GenerateRateLimit: 10,

		LLM: LLMConfig{
			Provider:          "google",
			BaseURL:           "https://generativelanguage.googleapis.com/v1beta",
			TextModel:         "gemini-2.5-pro",
			FallbackTextModel: "gemini-2.5-flash",
			ImageModel:        "imagen-4.0-generate-001",
			FastImageModel:    "gemini-2.5-flash-image",
			VideoModel:        "veo-3.0-fast-generate-001",
			SpeechModel:       "gemini-2.5-flash-preview-tts",
			VisionModel:       "gemini-2.5-flash",
			ThinkingBudget:    1024,
		},
		Story: StoryConfig{
			SceneCount:      5,
			DefaultLanguage: "en",
			SimplifyMinLen:  50,
			CacheLimit:      5,
			DefaultVoice:    "Kore",
		},
		Media: MediaConfig{
			StyleSuffix:       "children's book illustration, warm soft lighting, vibrant friendly colors, high detail",
			VideoPollInterval: 6 * time.Second,
			VideoMaxPolls:     60,
			AspectRatio:       "16:9",
		},
		Affect: AffectConfig{
			Interval:           12 * time.Second,
			ConfusionThreshold: 0.6,
			FrameWidth:         320,
			FrameHeight:        240,
		},
		Storage: StorageConfig{
			Driver:     "file",
			QuotaBytes: 5 << 20,
		},
	}
}

// Load builds the configuration from defaults and environment variables (.env is optional).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DataDir = getEnvPath("DATA_DIR", cfg.DataDir)
	cfg.LogDir = getEnvPath("LOG_DIR", cfg.LogDir)
	cfg.DebugMode = getEnvBool("DEBUG_MODE", cfg.DebugMode)

	cfg.LLM.APIKey = getEnv("GEMINI_API_KEY", getEnv("GOOGLE_API_KEY", ""))
	cfg.LLM.BaseURL = getEnv("GEMINI_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.TextModel = getEnv("STORYLOOM_TEXT_MODEL", cfg.LLM.TextModel)
	cfg.LLM.FallbackTextModel = getEnv("STORYLOOM_FALLBACK_TEXT_MODEL", cfg.LLM.FallbackTextModel)
	cfg.Story.SceneCount = getEnvInt("STORYLOOM_SCENE_COUNT", cfg.Story.SceneCount)
	cfg.Storage.Driver = getEnv("STORYLOOM_STORE", cfg.Storage.Driver)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		utils.GetLogger().Warn("GEMINI_API_KEY is not set; generation stays unavailable until a key is configured", nil)
	}
	return cfg, nil
}

// Validate clamps values whose ranges are fixed by the product.
func (c *Config) Validate() error {
	if c.Story.SceneCount != 4 && c.Story.SceneCount != 5 {
		return fmt.Errorf("scene_count must be 4 or 5, got %d", c.Story.SceneCount)
	}
	if c.Media.VideoPollInterval < 5*time.Second || c.Media.VideoPollInterval > 8*time.Second {
		return fmt.Errorf("video_poll_interval must be within 5s-8s, got %s", c.Media.VideoPollInterval)
	}
	if c.Affect.Interval < 10*time.Second || c.Affect.Interval > 15*time.Second {
		return fmt.Errorf("affect interval must be within 10s-15s, got %s", c.Affect.Interval)
	}
	if c.Story.CacheLimit <= 0 {
		c.Story.CacheLimit = 5
	}
	if c.Media.VideoMaxPolls <= 0 {
		c.Media.VideoMaxPolls = 60
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath returns the path from env and makes sure the directory exists.
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)
	if err := os.MkdirAll(path, 0755); err != nil {
		utils.GetLogger().Warn("failed to create directory", map[string]interface{}{"path": path, "error": err})
	}
	return path
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

// InitConfig loads env config, overlays <dataDir>/config.yaml (or $STORYLOOM_CONFIG) and writes it back.
func InitConfig(dataDir string) error {
	configFile = getEnv("STORYLOOM_CONFIG", filepath.Join(dataDir, "config.yaml"))

	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = baseConfig
	if data, err := os.ReadFile(configFile); err == nil {
		saved := *baseConfig
		if err := yaml.Unmarshal(data, &saved); err != nil {
			utils.GetLogger().Warn("ignoring unreadable config file", map[string]interface{}{"path": configFile, "error": err})
		} else {
			// paths always come from the environment
			saved.Port = baseConfig.Port
			saved.DataDir = baseConfig.DataDir
			saved.LogDir = baseConfig.LogDir
			saved.LLM.APIKey = resolveAPIKey(saved.LLM.APIKey, baseConfig.LLM.APIKey)
			if err := saved.Validate(); err != nil {
				return fmt.Errorf("invalid config file %s: %w", configFile, err)
			}
			currentConfig = &saved
		}
	}

	return saveLocked()
}

// resolveAPIKey prefers the environment key and opens sealed keys from the file.
func resolveAPIKey(fromFile, fromEnv string) string {
	if fromEnv != "" {
		return fromEnv
	}
	if !utils.IsSealed(fromFile) {
		return fromFile
	}
	secret := os.Getenv("STORYLOOM_SECRET")
	plain, err := utils.OpenSecret(fromFile, secret)
	if err != nil {
		utils.GetLogger().Warn("failed to open sealed api key", map[string]interface{}{"error": err})
		return ""
	}
	return plain
}

// GetCurrentConfig returns a copy of the active configuration.
func GetCurrentConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		return Default()
	}
	configCopy := *currentConfig
	return &configCopy
}

// SetCurrentConfig replaces the active configuration without touching disk.
func SetCurrentConfig(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	currentConfig = cfg
}

// UpdateAPIKey stores a new Gemini key and persists it.
func UpdateAPIKey(apiKey string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("config not initialized")
	}
	currentConfig.LLM.APIKey = apiKey
	return saveLocked()
}

// SaveConfig writes the active configuration to the config file.
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("no config to save")
	}
	if configFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	out := *currentConfig
	// the key is only written sealed; without a secret it stays in the environment
	out.LLM.APIKey = ""
	if secret := os.Getenv("STORYLOOM_SECRET"); secret != "" && currentConfig.LLM.APIKey != "" {
		sealed, err := utils.SealSecret(currentConfig.LLM.APIKey, secret)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		out.LLM.APIKey = sealed
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(configFile, data, 0600)
}
