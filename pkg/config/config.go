// Package config loads the relay's settings from .env, the environment and
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	Port      string
	PublicURL string
	LogLevel  string

	ElevenLabsAgentID string
	ElevenLabsAPIKey  string
	ConvaiURL         string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	ValidateTwilioSignature bool
	HangupOnVoicemail       bool

	CallHistoryPath string
	GRPCHealthAddr  string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string
}

// Load reads an optional .env file, then parses args with environment
// defaults. Flags win over the environment.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("error loading .env file")
	}

	var cfg Config
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.StringVar(&cfg.Port, "port", getEnv("PORT", "8000"), "HTTP server port")
	fs.StringVar(&cfg.PublicURL, "public-url", strings.TrimSpace(os.Getenv("PUBLIC_URL")), "public base URL used for Twilio callbacks")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.StringVar(&cfg.ElevenLabsAgentID, "agent-id", os.Getenv("ELEVENLABS_AGENT_ID"), "ElevenLabs agent id")
	fs.StringVar(&cfg.ElevenLabsAPIKey, "elevenlabs-key", os.Getenv("ELEVENLABS_API_KEY"), "ElevenLabs API key")
	fs.StringVar(&cfg.ConvaiURL, "convai-url", os.Getenv("ELEVENLABS_CONVAI_URL"), "conversational AI websocket URL")
	fs.StringVar(&cfg.TwilioAccountSID, "twilio-sid", os.Getenv("TWILIO_ACCOUNT_SID"), "Twilio Account SID")
	fs.StringVar(&cfg.TwilioAuthToken, "twilio-token", os.Getenv("TWILIO_AUTH_TOKEN"), "Twilio Auth Token")
	fs.StringVar(&cfg.TwilioPhoneNumber, "twilio-number", os.Getenv("TWILIO_PHONE_NUMBER"), "Twilio caller number")
	fs.BoolVar(&cfg.ValidateTwilioSignature, "validate-signature", getBool("VALIDATE_TWILIO_SIGNATURE", false), "verify X-Twilio-Signature on webhooks")
	fs.BoolVar(&cfg.HangupOnVoicemail, "hangup-on-voicemail", getBool("HANGUP_ON_VOICEMAIL", true), "hang up calls answered by a machine")
	fs.StringVar(&cfg.CallHistoryPath, "call-history", getEnv("CALL_HISTORY_PATH", "call_history.csv"), "call history CSV path")
	fs.StringVar(&cfg.GRPCHealthAddr, "grpc-health-addr", os.Getenv("GRPC_HEALTH_ADDR"), "gRPC health listen address, empty disables")
	fs.StringVar(&cfg.SupabaseURL, "supabase-url", os.Getenv("SUPABASE_URL"), "Supabase URL")
	fs.StringVar(&cfg.SupabaseServiceRoleKey, "supabase-key", os.Getenv("SUPABASE_SERVICE_ROLE_KEY"), "Supabase Service Role Key")
	fs.StringVar(&cfg.SupabaseBucket, "supabase-bucket", getEnv("SUPABASE_BUCKET", "call-history"), "Supabase Storage Bucket")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing required setting at once.
func (c Config) Validate() error {
	var missing []string
	for name, v := range map[string]string{
		"ELEVENLABS_AGENT_ID": c.ElevenLabsAgentID,
		"TWILIO_ACCOUNT_SID":  c.TwilioAccountSID,
		"TWILIO_AUTH_TOKEN":   c.TwilioAuthToken,
		"TWILIO_PHONE_NUMBER": c.TwilioPhoneNumber,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}

// ArchiveEnabled reports whether call history snapshots go to Supabase.
func (c Config) ArchiveEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceRoleKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid boolean")
		return defaultValue
	}
	return b
}
