// Package config implements the flag+env configuration loader shared by
// every process in the pipeline (gateway, inboundproc, outboundproc,
// sttworker, llmworker, ttsworker), generalized from a single-service
// config loader into one that is parameterized by the calling process's
// Role so each gets its own environment-variable prefix and defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Role identifies which process is loading configuration, selecting
// defaults and the environment variable prefix.
type Role string

const (
	RoleGateway      Role = "gateway"
	RoleInboundProc  Role = "inboundproc"
	RoleOutboundProc Role = "outboundproc"
	RoleSTTWorker    Role = "sttworker"
	RoleLLMWorker    Role = "llmworker"
	RoleTTSWorker    Role = "ttsworker"
	RoleAdminAPI     Role = "adminapi"
)

// Config holds runtime configuration. Not every field is meaningful to
// every Role; each cmd/ entry point reads only the fields relevant to
// its own process, mirroring how the teacher's single Config served a
// server with several independently-configured subsystems.
type Config struct {
	Role Role

	DataDir   string
	LogLevel  string
	LogFormat string

	// SIP gateway.
	SIPPort    int
	RTPPortMin int
	RTPPortMax int

	// Control socket path, used by inboundproc and outboundproc.
	ControlSocketPath string

	// InboundControlSocketPath/OutboundControlSocketPath are the paths
	// the gateway dials to send ACTIVATE/DEACTIVATE to the two
	// processors when a call enters Establishing/Terminating.
	InboundControlSocketPath  string
	OutboundControlSocketPath string

	// MediaIP is the address advertised in outgoing SDP c= lines and
	// the Contact/Via headers the gateway sends.
	MediaIP string

	// Rendezvous / peer dial targets.
	STTHost           string
	STTPort           int // fixed well-known UDP REGISTER port (13000)
	LLMHost           string
	LLMPort           int
	TTSHost           string
	TTSPort           int
	RendezvousBase    int // 13000 + call_id / line_id, as applicable

	// TTS worker concurrency.
	TTSConcurrency int

	// Admin HTTP API.
	HTTPPort int

	// MetricsPort serves /metrics (Prometheus) for this process. 0 disables it.
	MetricsPort int

	// DB path, shared by the SIP gateway (writer) and admin API (reader).
	DBPath string
}

const defaultDataDir = "./data"

// envPrefix derives VOICEBRIDGE_<ROLE>_ for the given role, e.g.
// "VOICEBRIDGE_STTWORKER_".
func envPrefix(role Role) string {
	return "VOICEBRIDGE_" + strings.ToUpper(string(role)) + "_"
}

// Load parses configuration for role from CLI flags and environment
// variables. Precedence: CLI flags > env vars > defaults.
func Load(role Role) (*Config, error) {
	cfg := &Config{Role: role}
	prefix := envPrefix(role)

	fs := flag.NewFlagSet(string(role), flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log output format (text, json)")
	fs.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP UDP listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", 10000, "minimum RTP port (10000 + line_id convention)")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", 20000, "maximum RTP port")
	fs.StringVar(&cfg.ControlSocketPath, "control-socket", defaultControlSocket(role), "path to this process's Unix-domain control socket")
	fs.StringVar(&cfg.InboundControlSocketPath, "inbound-control-socket", defaultControlSocket(RoleInboundProc), "path to the inbound processor's control socket (gateway only)")
	fs.StringVar(&cfg.OutboundControlSocketPath, "outbound-control-socket", defaultControlSocket(RoleOutboundProc), "path to the outbound processor's control socket (gateway only)")
	fs.StringVar(&cfg.MediaIP, "media-ip", "127.0.0.1", "address advertised in SDP and SIP Contact/Via headers")
	fs.StringVar(&cfg.STTHost, "stt-host", "127.0.0.1", "STT worker host")
	fs.IntVar(&cfg.STTPort, "stt-port", 13000, "STT worker UDP REGISTER listen port")
	fs.StringVar(&cfg.LLMHost, "llm-host", "127.0.0.1", "LLM worker host")
	fs.IntVar(&cfg.LLMPort, "llm-port", 8083, "LLM worker TCP listen port")
	fs.StringVar(&cfg.TTSHost, "tts-host", "127.0.0.1", "TTS worker host")
	fs.IntVar(&cfg.TTSPort, "tts-port", 8090, "TTS worker TCP listen port")
	fs.IntVar(&cfg.RendezvousBase, "rendezvous-base", 13000, "base UDP port for call-id-derived rendezvous")
	fs.IntVar(&cfg.TTSConcurrency, "tts-concurrency", 0, "max concurrent synthesis jobs (0 = min(4, hw parallelism))")
	fs.IntVar(&cfg.HTTPPort, "http-port", 8080, "admin HTTP API listen port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", defaultMetricsPort(role), "prometheus /metrics listen port (0 disables)")
	fs.StringVar(&cfg.DBPath, "db-path", "", "sqlite database path (defaults to <data-dir>/voicebridge.db)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, prefix)

	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/voicebridge.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaultControlSocket(role Role) string {
	return fmt.Sprintf("/tmp/voicebridge-%s.sock", role)
}

// defaultMetricsPort assigns each role a distinct well-known /metrics port
// so every process in the pipeline can run on one host without collisions.
func defaultMetricsPort(role Role) int {
	switch role {
	case RoleGateway:
		return 9101
	case RoleInboundProc:
		return 9102
	case RoleOutboundProc:
		return 9103
	case RoleSTTWorker:
		return 9104
	case RoleLLMWorker:
		return 9105
	case RoleTTSWorker:
		return 9106
	case RoleAdminAPI:
		return 9107
	default:
		return 9100
	}
}

func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, prefix string) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	type binding struct {
		flagName string
		envName  string
		apply    func(string)
	}
	bindings := []binding{
		{"data-dir", "DATA_DIR", func(v string) { cfg.DataDir = v }},
		{"log-level", "LOG_LEVEL", func(v string) { cfg.LogLevel = v }},
		{"log-format", "LOG_FORMAT", func(v string) { cfg.LogFormat = v }},
		{"sip-port", "SIP_PORT", intSetter(&cfg.SIPPort)},
		{"rtp-port-min", "RTP_PORT_MIN", intSetter(&cfg.RTPPortMin)},
		{"rtp-port-max", "RTP_PORT_MAX", intSetter(&cfg.RTPPortMax)},
		{"control-socket", "CONTROL_SOCKET", func(v string) { cfg.ControlSocketPath = v }},
		{"inbound-control-socket", "INBOUND_CONTROL_SOCKET", func(v string) { cfg.InboundControlSocketPath = v }},
		{"outbound-control-socket", "OUTBOUND_CONTROL_SOCKET", func(v string) { cfg.OutboundControlSocketPath = v }},
		{"media-ip", "MEDIA_IP", func(v string) { cfg.MediaIP = v }},
		{"stt-host", "STT_HOST", func(v string) { cfg.STTHost = v }},
		{"stt-port", "STT_PORT", intSetter(&cfg.STTPort)},
		{"llm-host", "LLM_HOST", func(v string) { cfg.LLMHost = v }},
		{"llm-port", "LLM_PORT", intSetter(&cfg.LLMPort)},
		{"tts-host", "TTS_HOST", func(v string) { cfg.TTSHost = v }},
		{"tts-port", "TTS_PORT", intSetter(&cfg.TTSPort)},
		{"rendezvous-base", "RENDEZVOUS_BASE", intSetter(&cfg.RendezvousBase)},
		{"tts-concurrency", "TTS_CONCURRENCY", intSetter(&cfg.TTSConcurrency)},
		{"http-port", "HTTP_PORT", intSetter(&cfg.HTTPPort)},
		{"metrics-port", "METRICS_PORT", intSetter(&cfg.MetricsPort)},
		{"db-path", "DB_PATH", func(v string) { cfg.DBPath = v }},
	}

	for _, b := range bindings {
		if set[b.flagName] {
			continue
		}
		if v, ok := os.LookupEnv(prefix + b.envName); ok && v != "" {
			b.apply(v)
		}
	}
}

func intSetter(dst *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RTPPortMax < c.RTPPortMin {
		return fmt.Errorf("rtp-port-max must be >= rtp-port-min")
	}
	return nil
}

// SlogHandler returns a slog.Handler configured with the process's
// log format and level, matching the teacher's config-driven handler
// construction.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured
// log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
