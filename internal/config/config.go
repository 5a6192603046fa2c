package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the dialgrid engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// Browser origins allowed to call the HTTP API, comma-separated.
	// Empty disables CORS headers.
	CORSOrigins string

	DBDriver string // "sqlite" or "postgres"
	DBDSN    string // postgres connection string when DBDriver is "postgres"

	// PBX control plane.
	ARIURL      string // e.g. "http://pbx:8088"
	ARIUser     string
	ARIPass     string
	ARIApp      string // Stasis application name
	AMIHost     string
	AMIPort     int
	AMIUser     string
	AMIPass     string
	PBXDisabled bool // run without a PBX (tests, dry runs)

	// RTP media gateway.
	RTPPortMin int
	RTPPortMax int
	ExternalIP string // address advertised to the PBX for ExternalMedia legs

	// Speech service.
	SpeechURL        string
	SpeechAPIKey     string
	SpeechReqPerMin  int
	SpeechReqPerHour int
	SpeechUnitsHour  int
	SpeechDisabled   bool
	TTSVoice         string // voice for synthesized campaign prompts
	SoundsDir        string // rendered prompt directory; empty means <data-dir>/prompts

	// AI webhook.
	WebhookSecret string

	// Recording storage.
	RecordingBackend   string // local | s3 | azure | gcs | ftp
	RecordingDir       string // local backend root
	RecordingRetention int    // days
	RecordingBucket    string // s3/gcs bucket or azure container
	FTPAddr            string
	FTPUser            string
	FTPPass            string

	// Dialer behaviour.
	DialEndpoint           string // dial string template, e.g. "PJSIP/%s@outbound"
	MaxOriginationsPerTick int
	WrapUpSeconds          int

	// Inbound routing.
	QueuesFile string // queue definitions JSON; empty runs without inbound queues

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultDBDriver       = "sqlite"
	defaultARIApp         = "dialgrid"
	defaultAMIPort        = 5038
	defaultRTPPortMin     = 10000
	defaultRTPPortMax     = 20000
	defaultReqPerMin      = 60
	defaultReqPerHour     = 1000
	defaultUnitsHour      = 36000
	defaultBackend        = "local"
	defaultRecordingDir   = "./recordings"
	defaultRetentionDays  = 90
	defaultDialEndpoint   = "PJSIP/%s@outbound"
	defaultMaxPerTick     = 50
	defaultWrapUpSeconds  = 30
	defaultTTSVoice       = "alloy"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for dialgrid-specific environment variables.
// Externally specified names (PBX_*, RTP_*, SPEECH_API_KEY, ...) are used
// verbatim.
const envPrefix = "DIALGRID_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialgrid", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated browser origins allowed to call the API")
	fs.StringVar(&cfg.DBDriver, "db-driver", defaultDBDriver, "database driver (sqlite, postgres)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "PostgreSQL connection string (required with -db-driver postgres)")
	fs.StringVar(&cfg.ARIURL, "ari-url", "", "PBX ARI base URL (e.g. http://pbx:8088)")
	fs.StringVar(&cfg.ARIUser, "ari-user", "", "PBX ARI username")
	fs.StringVar(&cfg.ARIPass, "ari-pass", "", "PBX ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "Stasis application name")
	fs.StringVar(&cfg.AMIHost, "ami-host", "", "PBX AMI host")
	fs.IntVar(&cfg.AMIPort, "ami-port", defaultAMIPort, "PBX AMI port")
	fs.StringVar(&cfg.AMIUser, "ami-user", "", "PBX AMI username")
	fs.StringVar(&cfg.AMIPass, "ami-pass", "", "PBX AMI secret")
	fs.BoolVar(&cfg.PBXDisabled, "no-pbx", false, "run without connecting to a PBX")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media ingress")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media ingress")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "address advertised to the PBX for media (auto-detected if empty)")
	fs.StringVar(&cfg.SpeechURL, "speech-url", "", "speech service base URL")
	fs.StringVar(&cfg.SpeechAPIKey, "speech-api-key", "", "speech service API key")
	fs.IntVar(&cfg.SpeechReqPerMin, "speech-req-per-min", defaultReqPerMin, "speech service requests per minute")
	fs.IntVar(&cfg.SpeechReqPerHour, "speech-req-per-hour", defaultReqPerHour, "speech service requests per hour")
	fs.IntVar(&cfg.SpeechUnitsHour, "speech-units-per-hour", defaultUnitsHour, "speech service units per hour (characters / audio-seconds)")
	fs.BoolVar(&cfg.SpeechDisabled, "no-speech", false, "disable the AI speech path")
	fs.StringVar(&cfg.TTSVoice, "tts-voice", defaultTTSVoice, "voice for synthesized campaign prompts")
	fs.StringVar(&cfg.SoundsDir, "sounds-dir", "", "directory for rendered prompt audio (defaults to <data-dir>/prompts)")
	fs.StringVar(&cfg.WebhookSecret, "webhook-secret", "", "shared secret for AI webhook HMAC signatures")
	fs.StringVar(&cfg.RecordingBackend, "recording-backend", defaultBackend, "recording storage backend (local, s3, azure, gcs, ftp)")
	fs.StringVar(&cfg.RecordingDir, "recording-dir", defaultRecordingDir, "root directory for the local recording backend")
	fs.IntVar(&cfg.RecordingRetention, "recording-retention-days", defaultRetentionDays, "days to retain recordings before deletion")
	fs.StringVar(&cfg.RecordingBucket, "recording-bucket", "", "bucket or container for the s3/gcs/azure recording backends")
	fs.StringVar(&cfg.FTPAddr, "ftp-addr", "", "FTP server host:port for the ftp recording backend")
	fs.StringVar(&cfg.FTPUser, "ftp-user", "", "FTP username")
	fs.StringVar(&cfg.FTPPass, "ftp-pass", "", "FTP password")
	fs.StringVar(&cfg.DialEndpoint, "dial-endpoint", defaultDialEndpoint, "dial string template; %s is replaced with the lead's phone number")
	fs.IntVar(&cfg.MaxOriginationsPerTick, "max-originations-per-tick", defaultMaxPerTick, "global cap on originations placed per scheduler tick")
	fs.IntVar(&cfg.WrapUpSeconds, "wrap-up-seconds", defaultWrapUpSeconds, "default agent wrap-up duration in seconds")
	fs.StringVar(&cfg.QueuesFile, "queues-file", "", "path to inbound queue definitions (JSON)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name. PBX, RTP, speech, webhook, and
	// recording variables use their externally specified names.
	envMap := map[string]string{
		"data-dir":                  envPrefix + "DATA_DIR",
		"http-port":                 envPrefix + "HTTP_PORT",
		"cors-origins":              envPrefix + "CORS_ORIGINS",
		"db-driver":                 envPrefix + "DB_DRIVER",
		"db-dsn":                    envPrefix + "DB_DSN",
		"ari-url":                   "PBX_ARI_URL",
		"ari-user":                  "PBX_ARI_USER",
		"ari-pass":                  "PBX_ARI_PASS",
		"ari-app":                   "PBX_ARI_APP",
		"ami-host":                  "PBX_AMI_HOST",
		"ami-port":                  "PBX_AMI_PORT",
		"ami-user":                  "PBX_AMI_USER",
		"ami-pass":                  "PBX_AMI_PASS",
		"rtp-port-min":              "RTP_PORT_MIN",
		"rtp-port-max":              "RTP_PORT_MAX",
		"external-ip":               envPrefix + "EXTERNAL_IP",
		"speech-url":                envPrefix + "SPEECH_URL",
		"speech-api-key":            "SPEECH_API_KEY",
		"speech-req-per-min":        envPrefix + "SPEECH_REQ_PER_MIN",
		"speech-req-per-hour":       envPrefix + "SPEECH_REQ_PER_HOUR",
		"speech-units-per-hour":     envPrefix + "SPEECH_UNITS_PER_HOUR",
		"tts-voice":                 envPrefix + "TTS_VOICE",
		"sounds-dir":                envPrefix + "SOUNDS_DIR",
		"webhook-secret":            "AI_WEBHOOK_SECRET",
		"recording-backend":         "RECORDING_BACKEND",
		"recording-dir":             envPrefix + "RECORDING_DIR",
		"recording-retention-days":  "RECORDING_RETENTION_DAYS",
		"recording-bucket":          envPrefix + "RECORDING_BUCKET",
		"ftp-addr":                  envPrefix + "FTP_ADDR",
		"ftp-user":                  envPrefix + "FTP_USER",
		"ftp-pass":                  envPrefix + "FTP_PASS",
		"dial-endpoint":             envPrefix + "DIAL_ENDPOINT",
		"max-originations-per-tick": envPrefix + "MAX_ORIGINATIONS_PER_TICK",
		"wrap-up-seconds":           envPrefix + "WRAP_UP_SECONDS",
		"queues-file":               envPrefix + "QUEUES_FILE",
		"log-level":                 envPrefix + "LOG_LEVEL",
		"log-format":                envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "cors-origins":
			cfg.CORSOrigins = val
		case "db-driver":
			cfg.DBDriver = val
		case "db-dsn":
			cfg.DBDSN = val
		case "ari-url":
			cfg.ARIURL = val
		case "ari-user":
			cfg.ARIUser = val
		case "ari-pass":
			cfg.ARIPass = val
		case "ari-app":
			cfg.ARIApp = val
		case "ami-host":
			cfg.AMIHost = val
		case "ami-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AMIPort = v
			}
		case "ami-user":
			cfg.AMIUser = val
		case "ami-pass":
			cfg.AMIPass = val
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "speech-url":
			cfg.SpeechURL = val
		case "speech-api-key":
			cfg.SpeechAPIKey = val
		case "speech-req-per-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SpeechReqPerMin = v
			}
		case "speech-req-per-hour":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SpeechReqPerHour = v
			}
		case "speech-units-per-hour":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SpeechUnitsHour = v
			}
		case "tts-voice":
			cfg.TTSVoice = val
		case "sounds-dir":
			cfg.SoundsDir = val
		case "webhook-secret":
			cfg.WebhookSecret = val
		case "recording-backend":
			cfg.RecordingBackend = val
		case "recording-dir":
			cfg.RecordingDir = val
		case "recording-retention-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RecordingRetention = v
			}
		case "recording-bucket":
			cfg.RecordingBucket = val
		case "ftp-addr":
			cfg.FTPAddr = val
		case "ftp-user":
			cfg.FTPUser = val
		case "ftp-pass":
			cfg.FTPPass = val
		case "dial-endpoint":
			cfg.DialEndpoint = val
		case "max-originations-per-tick":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxOriginationsPerTick = v
			}
		case "wrap-up-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WrapUpSeconds = v
			}
		case "queues-file":
			cfg.QueuesFile = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane. Violations here are
// fatal: the process refuses to start rather than running half-configured.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("db-dsn is required with -db-driver postgres")
		}
	default:
		return fmt.Errorf("db-driver must be sqlite or postgres, got %q", c.DBDriver)
	}

	if !c.PBXDisabled {
		if c.ARIURL == "" {
			return fmt.Errorf("ari-url is required (set PBX_ARI_URL or pass -no-pbx)")
		}
		if _, err := url.Parse(c.ARIURL); err != nil {
			return fmt.Errorf("ari-url is not a valid URL: %w", err)
		}
		if c.AMIHost == "" {
			return fmt.Errorf("ami-host is required (set PBX_AMI_HOST or pass -no-pbx)")
		}
		if c.AMIPort < 1 || c.AMIPort > 65535 {
			return fmt.Errorf("ami-port must be between 1 and 65535, got %d", c.AMIPort)
		}
	}

	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	if !c.SpeechDisabled && c.SpeechURL != "" && c.SpeechAPIKey == "" {
		return fmt.Errorf("speech-api-key is required when a speech-url is configured (set SPEECH_API_KEY or pass -no-speech)")
	}

	switch c.RecordingBackend {
	case "local":
	case "s3", "gcs", "azure":
		if c.RecordingBucket == "" {
			return fmt.Errorf("recording-bucket is required with the %s backend", c.RecordingBackend)
		}
	case "ftp":
		if c.FTPAddr == "" {
			return fmt.Errorf("ftp-addr is required with the ftp backend")
		}
	default:
		return fmt.Errorf("recording-backend must be one of local, s3, azure, gcs, ftp; got %q", c.RecordingBackend)
	}
	if c.RecordingRetention < 0 {
		return fmt.Errorf("recording-retention-days must be >= 0, got %d", c.RecordingRetention)
	}

	if !strings.Contains(c.DialEndpoint, "%s") {
		return fmt.Errorf("dial-endpoint must contain a %%s placeholder for the phone number, got %q", c.DialEndpoint)
	}
	if c.MaxOriginationsPerTick < 1 {
		return fmt.Errorf("max-originations-per-tick must be >= 1, got %d", c.MaxOriginationsPerTick)
	}
	if c.WrapUpSeconds < 0 {
		return fmt.Errorf("wrap-up-seconds must be >= 0, got %d", c.WrapUpSeconds)
	}

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

	return nil
}

// MediaIP returns the IP address advertised to the PBX for ExternalMedia
// legs. If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4
// address. Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SpeechEnabled reports whether the AI speech path is configured and active.
func (c *Config) SpeechEnabled() bool {
	return !c.SpeechDisabled && c.SpeechURL != ""
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
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
