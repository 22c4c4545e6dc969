package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values come from env; a .env file in the working directory is loaded
// first when present. No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Auth    AuthConfig
	Twilio  TwilioConfig
	LiveKit LiveKitConfig
	Redis   RedisConfig
	Calls   CallsConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used for carrier
	// callbacks and webhook signature checks.
	PublicBaseURL string

	// AllowedOrigins lists browser origins that may open the event stream.
	// Empty means same-origin only.
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// OperatorAPIKey is exchanged for a token pair at /v1/auth/login.
	OperatorAPIKey string
}

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	FromNumber        string
	ValidateSignature bool
}

type LiveKitConfig struct {
	APIKey    string
	APISecret string
	SIPHost   string
}

// RedisConfig is optional. Host empty disables the shared concurrency cap
// and lifecycle pub/sub.
type RedisConfig struct {
	Host string
	Port int
}

type CallsConfig struct {
	DefaultRegion     string
	CarrierTimeout    time.Duration
	PlaceRetryBackoff time.Duration
	PollFastInterval  time.Duration
	PollFastCount     int
	PollSlowInterval  time.Duration
	PollCeiling       time.Duration
	RemovalGrace      time.Duration

	// MaxConcurrentCalls of 0 means unlimited.
	MaxConcurrentCalls int
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf(".env: %w", err)
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.App.AllowedOrigins = append(c.App.AllowedOrigins, o)
		}
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")
	c.Auth.OperatorAPIKey = os.Getenv("OPERATOR_API_KEY")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.ValidateSignature, parseErrs = optBool(parseErrs, "TWILIO_VALIDATE_SIGNATURE", true)

	c.LiveKit.APIKey = strings.TrimSpace(os.Getenv("LIVEKIT_API_KEY"))
	c.LiveKit.APISecret = os.Getenv("LIVEKIT_API_SECRET")
	c.LiveKit.SIPHost = strings.TrimSpace(os.Getenv("LIVEKIT_SIP_HOST"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		c.Redis.Port, parseErrs = optInt(parseErrs, "REDIS_PORT", 6379)
	}

	c.Calls.DefaultRegion = strings.ToUpper(strings.TrimSpace(os.Getenv("DEFAULT_REGION")))
	c.Calls.CarrierTimeout, parseErrs = optDuration(parseErrs, "CARRIER_TIMEOUT")
	c.Calls.PlaceRetryBackoff, parseErrs = optDuration(parseErrs, "PLACE_RETRY_BACKOFF")
	c.Calls.PollFastInterval, parseErrs = optDuration(parseErrs, "POLL_FAST_INTERVAL")
	c.Calls.PollFastCount, parseErrs = optInt(parseErrs, "POLL_FAST_COUNT", 0)
	c.Calls.PollSlowInterval, parseErrs = optDuration(parseErrs, "POLL_SLOW_INTERVAL")
	c.Calls.PollCeiling, parseErrs = optDuration(parseErrs, "POLL_CEILING")
	c.Calls.RemovalGrace, parseErrs = optDuration(parseErrs, "REMOVAL_GRACE")
	c.Calls.MaxConcurrentCalls, parseErrs = optInt(parseErrs, "MAX_CONCURRENT_CALLS", 0)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if (c.Twilio.AccountSID == "") != (c.Twilio.AuthToken == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set together"))
	}
	if c.UseTwilio() {
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required with Twilio credentials"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required with Twilio credentials"))
		}
		if c.LiveKit.SIPHost == "" {
			errs = append(errs, errors.New("LIVEKIT_SIP_HOST is required with Twilio credentials"))
		}
	}
	if c.IsProduction() {
		if !c.UseTwilio() {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required in production"))
		}
		if c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
			errs = append(errs, errors.New("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required in production"))
		}
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Calls.DefaultRegion == "" {
		c.Calls.DefaultRegion = "US"
	}
	if c.Calls.CarrierTimeout <= 0 {
		c.Calls.CarrierTimeout = 15 * time.Second
	}
	if c.Calls.PlaceRetryBackoff <= 0 {
		c.Calls.PlaceRetryBackoff = 500 * time.Millisecond
	}
	if c.Calls.PollFastInterval <= 0 {
		c.Calls.PollFastInterval = 5 * time.Second
	}
	if c.Calls.PollFastCount <= 0 {
		c.Calls.PollFastCount = 12
	}
	if c.Calls.PollSlowInterval <= 0 {
		c.Calls.PollSlowInterval = 30 * time.Second
	}
	if c.Calls.PollCeiling <= 0 {
		c.Calls.PollCeiling = 15 * time.Minute
	}
	if c.Calls.RemovalGrace <= 0 {
		c.Calls.RemovalGrace = 30 * time.Second
	}
	if c.Calls.PollSlowInterval < c.Calls.PollFastInterval {
		errs = append(errs, errors.New("POLL_SLOW_INTERVAL must not be shorter than POLL_FAST_INTERVAL"))
	}
	if c.Calls.PollCeiling <= c.Calls.PollFastInterval {
		errs = append(errs, errors.New("POLL_CEILING must be greater than POLL_FAST_INTERVAL"))
	}
	if c.Calls.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_CALLS must be >= 0, got %d", c.Calls.MaxConcurrentCalls))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// UseTwilio reports whether real carrier credentials are configured. Without
// them local and dev run against the sandbox carrier.
func (c Config) UseTwilio() bool {
	return c.Twilio.AccountSID != "" && c.Twilio.AuthToken != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c Config) StatusCallbackURL() string {
	if c.App.PublicBaseURL == "" {
		return ""
	}
	return c.App.PublicBaseURL + "/webhooks/twilio/status"
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func optBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
