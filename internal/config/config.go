package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Payment   Payment   `yaml:"payment"`
	Ledger    Ledger    `yaml:"ledger"`
	Judge     Judge     `yaml:"judge"`
	Executor  Executor  `yaml:"executor"`
	Storage   Storage   `yaml:"storage"`
	Replay    Replay    `yaml:"replay"`
	Admin     Admin     `yaml:"admin"`
	Demo      Demo      `yaml:"demo"`
	Reconcile Reconcile `yaml:"reconcile"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	SubscriberQueue int           `yaml:"subscriber_queue"`
	MCPListen       string        `yaml:"mcp_listen"`
}

type Payment struct {
	FacilitatorURL    string        `yaml:"facilitator_url"`
	Fee               int64         `yaml:"fee"`
	Network           string        `yaml:"network"`
	Asset             string        `yaml:"asset"`
	AssetName         string        `yaml:"asset_name"`
	AssetVersion      string        `yaml:"asset_version"`
	PayTo             string        `yaml:"pay_to"`
	MaxTimeoutSeconds int           `yaml:"max_timeout_seconds"`
	VerifyTimeout     time.Duration `yaml:"verify_timeout"`
	SettleOnVerify    bool          `yaml:"settle_on_verify"`
}

type Ledger struct {
	RPCURL          string        `yaml:"rpc_url"`
	EscrowAddress   string        `yaml:"escrow_address"`
	TokenAddress    string        `yaml:"token_address"`
	PrivateKey      string        `yaml:"private_key"`
	ChainID         int64         `yaml:"chain_id"`
	DefaultSeller   string        `yaml:"default_seller"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	AddressFilePath string        `yaml:"address_file"`
}

type Judge struct {
	Provider   string        `yaml:"provider"` // gemini|openai|static
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	AllowSplit bool          `yaml:"allow_split"`
}

type Executor struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	HMACSecret   string        `yaml:"hmac_secret"`
}

type Storage struct {
	DataDir     string `yaml:"data_dir"`
	IndexDriver string `yaml:"index"` // sqlite|postgres|ingest|none
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	IngestURL   string `yaml:"ingest_url"`
	IngestToken string `yaml:"ingest_token"`
	EventLog    bool   `yaml:"event_log"`
	Mirror      Mirror `yaml:"mirror"`
}

// Mirror uploads rotated event and audit log files to an S3-compatible
// bucket. Disabled while Endpoint is empty.
type Mirror struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

func (m Mirror) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

type Replay struct {
	Store     string        `yaml:"store"` // memory|redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type Admin struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type Demo struct {
	Enabled     bool          `yaml:"enabled"`
	ResultDelay time.Duration `yaml:"result_delay"`
	JudgeDelay  time.Duration `yaml:"judge_delay"`
}

type Reconcile struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

const DefaultAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

func Defaults() Config {
	return Config{
		Server: Server{
			Addr:            ":4021",
			PublicURL:       "http://127.0.0.1:4021",
			ShutdownTimeout: 5 * time.Second,
			PipelineTimeout: 2 * time.Minute,
			MaxBodyBytes:    1 << 20,
			SubscriberQueue: 256,
			MCPListen:       "127.0.0.1:4022",
		},
		Payment: Payment{
			FacilitatorURL:    "https://www.x402.org/facilitator",
			Fee:               10000,
			Network:           "eip155:84532",
			Asset:             DefaultAsset,
			AssetName:         "USDC",
			AssetVersion:      "2",
			MaxTimeoutSeconds: 300,
			VerifyTimeout:     10 * time.Second,
		},
		Ledger: Ledger{
			RPCURL:          "https://sepolia.base.org",
			DefaultSeller:   "0x8888888888888888888888888888888888888888",
			CallTimeout:     60 * time.Second,
			AddressFilePath: "address.json",
		},
		Judge: Judge{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  30 * time.Second,
		},
		Executor: Executor{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Storage: Storage{
			DataDir:     "./data",
			IndexDriver: "sqlite",
			EventLog:    true,
		},
		Replay: Replay{
			Store: "memory",
			TTL:   10 * time.Minute,
		},
		Demo: Demo{
			Enabled:     true,
			ResultDelay: time.Second,
			JudgeDelay:  1500 * time.Millisecond,
		},
		Reconcile: Reconcile{
			Interval:    30 * time.Second,
			MaxAttempts: 10,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// optional is set.
func Load(path string, optional bool) (Config, error) {
	c := Defaults()
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// ApplyEnv overlays environment variables. The unprefixed names match the
// deployment environment of the escrow contract tooling. Malformed typed
// values are reported together and leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	var errs []error
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := strings.TrimSpace(getenv(k)); v != "" {
				*dst = v
				return
			}
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(dst *bool, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
				return
			}
			*dst = b
		}
	}

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Addr = ":" + port
	}
	str(&c.Server.Addr, "TG_ADDR")
	str(&c.Server.PublicURL, "TG_PUBLIC_URL")
	if v, ok := lookup(getenv, "TG_MCP_LISTEN"); ok {
		c.Server.MCPListen = v
	}

	str(&c.Payment.FacilitatorURL, "TG_FACILITATOR_URL", "X402_FACILITATOR_URL")
	str(&c.Payment.PayTo, "TG_PAY_TO")
	str(&c.Payment.Network, "TG_NETWORK")
	str(&c.Payment.Asset, "TG_ASSET", "USDC_ADDRESS")
	boolean(&c.Payment.SettleOnVerify, "TG_SETTLE_ON_VERIFY")
	if v := strings.TrimSpace(getenv("TG_FEE")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("config: TG_FEE=%q: %w", v, err))
		} else {
			c.Payment.Fee = n
		}
	}

	str(&c.Ledger.RPCURL, "TG_RPC_URL", "BASE_SEPOLIA_RPC")
	str(&c.Ledger.EscrowAddress, "TG_ESCROW_ADDRESS", "ESCROW_CONTRACT_ADDRESS")
	str(&c.Ledger.TokenAddress, "TG_TOKEN_ADDRESS", "USDC_ADDRESS")
	str(&c.Ledger.PrivateKey, "TG_PRIVATE_KEY", "TRUSTGATE_PRIVATE_KEY")
	str(&c.Ledger.DefaultSeller, "TG_DEFAULT_SELLER", "SELLER_WALLET_ADDRESS")
	dur(&c.Ledger.CallTimeout, "TG_LEDGER_TIMEOUT")

	str(&c.Judge.Provider, "TG_JUDGE_PROVIDER")
	str(&c.Judge.BaseURL, "TG_JUDGE_URL")
	str(&c.Judge.Model, "TG_JUDGE_MODEL")
	str(&c.Judge.APIKey, "TG_JUDGE_API_KEY", "GEMINI_API_KEY")
	dur(&c.Judge.Timeout, "TG_JUDGE_TIMEOUT")
	boolean(&c.Judge.AllowSplit, "TG_JUDGE_ALLOW_SPLIT")

	str(&c.Executor.HMACSecret, "TG_EXECUTOR_HMAC_SECRET")
	dur(&c.Executor.Timeout, "TG_EXECUTOR_TIMEOUT")

	str(&c.Storage.DataDir, "TG_DATA_DIR")
	str(&c.Storage.IndexDriver, "TG_INDEX_BACKEND")
	str(&c.Storage.PostgresDSN, "TG_PG_DSN")
	str(&c.Storage.IngestURL, "TG_INDEX_INGEST_URL")
	str(&c.Storage.IngestToken, "TG_INDEX_INGEST_TOKEN")
	str(&c.Storage.Mirror.Endpoint, "TG_MIRROR_ENDPOINT")
	str(&c.Storage.Mirror.Bucket, "TG_MIRROR_BUCKET")
	str(&c.Storage.Mirror.Region, "TG_MIRROR_REGION")
	str(&c.Storage.Mirror.AccessKey, "TG_MIRROR_ACCESS_KEY")
	str(&c.Storage.Mirror.SecretKey, "TG_MIRROR_SECRET_KEY")
	str(&c.Storage.Mirror.Prefix, "TG_MIRROR_PREFIX")

	str(&c.Replay.Store, "TG_REPLAY_STORE")
	str(&c.Replay.RedisAddr, "TG_REDIS_ADDR")

	str(&c.Admin.JWTSecret, "TG_ADMIN_JWT_SECRET")
	boolean(&c.Demo.Enabled, "TG_DEMO")
	return errors.Join(errs...)
}

// ApplyAddressFile fills ledger addresses left empty from a deployment file
// of the form {"ESCROW_CONTRACT_ADDRESS": "...", "USDC_ADDRESS": "..."}.
func (c *Config) ApplyAddressFile() error {
	p := strings.TrimSpace(c.Ledger.AddressFilePath)
	if p == "" {
		return nil
	}
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var f struct {
		Escrow string `json:"ESCROW_CONTRACT_ADDRESS"`
		USDC   string `json:"USDC_ADDRESS"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: %s: %w", p, err)
	}
	if c.Ledger.EscrowAddress == "" {
		c.Ledger.EscrowAddress = strings.TrimSpace(f.Escrow)
	}
	if c.Ledger.TokenAddress == "" {
		c.Ledger.TokenAddress = strings.TrimSpace(f.USDC)
	}
	if f.USDC != "" && (c.Payment.Asset == "" || c.Payment.Asset == DefaultAsset) {
		c.Payment.Asset = strings.TrimSpace(f.USDC)
	}
	return nil
}

// lookup distinguishes "off" (set to "-") from unset.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := strings.TrimSpace(getenv(key))
	switch v {
	case "":
		return "", false
	case "-":
		return "", true
	}
	return v, true
}

func (c Config) Validate() error {
	if c.Payment.Fee < 0 {
		return fmt.Errorf("config: payment.fee must be >= 0")
	}
	if c.Payment.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("config: payment.max_timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Payment.Network) == "" || strings.TrimSpace(c.Payment.Asset) == "" {
		return fmt.Errorf("config: payment.network and payment.asset are required")
	}
	switch c.Judge.Provider {
	case "gemini", "openai", "static":
	default:
		return fmt.Errorf("config: unsupported judge.provider %q", c.Judge.Provider)
	}
	switch c.Storage.IndexDriver {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.index=postgres requires storage.postgres_dsn")
		}
	case "ingest":
		if c.Storage.IngestURL == "" {
			return fmt.Errorf("config: storage.index=ingest requires storage.ingest_url")
		}
	default:
		return fmt.Errorf("config: unsupported storage.index %q", c.Storage.IndexDriver)
	}
	if m := c.Storage.Mirror; m.Enabled() {
		if m.Bucket == "" || m.AccessKey == "" || m.SecretKey == "" {
			return fmt.Errorf("config: storage.mirror requires bucket, access_key and secret_key")
		}
	}
	switch c.Replay.Store {
	case "memory":
	case "redis":
		if c.Replay.RedisAddr == "" {
			return fmt.Errorf("config: replay.store=redis requires replay.redis_addr")
		}
	default:
		return fmt.Errorf("config: unsupported replay.store %q", c.Replay.Store)
	}
	if c.Ledger.EscrowAddress != "" && c.Ledger.PrivateKey == "" {
		return fmt.Errorf("config: ledger.escrow_address requires ledger.private_key")
	}
	// Without a bound escrow operator, payments must name an escrow wallet.
	if strings.TrimSpace(c.Payment.PayTo) == "" && c.Ledger.EscrowAddress == "" {
		return fmt.Errorf("config: payment.pay_to is required when ledger.escrow_address is not set")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("config: reconcile.max_attempts must be >= 1")
	}
	return nil
}
