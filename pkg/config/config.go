package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/ideacapital/vault-go/pkg/util"
)

// Environment variable names for vault server configuration
const (
	EnvVaultPort              = "VAULT_PORT"
	EnvVaultChainID           = "VAULT_CHAIN_ID"
	EnvVaultRPCURL            = "VAULT_RPC_URL"
	EnvVaultRPCRateLimit      = "VAULT_RPC_RATE_LIMIT"
	EnvVaultCrowdsaleAddress  = "VAULT_CROWDSALE_ADDRESS"
	EnvVaultInventionID       = "VAULT_INVENTION_ID"
	EnvVaultAmountTolerance   = "VAULT_AMOUNT_TOLERANCE"
	EnvVaultRounding          = "VAULT_ROUNDING"
	EnvVaultCORSOrigins       = "VAULT_CORS_ORIGINS"
	EnvVaultDebug             = "VAULT_DEBUG"
	EnvVaultPersistence       = "VAULT_PERSISTENCE"
	EnvVaultDataPath          = "VAULT_DATA_PATH"
	EnvVaultRedisAddress      = "VAULT_REDIS_ADDRESS"
	EnvVaultRedisPassword     = "VAULT_REDIS_PASSWORD"
	EnvVaultRedisDB           = "VAULT_REDIS_DB"
	EnvVaultRedisKeyPrefix    = "VAULT_REDIS_KEY_PREFIX"
	EnvVaultPostgresURL       = "VAULT_POSTGRES_URL"
	EnvVaultMessaging         = "VAULT_MESSAGING"
	EnvVaultConsumerName      = "VAULT_CONSUMER_NAME"
	EnvVaultMaxDeliveries     = "VAULT_MAX_DELIVERIES"
	EnvVaultWatcher           = "VAULT_WATCHER"
	EnvVaultWatcherStartBlock = "VAULT_WATCHER_START_BLOCK"
	EnvVaultWatcherInterval   = "VAULT_WATCHER_INTERVAL"
	EnvVaultConfirmations     = "VAULT_CONFIRMATIONS"
	EnvVaultSharedSecret      = "VAULT_SHARED_SECRET"
	EnvVaultSharedSecretKMS   = "VAULT_SHARED_SECRET_KMS_CIPHERTEXT"
	EnvVaultKMSKeyID          = "VAULT_KMS_KEY_ID"
	EnvVaultAWSRegion         = "VAULT_AWS_REGION"
	EnvVaultAWSProfile        = "VAULT_AWS_PROFILE"
	EnvVaultOIDCJWKSURL       = "VAULT_OIDC_JWKS_URL"
	EnvVaultOIDCIssuer        = "VAULT_OIDC_ISSUER"
	EnvVaultOIDCAudience      = "VAULT_OIDC_AUDIENCE"
)

type ChainId uint64

const (
	ChainId_PolygonMainnet ChainId = 137
	ChainId_PolygonAmoy    ChainId = 80002
	ChainId_BaseMainnet    ChainId = 8453
	ChainId_BaseSepolia    ChainId = 84532
	ChainId_Anvil          ChainId = 31337
)

type ChainName string

const (
	ChainName_PolygonMainnet ChainName = "polygon"
	ChainName_PolygonAmoy    ChainName = "polygon-amoy"
	ChainName_BaseMainnet    ChainName = "base"
	ChainName_BaseSepolia    ChainName = "base-sepolia"
	ChainName_Anvil          ChainName = "devnet"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_PolygonMainnet: ChainName_PolygonMainnet,
	ChainId_PolygonAmoy:    ChainName_PolygonAmoy,
	ChainId_BaseMainnet:    ChainName_BaseMainnet,
	ChainId_BaseSepolia:    ChainName_BaseSepolia,
	ChainId_Anvil:          ChainName_Anvil,
}

// Confirmation depths by chain. Polygon PoS reorgs deeper than the L2s.
const (
	Confirmations_PolygonMainnet = 64
	Confirmations_PolygonAmoy    = 32
	Confirmations_Base           = 12
	Confirmations_Anvil          = 0
)

// GetConfirmationDepthForChain returns how many blocks an Investment event
// must be buried under before the watcher records it.
func GetConfirmationDepthForChain(chainId ChainId) uint64 {
	switch chainId {
	case ChainId_PolygonMainnet:
		return Confirmations_PolygonMainnet
	case ChainId_PolygonAmoy:
		return Confirmations_PolygonAmoy
	case ChainId_BaseMainnet, ChainId_BaseSepolia:
		return Confirmations_Base
	case ChainId_Anvil:
		return Confirmations_Anvil
	default:
		return Confirmations_PolygonMainnet
	}
}

type PersistenceType string

const (
	PersistenceMemory   PersistenceType = "memory"
	PersistenceBadger   PersistenceType = "badger"
	PersistenceRedis    PersistenceType = "redis"
	PersistencePostgres PersistenceType = "postgres"
)

type PersistenceConfig struct {
	Type PersistenceType `json:"type"`

	// badger
	DataPath string `json:"data_path,omitempty"`

	// redis, also used by the stream transport
	RedisAddress   string `json:"redis_address,omitempty"`
	RedisPassword  string `json:"-"`
	RedisDB        int    `json:"redis_db,omitempty"`
	RedisKeyPrefix string `json:"redis_key_prefix,omitempty"`

	// postgres
	PostgresURL string `json:"-"`
}

type MessagingConfig struct {
	// Enabled consumes investment.pending and publishes investment.confirmed over Redis Streams.
	Enabled       bool   `json:"enabled"`
	ConsumerName  string `json:"consumer_name"`
	MaxDeliveries int    `json:"max_deliveries"`
}

type WatcherConfig struct {
	Enabled           bool          `json:"enabled"`
	StartBlock        uint64        `json:"start_block"`
	PollInterval      time.Duration `json:"poll_interval"`
	ConfirmationDepth uint64        `json:"confirmation_depth"`
}

type AuthConfig struct {
	SharedSecret           string `json:"-"`
	SharedSecretCiphertext string `json:"-"`
	KMSKeyID               string `json:"kms_key_id,omitempty"`
	AWSRegion              string `json:"aws_region,omitempty"`
	AWSProfile             string `json:"aws_profile,omitempty"`

	OIDCJWKSURL  string `json:"oidc_jwks_url,omitempty"`
	OIDCIssuer   string `json:"oidc_issuer,omitempty"`
	OIDCAudience string `json:"oidc_audience,omitempty"`
}

// VaultConfig represents the complete configuration for a vault server
type VaultConfig struct {
	Port int `json:"port"`

	// Chain configuration
	ChainID            ChainId   `json:"chain_id"`
	ChainName          ChainName `json:"chain_name"`
	RpcUrl             string    `json:"rpc_url"`
	RPCRateLimit       float64   `json:"rpc_rate_limit"`
	CrowdsaleAddress   string    `json:"crowdsale_address,omitempty"`
	InventionID        string    `json:"invention_id,omitempty"`
	AmountTolerance    string    `json:"amount_tolerance,omitempty"`
	Rounding           string    `json:"rounding"`
	CORSAllowedOrigins []string  `json:"cors_allowed_origins"`

	Persistence PersistenceConfig `json:"persistence"`
	Messaging   MessagingConfig   `json:"messaging"`
	Watcher     WatcherConfig     `json:"watcher"`
	Auth        AuthConfig        `json:"auth"`

	Debug bool `json:"debug"`
}

// Validate checks the configuration and fills in values derived from the chain.
func (c *VaultConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "must be between 1 and 65535"))
	}

	chainName, ok := ChainIdToName[c.ChainID]
	if !ok {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("chain_id"), c.ChainID, GetSupportedChainIDsString()))
	} else {
		c.ChainName = chainName
	}

	if c.RpcUrl == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("rpc_url"), "rpc url is required"))
	} else if _, err := url.ParseRequestURI(c.RpcUrl); err != nil {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rpc_url"), c.RpcUrl, err.Error()))
	}
	if c.RPCRateLimit < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rpc_rate_limit"), c.RPCRateLimit, "must not be negative"))
	}

	switch {
	case c.CrowdsaleAddress == "" && c.ChainID != ChainId_Anvil:
		allErrors = append(allErrors, field.Required(field.NewPath("crowdsale_address"), "only devnet may accept Investment events from any contract"))
	case c.CrowdsaleAddress != "" && !common.IsHexAddress(c.CrowdsaleAddress):
		allErrors = append(allErrors, field.Invalid(field.NewPath("crowdsale_address"), c.CrowdsaleAddress, "must be a 20 byte hex address"))
	}
	if c.AmountTolerance != "" {
		if d, err := decimal.NewFromString(c.AmountTolerance); err != nil || d.IsNegative() {
			allErrors = append(allErrors, field.Invalid(field.NewPath("amount_tolerance"), c.AmountTolerance, "must be a non-negative decimal"))
		}
	}
	if _, err := util.ParseRoundingMode(c.Rounding); err != nil {
		allErrors = append(allErrors, field.NotSupported(field.NewPath("rounding"), c.Rounding, []string{"half_up", "half_even"}))
	}

	allErrors = append(allErrors, c.validatePersistence()...)

	if c.Messaging.Enabled && c.Persistence.RedisAddress == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("persistence", "redis_address"), "messaging requires a redis address"))
	}
	if c.Messaging.MaxDeliveries < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("messaging", "max_deliveries"), c.Messaging.MaxDeliveries, "must not be negative"))
	}

	if c.Watcher.Enabled {
		if c.CrowdsaleAddress == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("crowdsale_address"), "the watcher needs the crowdsale contract"))
		}
		if c.InventionID == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("invention_id"), "the watcher needs the invention the crowdsale sells"))
		}
		if c.Watcher.PollInterval < 0 {
			allErrors = append(allErrors, field.Invalid(field.NewPath("watcher", "poll_interval"), c.Watcher.PollInterval.String(), "must not be negative"))
		}
		if c.Watcher.ConfirmationDepth == 0 {
			c.Watcher.ConfirmationDepth = GetConfirmationDepthForChain(c.ChainID)
		}
	}

	if c.Auth.OIDCJWKSURL != "" {
		if _, err := url.ParseRequestURI(c.Auth.OIDCJWKSURL); err != nil {
			allErrors = append(allErrors, field.Invalid(field.NewPath("auth", "oidc_jwks_url"), c.Auth.OIDCJWKSURL, err.Error()))
		}
		if c.Auth.OIDCAudience == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("auth", "oidc_audience"), "audience is required with OIDC"))
		}
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

func (c *VaultConfig) validatePersistence() field.ErrorList {
	var allErrors field.ErrorList
	p := field.NewPath("persistence")

	if c.Persistence.Type == "" {
		c.Persistence.Type = PersistenceMemory
	}
	switch c.Persistence.Type {
	case PersistenceMemory:
	case PersistenceBadger:
		if c.Persistence.DataPath == "" {
			allErrors = append(allErrors, field.Required(p.Child("data_path"), "badger needs a data path"))
		}
	case PersistenceRedis:
		if c.Persistence.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(p.Child("redis_address"), "redis needs an address"))
		}
		if c.Persistence.RedisDB < 0 || c.Persistence.RedisDB > 15 {
			allErrors = append(allErrors, field.Invalid(p.Child("redis_db"), c.Persistence.RedisDB, "must be between 0 and 15"))
		}
	case PersistencePostgres:
		if c.Persistence.PostgresURL == "" {
			allErrors = append(allErrors, field.Required(p.Child("postgres_url"), "postgres needs a connection url"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(p.Child("type"), c.Persistence.Type,
			[]string{string(PersistenceMemory), string(PersistenceBadger), string(PersistenceRedis), string(PersistencePostgres)}))
	}
	return allErrors
}

// AmountToleranceDecimal returns the configured tolerance, zero when unset.
func (c *VaultConfig) AmountToleranceDecimal() decimal.Decimal {
	if c.AmountTolerance == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(c.AmountTolerance)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *VaultConfig) RoundingMode() util.RoundingMode {
	mode, _ := util.ParseRoundingMode(c.Rounding)
	return mode
}

// GetSupportedChainIDs returns all supported chain IDs
func GetSupportedChainIDs() []ChainId {
	return []ChainId{
		ChainId_PolygonMainnet,
		ChainId_PolygonAmoy,
		ChainId_BaseMainnet,
		ChainId_BaseSepolia,
		ChainId_Anvil,
	}
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() []string {
	ids := GetSupportedChainIDs()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf("%d (%s)", id, ChainIdToName[id]))
	}
	return out
}

// SplitOrigins parses a comma separated origin list.
func SplitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
