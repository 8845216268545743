package grower

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/maxbolgarin/contem"
	"github.com/maxbolgarin/errm"
	"github.com/maxbolgarin/lang"
)

// Database drivers.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

const (
	defaultMaxConnections = 10
	unlimitedTopLimit     = 1 << 20
)

// ErrUnknownDriver is returned when database driver is not supported.
var ErrUnknownDriver = errm.New("unknown database driver")

// Config contains application configuration.
//
// You can use environment variables to fill it, see tags of every field.
type Config struct {
	// TopLimit is the size of chat leaderboard.
	// Default: 10.
	TopLimit int `yaml:"top_limit" json:"top_limit" env:"TOP_LIMIT" env-default:"10"`

	// LoanPayoutRatio is a part of growth that goes to loan payout.
	// Default: 0.
	LoanPayoutRatio float64 `yaml:"loan_payout_ratio" json:"loan_payout_ratio" env:"LOAN_PAYOUT_COEF" env-default:"0"`

	// DodSelectionMode is the way of choosing the winner of the day.
	// Default: RANDOM.
	DodSelectionMode SelectionMode `yaml:"dod_selection_mode" json:"dod_selection_mode" env:"DOD_SELECTION_MODE" env-default:"RANDOM"`

	// DodRichExclusionRatio is a share of the richest users excluded from the winner selection.
	// Values outside of [0, 1] disable the exclusion.
	DodRichExclusionRatio float64 `yaml:"dod_rich_exclusion_ratio" json:"dod_rich_exclusion_ratio" env:"DOD_RICH_EXCLUSION_RATIO" env-default:"-1"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug" json:"debug" env:"DEBUG"`

	Features FeatureToggles `yaml:"features" json:"features"`
	Growth   GrowthRange    `yaml:"growth" json:"growth"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

// FeatureToggles contains switches of optional features.
type FeatureToggles struct {
	ChatsMerging bool                  `yaml:"chats_merging" json:"chats_merging" env:"CHATS_MERGING_ENABLED" env-default:"false"`
	TopUnlimited bool                  `yaml:"top_unlimited" json:"top_unlimited" env:"TOP_UNLIMITED_ENABLED" env-default:"false"`
	PvP          BattlesFeatureToggles `yaml:"pvp" json:"pvp"`
}

// BattlesFeatureToggles contains switches of battles.
type BattlesFeatureToggles struct {
	CheckAcceptorLength bool `yaml:"check_acceptor_length" json:"check_acceptor_length" env:"PVP_CHECK_ACCEPTOR_LENGTH" env-default:"false"`
	CallbackLocks       bool `yaml:"callback_locks" json:"callback_locks" env:"PVP_CALLBACK_LOCKS_ENABLED" env-default:"true"`
	ShowStats           bool `yaml:"show_stats" json:"show_stats" env:"PVP_STATS_SHOW" env-default:"true"`
	ShowStatsNotice     bool `yaml:"show_stats_notice" json:"show_stats_notice" env:"PVP_STATS_SHOW_NOTICE" env-default:"true"`
}

// GrowthRange is the range of a single growth.
type GrowthRange struct {
	Min int64 `yaml:"min" json:"min" env:"GROWTH_MIN" env-default:"0"`
	Max int64 `yaml:"max" json:"max" env:"GROWTH_MAX" env-default:"10"`
}

// SelectionMode is a way of choosing the winner of the day.
type SelectionMode string

const (
	SelectionModeWeights   SelectionMode = "WEIGHTS"
	SelectionModeExclusion SelectionMode = "EXCLUSION"
	SelectionModeRandom    SelectionMode = "RANDOM"
)

// Ratio is a number in [0, 1].
type Ratio float64

// NewRatio returns an error if value is outside of [0, 1].
func NewRatio(value float64) (Ratio, error) {
	if value < 0 || value > 1 {
		return 0, errm.New("ratio must be in [0, 1]")
	}
	return Ratio(value), nil
}

// Read fills config from the file (if provided) and environment, then validates it.
func (cfg *Config) Read(fileName ...string) error {
	var err error
	if len(fileName) > 0 {
		err = cleanenv.ReadConfig(fileName[0], cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return errm.Wrap(err, "read")
	}
	return cfg.prepareAndValidate()
}

// RichExclusionRatio returns the ratio and false if the exclusion is disabled.
func (cfg Config) RichExclusionRatio() (Ratio, bool) {
	r, err := NewRatio(cfg.DodRichExclusionRatio)
	return r, err == nil
}

// LedgerOptions returns options for [NewLedger] and [NewStats] built from the config.
func (cfg Config) LedgerOptions() []func(*Options) {
	opts := []func(*Options){
		WithTopLimit(lang.If(cfg.Features.TopUnlimited, unlimitedTopLimit, cfg.TopLimit)),
		WithQueryTimeout(cfg.Database.QueryTimeout),
	}
	if cfg.Features.ChatsMerging {
		opts = append(opts, WithChatsMerging())
	}
	if cfg.Debug {
		opts = append(opts, WithDebug())
	}
	return opts
}

func (cfg *Config) prepareAndValidate() error {
	cfg.TopLimit = lang.Check(cfg.TopLimit, defaultTopLimit)
	cfg.DodSelectionMode = SelectionMode(strings.ToUpper(string(lang.Check(cfg.DodSelectionMode, SelectionModeRandom))))

	if err := cfg.Database.prepareAndValidate(); err != nil {
		return errm.Wrap(err, "database")
	}

	return validation.ValidateStruct(cfg,
		validation.Field(&cfg.TopLimit, validation.Required, validation.Min(1)),
		validation.Field(&cfg.LoanPayoutRatio, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&cfg.DodSelectionMode, validation.In(SelectionModeWeights, SelectionModeExclusion, SelectionModeRandom)),
		validation.Field(&cfg.Growth, validation.By(func(any) error {
			if cfg.Growth.Min < 0 {
				return errm.New("min growth cannot be negative")
			}
			if cfg.Growth.Min > cfg.Growth.Max {
				return errm.New("min growth cannot be greater than max")
			}
			return nil
		})),
	)
}

// DatabaseConfig contains database configuration.
//
// You can use environment variables to fill it:
// DATABASE_DRIVER - one of mongo, postgres, sqlite, memory
// DATABASE_URL - PostgreSQL connection URL
// DATABASE_PATH - SQLite database file
// DATABASE_MAX_CONNECTIONS - connection pool size
// DATABASE_QUERY_TIMEOUT - timeout of a single storage call
// DATABASE_ADDRESS, DATABASE_NAME, DATABASE_USERNAME, DATABASE_PASSWORD - MongoDB settings
type DatabaseConfig struct {
	// Driver is the storage backend.
	// Default: postgres.
	Driver string `yaml:"driver" json:"driver" env:"DATABASE_DRIVER"`

	// URL is the PostgreSQL connection URL.
	URL string `yaml:"url" json:"url" env:"DATABASE_URL"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path" env:"DATABASE_PATH"`

	// Address is the MongoDB address in ip:port format.
	Address string `yaml:"address" json:"address" env:"DATABASE_ADDRESS"`
	// DBName is the name of the MongoDB database.
	DBName string `yaml:"db_name" json:"db_name" env:"DATABASE_NAME"`
	// Username is the MongoDB username.
	Username string `yaml:"username" json:"username" env:"DATABASE_USERNAME"`
	// Password is the MongoDB password.
	Password string `yaml:"password" json:"password" env:"DATABASE_PASSWORD"`

	// MaxConnections is the size of connection pool.
	// Default: 10.
	MaxConnections int `yaml:"max_connections" json:"max_connections" env:"DATABASE_MAX_CONNECTIONS"`

	// QueryTimeout is the timeout of a single storage call.
	// Default: 10 seconds.
	QueryTimeout time.Duration `yaml:"query_timeout" json:"query_timeout" env:"DATABASE_QUERY_TIMEOUT"`
}

func (cfg *DatabaseConfig) prepareAndValidate() error {
	cfg.Driver = strings.ToLower(lang.Check(cfg.Driver, DriverPostgres))
	cfg.MaxConnections = lang.Check(cfg.MaxConnections, defaultMaxConnections)
	cfg.QueryTimeout = lang.Check(cfg.QueryTimeout, defaultQueryTimeout)

	isMongo := cfg.Driver == DriverMongo

	return validation.ValidateStruct(cfg,
		validation.Field(&cfg.Driver, validation.Required, validation.In(DriverMongo, DriverPostgres, DriverSQLite, DriverMemory).Error(ErrUnknownDriver.Error())),
		validation.Field(&cfg.URL, validation.Required.When(cfg.Driver == DriverPostgres)),
		validation.Field(&cfg.Path, validation.Required.When(cfg.Driver == DriverSQLite)),
		validation.Field(&cfg.Address, validation.Required.When(isMongo)),
		validation.Field(&cfg.DBName, validation.Required.When(isMongo)),
		validation.Field(&cfg.Username, validation.Required.When(len(cfg.Password) > 0 && isMongo)),
		validation.Field(&cfg.Password, validation.Required.When(len(cfg.Username) > 0 && isMongo)),
		validation.Field(&cfg.MaxConnections, validation.Min(1)),
		validation.Field(&cfg.QueryTimeout, validation.Min(time.Millisecond)),
	)
}

// OpenStorage opens the storage selected by the config.
// MongoDB client is also disconnected on ctx shutdown.
func OpenStorage(ctx contem.Context, cfg DatabaseConfig, log Logger) (GrowthStorage, error) {
	if err := cfg.prepareAndValidate(); err != nil {
		return nil, errm.Wrap(err, "validate config")
	}

	switch cfg.Driver {
	case DriverMongo:
		db, err := NewMongoStorage(ctx, cfg, log)
		if err != nil {
			return nil, errm.Wrap(err, "open mongo")
		}
		return db, nil

	case DriverPostgres:
		db, err := NewPostgres(ctx, cfg, log)
		if err != nil {
			return nil, errm.Wrap(err, "open postgres")
		}
		return db, nil

	case DriverSQLite:
		db, err := NewSQLite(ctx, cfg.Path, log)
		if err != nil {
			return nil, errm.Wrap(err, "open sqlite")
		}
		return db, nil

	case DriverMemory:
		return NewMemoryStorage(), nil
	}

	return nil, ErrUnknownDriver
}
