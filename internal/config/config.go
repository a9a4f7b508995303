// Package config loads the engine's environment configuration: a
// primary TOML file for new deployments, and a DB_CONFIG-style INI file
// for the classic "keyword value" option format the environment also accepts,
// with environment-variable overrides applied last.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/kvengine/core/internal/errs"
	"github.com/kvengine/core/internal/lockmgr"
)

// Config holds every option the environment, buffer pool, lock manager,
// log manager and access methods read at Open time.
type Config struct {
	Home    string `toml:"home"`
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	TmpDir  string `toml:"tmp_dir"`

	PageSize      int   `toml:"page_size"`
	CacheSize     int64 `toml:"cache_size"`
	CacheCount    int   `toml:"cache_count"`
	LogBufferSize int   `toml:"log_buffer_size"`
	LogFileMax    int64 `toml:"log_file_max"`
	LogFileMode   uint32 `toml:"log_file_mode"`

	LockTimeout time.Duration `toml:"lock_timeout"`
	TxnTimeout  time.Duration `toml:"txn_timeout"`

	MaxLocks   uint32 `toml:"lk_max_locks"`
	MaxLockers uint32 `toml:"lk_max_lockers"`
	MaxObjects uint32 `toml:"lk_max_objects"`

	DeadlockDetectInterval time.Duration `toml:"lk_detect"`
	DeadlockPolicy         lockmgr.Policy `toml:"-"`
	DeadlockPolicyName     string         `toml:"lk_detect_policy"`

	Checksum   bool `toml:"checksum"`
	Encryption bool `toml:"encryption"`
	CDS        bool `toml:"cds"`

	// Register asks Open to coordinate recovery across concurrent openers
	// of the same home directory through a marker file: the opener that
	// creates the marker runs recovery; any other opener that finds the
	// marker fails RUNRECOVERY unless Recover or RecoverFatal is also set,
	// in which case it proceeds (spec §4.5, §6 RECOVER).
	Register bool `toml:"register"`
	// Recover asks Open to run recovery itself once the environment's
	// subsystems are up, the normal restart path for a single opener
	// that already knows recovery is needed.
	Recover bool `toml:"recover"`
	// RecoverFatal is Recover's stronger form (spec §6 RECOVER_FATAL);
	// Open sets both flags for it and runs the same recovery pass, and a
	// REGISTER opener that finds an existing marker proceeds as with
	// Recover.
	RecoverFatal bool `toml:"recover_fatal"`
}

// Default returns a Config with the engine's built-in defaults, the
// values Open falls back on when neither a config file nor an
// environment variable sets them.
func Default() Config {
	return Config{
		PageSize:               16 * 1024,
		CacheSize:               64 << 20,
		CacheCount:              0,
		LogBufferSize:           64 << 10,
		LogFileMax:              16 << 20,
		LogFileMode:             0644,
		LockTimeout:             0,
		TxnTimeout:              0,
		MaxLocks:                1000,
		MaxLockers:              1000,
		MaxObjects:              1000,
		DeadlockDetectInterval:  0,
		DeadlockPolicy:          lockmgr.PolicyDefault,
	}
}

var policyNames = map[string]lockmgr.Policy{
	"default":  lockmgr.PolicyDefault,
	"expire":   lockmgr.PolicyExpire,
	"maxlocks": lockmgr.PolicyMaxLocks,
	"maxwrite": lockmgr.PolicyMaxWrite,
	"minlocks": lockmgr.PolicyMinLocks,
	"minwrite": lockmgr.PolicyMinWrite,
	"oldest":   lockmgr.PolicyOldest,
	"random":   lockmgr.PolicyRandom,
	"youngest": lockmgr.PolicyYoungest,
}

// Load parses a primary TOML configuration file, starting from Default
// and overwriting any field the file sets.
func Load(path string) (Config, error) {
	const op = "config.Load"
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errs.Wrap(op, errs.IO, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(op, errs.INVAL, err)
	}
	if err := resolvePolicy(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDBConfig parses a classic "keyword value" option file — the format
// the environment has historically accepted alongside its native TOML
// config — via an INI reader configured for unquoted, whitespace-
// separated key/value pairs.
func LoadDBConfig(path string) (Config, error) {
	const op = "config.LoadDBConfig"
	cfg := Default()

	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true, SpaceBeforeInlineComment: true}, path)
	if err != nil {
		return cfg, errs.Wrap(op, errs.IO, err)
	}
	sec := f.Section("")
	for _, k := range sec.Keys() {
		if i := strings.IndexAny(k.Name(), " \t"); i > 0 {
			if _, err := sec.NewKey(k.Name()[:i], strings.TrimSpace(k.Name()[i+1:])); err != nil {
				return cfg, errs.Wrap(op, errs.INVAL, err)
			}
		}
	}

	str := func(key string, dst *string) {
		if sec.HasKey(key) {
			*dst = sec.Key(key).String()
		}
	}
	str("set_data_dir", &cfg.DataDir)
	str("set_lg_dir", &cfg.LogDir)
	str("set_tmp_dir", &cfg.TmpDir)

	intVal := func(key string, dst *int) error {
		if !sec.HasKey(key) {
			return nil
		}
		n, err := sec.Key(key).Int()
		if err != nil {
			return errs.Wrap(op, errs.INVAL, err)
		}
		*dst = n
		return nil
	}
	if err := intVal("set_pagesize", &cfg.PageSize); err != nil {
		return cfg, err
	}
	if err := intVal("set_cachesize", &cfg.CacheCount); err != nil {
		return cfg, err
	}

	if sec.HasKey("set_lk_max_locks") {
		n, err := sec.Key("set_lk_max_locks").Uint()
		if err != nil {
			return cfg, errs.Wrap(op, errs.INVAL, err)
		}
		cfg.MaxLocks = uint32(n)
	}
	if sec.HasKey("set_lk_detect") {
		cfg.DeadlockPolicyName = sec.Key("set_lk_detect").String()
	}

	if err := resolvePolicy(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func resolvePolicy(cfg *Config) error {
	if cfg.DeadlockPolicyName == "" {
		return nil
	}
	p, ok := policyNames[cfg.DeadlockPolicyName]
	if !ok {
		return errs.New("config.resolvePolicy", errs.INVAL)
	}
	cfg.DeadlockPolicy = p
	return nil
}

// envOverrides maps an environment variable suffix (after "KVENGINE_")
// to a setter applied over whatever Load/LoadDBConfig/Default produced.
var envOverrides = map[string]func(cfg *Config, v string) error{
	"PAGE_SIZE": func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		cfg.PageSize = n
		return nil
	},
	"CACHE_SIZE": func(cfg *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		cfg.CacheSize = n
		return nil
	},
	"LOCK_TIMEOUT": func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.LockTimeout = d
		return nil
	},
	"TXN_TIMEOUT": func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		cfg.TxnTimeout = d
		return nil
	},
	"DATA_DIR": func(cfg *Config, v string) error { cfg.DataDir = v; return nil },
	"LOG_DIR":  func(cfg *Config, v string) error { cfg.LogDir = v; return nil },
}

// ApplyEnv overlays KVENGINE_-prefixed environment variables onto cfg,
// the last layer applied after any config file, so an operator can
// override a single option without editing a file.
func ApplyEnv(cfg *Config) error {
	const op = "config.ApplyEnv"
	for suffix, setter := range envOverrides {
		v, ok := os.LookupEnv("KVENGINE_" + suffix)
		if !ok {
			continue
		}
		if err := setter(cfg, v); err != nil {
			return errs.Wrap(op, errs.INVAL, err)
		}
	}
	return nil
}

// Validate rejects a configuration with an option outside the range the
// rest of the engine can operate with.
func (c Config) Validate() error {
	const op = "config.Validate"
	if c.PageSize < 512 || c.PageSize&(c.PageSize-1) != 0 {
		return errs.New(op, errs.INVAL)
	}
	if c.Home == "" && c.DataDir == "" {
		return errs.New(op, errs.INVAL)
	}
	return nil
}
