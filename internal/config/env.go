package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Env 进程启动配置，来自环境变量（前缀 PPWAPI_）和可选的 .env 文件
type Env struct {
	Addr      string
	DBDriver  string
	DBDSN     string
	AdminPass string
	RedisURL  string
	LogLevel  string
	LogFile   string
}

// LoadEnv 先加载 envFile（不存在时忽略），再由 viper 读取环境变量
func LoadEnv(envFile string) (*Env, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("PPWAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("db_driver", DefaultDBDriver)
	v.SetDefault("db_dsn", DefaultSQLitePath)
	v.SetDefault("log_level", DefaultLogLevel)

	env := &Env{
		Addr:      v.GetString("addr"),
		DBDriver:  strings.ToLower(v.GetString("db_driver")),
		DBDSN:     v.GetString("db_dsn"),
		AdminPass: v.GetString("admin_pass"),
		RedisURL:  v.GetString("redis_url"),
		LogLevel:  v.GetString("log_level"),
		LogFile:   v.GetString("log_file"),
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *Env) Validate() error {
	switch e.DBDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported PPWAPI_DB_DRIVER %q (sqlite|mysql)", e.DBDriver)
	}
	if e.DBDSN == "" {
		return errors.New("PPWAPI_DB_DSN is empty")
	}
	return nil
}
