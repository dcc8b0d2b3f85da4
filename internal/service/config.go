// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// 运行模式
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
)

// ErrMarginNotSupported 杠杆/衍生品交易一律拒绝
var ErrMarginNotSupported = errors.New("margin and derivatives trading is not supported")

type Config struct {
	Mode      string                    `mapstructure:"Mode"`
	Log       LogConfig                 `mapstructure:"Log"`
	Exchange  ExchangeConfig            `mapstructure:"Exchange"`
	Local     LocalConfig               `mapstructure:"Local"`
	Engine    EngineConfig              `mapstructure:"Engine"`
	Backtest  BacktestConfig            `mapstructure:"Backtest"`
	Instances map[string]InstanceConfig `mapstructure:"Instances"`
}

type LogConfig struct {
	Level       string
	Development bool
}

// ExchangeConfig 定义了交易所的连接信息
type ExchangeConfig struct {
	Name           string
	APIKey         string
	SecretKey      string
	WSURL          string
	RESTURL        string
	Margin         bool          // 只为了显式拒绝
	RequestTimeout time.Duration // 单次交易所请求超时
	Heartbeat      time.Duration // WS ping 间隔
}

// LocalConfig 本地撮合 (回测) 参数
type LocalConfig struct {
	FeeMaker decimal.Decimal
	FeeTaker decimal.Decimal
	Slippage decimal.Decimal
	Balances map[string]decimal.Decimal
}

type EngineConfig struct {
	QueueSize int // 事件队列容量
	Retention int // 每个 K 线集合保留的最大条数，0 表示不限制
}

type BacktestConfig struct {
	CandlesFile string // 可包含 {symbol} 占位符，每个实例一个文件
}

// InstanceConfig 一个交易对 + 策略实例
type InstanceConfig struct {
	Base      string
	Quote     string
	Interval  string
	Precision int32
	Strategy  StrategyConfig
}

// StrategyConfig 定义了策略启动参数
type StrategyConfig struct {
	FastMA    int
	SlowMA    int
	RSIPeriod int
	Confirm   int             // 连续确认的 K 线数
	Quantity  decimal.Decimal // 每次下单数量 (币本位)
	StaleAge  int             // 限价单挂单超过多少根 K 线后追价
}

// LoadConfig 读取并解析配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	// 设置配置文件的名称、类型和路径
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	// 环境变量覆盖，例如 BOT_MODE=live
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		DecimalHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// viper 会把 map 的 key 转成小写，资产代码统一大写
	balances := make(map[string]decimal.Decimal, len(cfg.Local.Balances))
	for asset, amount := range cfg.Local.Balances {
		balances[strings.ToUpper(asset)] = amount
	}
	cfg.Local.Balances = balances

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Mode", ModeBacktest)
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Exchange.Name", "local")
	v.SetDefault("Exchange.RequestTimeout", "10s")
	v.SetDefault("Exchange.Heartbeat", "15s")
	v.SetDefault("Local.FeeMaker", "0.001")
	v.SetDefault("Local.FeeTaker", "0.001")
	v.SetDefault("Local.Slippage", "0")
	v.SetDefault("Engine.QueueSize", 1024)
	v.SetDefault("Engine.Retention", 0)
}

// Validate 启动前的静态校验
func (c *Config) Validate() error {
	if c.Exchange.Margin {
		return ErrMarginNotSupported
	}
	switch c.Mode {
	case ModeBacktest, ModeLive:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if len(c.Instances) == 0 {
		return errors.New("no instances configured")
	}
	for name, inst := range c.Instances {
		if inst.Base == "" || inst.Quote == "" {
			return fmt.Errorf("instance %s: base and quote are required", name)
		}
		if _, err := ParseIntervalDuration(inst.Interval); err != nil {
			return fmt.Errorf("instance %s: %w", name, err)
		}
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// DecimalHookFunc 将 yaml 中的字符串/数字解码为 decimal.Decimal
func DecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
