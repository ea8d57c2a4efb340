package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// 各配置项的默认值，与嵌入的 default_config.yaml 保持一致
const (
	DefaultMaxIPs           = 10
	DefaultMaxPing          = 100
	DefaultTestSize         = 1024
	DefaultMinDownloadSpeed = 5.0
	DefaultMinUploadSpeed   = 2.0
	DefaultOutputFile       = "ip_performance.csv"
	DefaultIPFile           = "ips.txt"
	DefaultPingMode         = "auto"
	DefaultPingConcurrency  = 16
	DefaultTestConcurrency  = 4
)

// Config 结构用于映射 config.yaml 文件的内容。
// 启动时构造一次，之后只读，以指针形式传入各组件。
type Config struct {
	MaxIPs               int      `yaml:"max_ips"`
	MaxPing              int      `yaml:"max_ping"` // 毫秒，同时作为延迟探测超时
	TestSize             int      `yaml:"test_size"` // KiB
	MinDownloadSpeed     float64  `yaml:"min_download_speed"` // Mbps
	MinUploadSpeed       float64  `yaml:"min_upload_speed"`   // Mbps
	Regions              []string `yaml:"regions"`
	OutputFile           string   `yaml:"output_file"`
	IPFile               string   `yaml:"ip_file"`
	PingMode             string   `yaml:"ping_mode"` // auto / icmp / tcp
	PingConcurrency      int      `yaml:"ping_concurrency"`
	TestConcurrency      int      `yaml:"test_concurrency"`
	SpeedTestRateLimitMB float64  `yaml:"speedtest_rate_limit_mb"` // 0 表示不限速
	NoShuffle            bool     `yaml:"no_shuffle"`
	VerifyCFRanges       bool     `yaml:"verify_cf_ranges"`
}

// LoadConfig 从指定路径加载并解析 YAML 配置文件，缺失或无效的值回落到默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()

	return &cfg, nil
}

// normalize 修正无效的配置值并记录告警
func (c *Config) normalize() {
	if c.MaxIPs <= 0 {
		log.Printf("警告: max_ips=%d 无效，使用默认值 %d", c.MaxIPs, DefaultMaxIPs)
		c.MaxIPs = DefaultMaxIPs
	}
	if c.MaxPing <= 0 {
		log.Printf("警告: max_ping=%d 无效，使用默认值 %d", c.MaxPing, DefaultMaxPing)
		c.MaxPing = DefaultMaxPing
	}
	if c.TestSize <= 0 {
		log.Printf("警告: test_size=%d 无效，使用默认值 %d", c.TestSize, DefaultTestSize)
		c.TestSize = DefaultTestSize
	}
	if c.MinDownloadSpeed <= 0 {
		// 阈值缺失或无效时不能退化成照单全收
		log.Printf("警告: min_download_speed 缺失或无效，使用默认值 %.2f", DefaultMinDownloadSpeed)
		c.MinDownloadSpeed = DefaultMinDownloadSpeed
	}
	if c.MinUploadSpeed <= 0 {
		log.Printf("警告: min_upload_speed 缺失或无效，使用默认值 %.2f", DefaultMinUploadSpeed)
		c.MinUploadSpeed = DefaultMinUploadSpeed
	}
	if len(c.Regions) == 0 {
		log.Printf("警告: 未配置目标区域，使用默认值 [Europe Asia_Pacific]")
		c.Regions = []string{"Europe", "Asia_Pacific"}
	}
	if c.OutputFile == "" {
		c.OutputFile = DefaultOutputFile
	}
	if c.IPFile == "" {
		c.IPFile = DefaultIPFile
	}
	if c.PingMode == "" {
		c.PingMode = DefaultPingMode
	}
	if c.PingConcurrency <= 0 {
		log.Printf("警告: ping_concurrency=%d 可能导致死锁，自动调整为默认值 %d", c.PingConcurrency, DefaultPingConcurrency)
		c.PingConcurrency = DefaultPingConcurrency
	}
	if c.TestConcurrency <= 0 {
		log.Printf("警告: test_concurrency=%d 可能导致死锁，自动调整为默认值 %d", c.TestConcurrency, DefaultTestConcurrency)
		c.TestConcurrency = DefaultTestConcurrency
	}
	if c.SpeedTestRateLimitMB < 0 {
		c.SpeedTestRateLimitMB = 0
	}
}
