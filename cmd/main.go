package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/FarelRA/proxyip-tracker/internal/config"
	"github.com/FarelRA/proxyip-tracker/internal/engine"
	"github.com/FarelRA/proxyip-tracker/internal/output"
)

//go:embed default_config.yaml
var defaultConfigData []byte

//go:embed ips.txt
var defaultIPsData []byte

// ensureFile 检查文件是否存在于可执行文件目录，如果不存在，则使用提供的默认数据创建它。
func ensureFile(fileName string, defaultData []byte) (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("无法获取可执行文件路径: %w", err)
	}
	exeDir := filepath.Dir(exePath)
	filePath := filepath.Join(exeDir, fileName)

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, defaultData, 0644); err != nil {
			return "", fmt.Errorf("无法写入默认文件 %s: %w", fileName, err)
		}
		log.Printf("首次运行，已在 %s 生成默认 %s 文件", exeDir, fileName)
	} else if err != nil {
		return "", fmt.Errorf("检查文件 %s 时出错: %w", fileName, err)
	}
	return filePath, nil
}

func main() {
	cfgFlag := flag.String("config", "", "配置文件路径，留空时使用可执行文件目录下的 config.yaml")
	flag.Parse()

	// 确保所有必需的文件都存在
	cfgPath, err := ensureFile("config.yaml", defaultConfigData)
	if err != nil {
		log.Fatalf("初始化配置文件失败: %v", err)
	}
	if _, err := ensureFile("ips.txt", defaultIPsData); err != nil {
		log.Fatalf("初始化 ips.txt 失败: %v", err)
	}
	if *cfgFlag != "" {
		cfgPath = *cfgFlag
	}

	runCli(cfgPath, filepath.Dir(cfgPath))
}

// runCli 执行一次完整的批量优选流程
func runCli(cfgPath, exeDir string) {
	// 1. 加载配置
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}
	// 相对路径以可执行文件目录为基准
	if !filepath.IsAbs(cfg.IPFile) {
		cfg.IPFile = filepath.Join(exeDir, cfg.IPFile)
	}
	if !filepath.IsAbs(cfg.OutputFile) {
		cfg.OutputFile = filepath.Join(exeDir, cfg.OutputFile)
	}
	log.Printf("配置加载成功: 目标区域=%v, 优选 IP 数=%d, 延迟上限=%d ms", cfg.Regions, cfg.MaxIPs, cfg.MaxPing)

	// 2. 构建引擎，宿主机不具备延迟探测能力时在此失败
	eng, err := engine.New(cfg, exeDir)
	if err != nil {
		log.Fatalf("初始化探测器失败: %v", err)
	}

	// 定义日志回调函数
	progressCallback := func(message string) {
		log.Println(message)
	}

	// 3. 运行优选引擎
	results, err := eng.Run(context.Background(), progressCallback)
	if err != nil {
		log.Fatalf("引擎运行时出错: %v", err)
	}

	// 4. 写入结果
	log.Println("写入结果文件...")
	if err := output.WriteCSVFile(cfg.OutputFile, results); err != nil {
		log.Fatalf("写入 CSV 失败: %v", err)
	}
	jsonFile := strings.TrimSuffix(cfg.OutputFile, filepath.Ext(cfg.OutputFile)) + ".json"
	if err := output.WriteJSONFile(jsonFile, results); err != nil {
		log.Fatalf("写入 JSON 失败: %v", err)
	}
	log.Printf("结果已成功写入 %s 和 %s", cfg.OutputFile, jsonFile)

	if len(results) == 0 {
		log.Println("没有满足条件的 IP。")
		return
	}
	fmt.Println("\n优选结果:")
	for _, r := range results {
		fmt.Printf("  - %s [%s] 延迟 %d ms, 上传 %.2f Mbps, 下载 %.2f Mbps\n",
			r.Address, r.Region, r.PingMS, r.UploadMbps, r.DownloadMbps)
	}
}
