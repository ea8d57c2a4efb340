package datasource

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

// ValidIP 检查字符串是否为合法的 IPv4 或 IPv6 地址字面量
func ValidIP(s string) bool {
	return net.ParseIP(s) != nil
}

// LoadIPsFromFile 从指定路径的文件中读取候选 IP 列表。
// 忽略空行和以 '#' 开头的注释行；非法地址仅告警并丢弃。
// 全部条目都非法或文件为空时视为致命错误。
func LoadIPsFromFile(filePath string) ([]net.IP, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开 IP 文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	var ips []net.IP
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ip := net.ParseIP(line)
		if ip == nil {
			log.Printf("警告: 无效的 IP 地址: %s", line)
			continue
		}
		ips = append(ips, ip)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取 IP 文件时出错: %w", err)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("IP 文件 '%s' 中未找到有效的 IP 地址", filePath)
	}

	return ips, nil
}
