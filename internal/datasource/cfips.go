package datasource

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// CFIPsV4URL Cloudflare IPv4 地址段列表 URL
	CFIPsV4URL = "https://www.cloudflare.com/ips-v4"
	// CFIPsV6URL Cloudflare IPv6 地址段列表 URL
	CFIPsV6URL = "https://www.cloudflare.com/ips-v6"
)

// IPNetSet 用于高效地检查 IP 是否属于某个网段集合
type IPNetSet struct {
	nets []*net.IPNet
}

// Contains 检查给定的 IP 是否落在集合内
func (s *IPNetSet) Contains(ip net.IP) bool {
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// FilterCloudflareIPs 丢弃不在 Cloudflare 公布网段内的候选 IP，丢弃时仅告警
func FilterCloudflareIPs(ips []net.IP, set *IPNetSet) []net.IP {
	var kept []net.IP
	for _, ip := range ips {
		if !set.Contains(ip) {
			log.Printf("警告: IP %s 不在 Cloudflare 公布的网段内，已丢弃", ip)
			continue
		}
		kept = append(kept, ip)
	}
	return kept
}

// LoadCFIPs 确保 Cloudflare 网段列表可用，本地缓存不存在时下载并写入缓存。
// v4 和 v6 网段合并保存在同一个缓存文件中。
func LoadCFIPs(cachePath string) (*IPNetSet, error) {
	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		log.Printf("本地缓存 '%s' 不存在，正在从 Cloudflare 官网下载...", cachePath)
		if err := downloadAndCacheCFIPs(cachePath); err != nil {
			return nil, fmt.Errorf("下载和缓存 Cloudflare 网段失败: %w", err)
		}
		log.Println("下载并缓存成功。")
	}

	return loadCIDRsFromFile(cachePath)
}

func downloadAndCacheCFIPs(filePath string) error {
	var data []byte
	for _, url := range []string{CFIPsV4URL, CFIPsV6URL} {
		chunk, err := downloadURL(url)
		if err != nil {
			return fmt.Errorf("下载 %s 失败: %w", url, err)
		}
		data = append(data, chunk...)
		data = append(data, '\n')
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入缓存文件失败: %w", err)
	}
	return nil
}

func downloadURL(url string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

func loadCIDRsFromFile(filePath string) (*IPNetSet, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("无法打开网段文件 '%s': %w", filePath, err)
	}
	defer file.Close()

	ipNetSet := &IPNetSet{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(line)
		if err != nil {
			// 忽略无法解析的行
			continue
		}
		ipNetSet.nets = append(ipNetSet.nets, ipNet)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取网段文件时出错: %w", err)
	}

	if len(ipNetSet.nets) == 0 {
		return nil, fmt.Errorf("网段文件 '%s' 中未找到有效的 CIDR", filePath)
	}

	return ipNetSet, nil
}
