package tester

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultTCPPort 默认探测端口
	DefaultTCPPort = 443

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/98.0.4758.80 Safari/537.36"
)

// isIPv4 检查 IP 地址是否为 IPv4
func isIPv4(ip string) bool {
	return strings.Contains(ip, ".")
}

// joinHostPort 将 IP 和端口拼成拨号地址，IPv6 需要加方括号
func joinHostPort(ip *net.IPAddr, port int) string {
	if isIPv4(ip.String()) {
		return fmt.Sprintf("%s:%d", ip.String(), port)
	}
	return fmt.Sprintf("[%s]:%d", ip.String(), port)
}

// getDialContext 创建一个自定义的拨号上下文，把连接强制指向指定的 IP 地址，
// 而 URL 中的主机名（TLS/Host 身份）保持不变。这是连接级的覆盖，不是 DNS 重写。
func getDialContext(ip *net.IPAddr, port int) func(ctx context.Context, network, address string) (net.Conn, error) {
	overrideAddr := joinHostPort(ip, port)
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, overrideAddr)
	}
}

// newOverrideClient 构造一个所有连接都指向候选 IP 的 HTTP 客户端
func newOverrideClient(ip *net.IPAddr, port int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: getDialContext(ip, port),
		},
	}
}
