package tester

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// TraceURL 为共享服务的 trace 端点
const TraceURL = "https://speed.cloudflare.com/cdn-cgi/trace"

// TraceTimeout 为单次 colo 解析的超时
const TraceTimeout = 10 * time.Second

// TraceColo 通过候选 IP 访问 trace 端点，提取服务该请求的数据中心（colo）代码。
// 连接被强制指向候选 IP，URL 中的主机名保持共享服务不变。
// 传输失败或响应中缺少 colo 字段都返回错误，由调用方跳过该候选。
func TraceColo(ctx context.Context, ip *net.IPAddr, port int, traceURL string, timeout time.Duration) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, traceURL, nil)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := newOverrideClient(ip, port, timeout)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("无效的状态码: %d", resp.StatusCode)
	}

	// 响应体为逐行的 key=value 文本
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if colo, ok := strings.CutPrefix(scanner.Text(), "colo="); ok {
			return colo, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("读取响应失败: %w", err)
	}

	return "", fmt.Errorf("响应中未找到 colo 字段")
}
