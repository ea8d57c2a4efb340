package tester

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/time/rate"
)

const (
	// DownloadURL 为共享服务的下载测速端点，bytes 参数由调用方拼接
	DownloadURL = "https://speed.cloudflare.com/__down"
	// UploadURL 为共享服务的上传测速端点
	UploadURL = "https://speed.cloudflare.com/__up"
	// SpeedTestTimeout 为单次吞吐量测试的超时
	SpeedTestTimeout = 30 * time.Second
)

// TestDownloadSpeed 通过候选 IP 下载 byteSize 字节的测试载荷并计算吞吐量（Mbps）。
// 计时覆盖从发起请求到响应读取完毕的全程；任何传输错误返回 0 和非 nil error。
// rateLimitMB 大于 0 时按 MB/s 限制读取速率。
func TestDownloadSpeed(ctx context.Context, ip *net.IPAddr, port int, downURL string, byteSize int64, timeout time.Duration, rateLimitMB float64) (float64, error) {
	url := fmt.Sprintf("%s?bytes=%d", downURL, byteSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := newOverrideClient(ip, port, timeout)

	const bufferSize = 8192

	var limiter *rate.Limiter
	if rateLimitMB > 0 {
		// 桶大小不得小于单次读取量，否则 WaitN 必然失败
		limit := rate.Limit(rateLimitMB * 1024 * 1024)
		burst := int(rateLimitMB * 1024 * 1024)
		if burst < bufferSize {
			burst = bufferSize
		}
		limiter = rate.NewLimiter(limit, burst)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("无效的状态码: %d", resp.StatusCode)
	}

	// 按块读取响应体，同时维护瞬时速率的滑动平均，仅用于日志展示
	e := ewma.NewMovingAverage()
	buffer := make([]byte, bufferSize)
	lastTick := start
	for {
		if limiter != nil {
			// 限速等待被取消同样视为传输失败，不得落入成功路径
			if err := limiter.WaitN(ctx, len(buffer)); err != nil {
				return 0, fmt.Errorf("限速等待失败: %w", err)
			}
		}
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			now := time.Now()
			if d := now.Sub(lastTick); d > 0 {
				e.Add(float64(n) / d.Seconds())
				lastTick = now
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("读取响应失败: %w", err)
		}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("无效的下载耗时")
	}
	mbps := float64(byteSize) * 8 / elapsed / 1e6
	log.Printf("IP %s 下载速度: %.2f Mbps (平滑速率 %.2f MB/s)", ip, mbps, e.Value()/1024/1024)
	return mbps, nil
}

// TestUploadSpeed 通过候选 IP 上传 byteSize 字节的固定内容载荷并计算吞吐量（Mbps）。
// 载荷以 multipart 文件表单的形式提交，计时覆盖从发起请求到响应完成的全程。
func TestUploadSpeed(ctx context.Context, ip *net.IPAddr, port int, upURL string, byteSize int64, timeout time.Duration) (float64, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "sample.bin")
	if err != nil {
		return 0, fmt.Errorf("构造表单失败: %w", err)
	}
	if _, err := part.Write(bytes.Repeat([]byte{0}, int(byteSize))); err != nil {
		return 0, fmt.Errorf("写入载荷失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("关闭表单失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upURL, &body)
	if err != nil {
		return 0, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)

	client := newOverrideClient(ip, port, timeout)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("读取响应失败: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("无效的上传耗时")
	}
	mbps := float64(byteSize) * 8 / elapsed / 1e6
	log.Printf("IP %s 上传速度: %.2f Mbps", ip, mbps)
	return mbps, nil
}
