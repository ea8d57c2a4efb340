package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// PingResult 表示一个通过延迟探测的候选 IP 及其往返延迟
type PingResult struct {
	Address net.IP
	Delay   time.Duration
}

// IPMetrics 为最终输出的单条结果，只有通过全部阶段的 IP 才会生成。
// 创建后不再修改，输出顺序与流水线的发现顺序一致。
type IPMetrics struct {
	Address      string  `json:"Address"`
	Region       string  `json:"Region"`
	PingMS       int64   `json:"PingMS"`
	UploadMbps   float64 `json:"UploadMbps"`
	DownloadMbps float64 `json:"DownloadMbps"`
}

// CSVRow 将结果转换为 CSV 行，速度保留两位小数
func (m IPMetrics) CSVRow() []string {
	return []string{
		m.Address,
		m.Region,
		strconv.FormatInt(m.PingMS, 10),
		fmt.Sprintf("%.2f", m.UploadMbps),
		fmt.Sprintf("%.2f", m.DownloadMbps),
	}
}
