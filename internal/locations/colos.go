package locations

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ColoListURL 为 Cloudflare 数据中心（colo）到区域映射表的下载地址
const ColoListURL = "https://raw.githubusercontent.com/Netrvin/cloudflare-colo-list/refs/heads/main/DC-Colos.csv"

const fetchTimeout = 10 * time.Second

// ColoTable 保存 colo 代码到区域名的映射。
// 每次运行只拉取一次，之后只读，可在并发流水线间安全共享。
type ColoTable struct {
	regions map[string]string
}

// NewColoTable 从现成的映射构造 ColoTable
func NewColoTable(regions map[string]string) *ColoTable {
	return &ColoTable{regions: regions}
}

// Len 返回映射表中的条目数
func (t *ColoTable) Len() int {
	return len(t.regions)
}

// Region 按 colo 代码精确查找区域名（区分大小写），未收录时返回 "Unknown"。
// 返回的区域名中空格统一替换为下划线。
func (t *ColoTable) Region(colo string) string {
	region, ok := t.regions[colo]
	if !ok {
		return "Unknown"
	}
	return strings.ReplaceAll(region, " ", "_")
}

// FetchColoTable 从远端 CSV 拉取 colo 数据。
// 任何传输失败或空表都返回错误，由调用方决定是否中止整个运行。
func FetchColoTable(ctx context.Context, url string) (*ColoTable, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("无效的状态码: %d", resp.StatusCode)
	}

	return ParseColoCSV(resp.Body)
}

// ParseColoCSV 解析包含 colo 和 region 两列的 CSV 数据
func ParseColoCSV(r io.Reader) (*ColoTable, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}

	coloIdx, regionIdx := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(col) {
		case "colo":
			coloIdx = i
		case "region":
			regionIdx = i
		}
	}
	if coloIdx < 0 || regionIdx < 0 {
		return nil, fmt.Errorf("CSV 缺少 colo 或 region 列: %v", header)
	}

	regions := make(map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 CSV 行失败: %w", err)
		}
		if coloIdx >= len(record) || regionIdx >= len(record) {
			continue
		}
		colo := strings.TrimSpace(record[coloIdx])
		if colo == "" {
			continue
		}
		regions[colo] = record[regionIdx]
	}

	if len(regions) == 0 {
		return nil, fmt.Errorf("colo 数据为空")
	}

	return &ColoTable{regions: regions}, nil
}
