package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/FarelRA/proxyip-tracker/pkg/model"
)

// CSVHeader 为结果文件的固定表头
var CSVHeader = []string{"IP", "Region", "Ping (ms)", "Upload (Mbps)", "Download (Mbps)"}

// WriteCSVFile 将最终结果列表写入到指定的 CSV 文件中。
// 先在内存中完成编码再一次性落盘，避免写出半截文件。
func WriteCSVFile(filePath string, results []model.IPMetrics) error {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(CSVHeader); err != nil {
		return fmt.Errorf("写入 CSV 表头失败: %w", err)
	}
	for _, r := range results {
		if err := writer.Write(r.CSVRow()); err != nil {
			return fmt.Errorf("写入 CSV 行失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("编码 CSV 失败: %w", err)
	}

	if err := os.WriteFile(filePath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("无法写入 CSV 文件 '%s': %w", filePath, err)
	}
	return nil
}
