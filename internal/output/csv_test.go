package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FarelRA/proxyip-tracker/pkg/model"
)

var sampleResults = []model.IPMetrics{
	{Address: "1.1.1.1", Region: "Europe", PingMS: 23, UploadMbps: 3.5, DownloadMbps: 12.341},
	{Address: "8.8.8.8", Region: "Asia_Pacific", PingMS: 87, UploadMbps: 2.0, DownloadMbps: 5.0},
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteCSVFile(path, sampleResults))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t,
		"IP,Region,Ping (ms),Upload (Mbps),Download (Mbps)\n"+
			"1.1.1.1,Europe,23,3.50,12.34\n"+
			"8.8.8.8,Asia_Pacific,87,2.00,5.00\n",
		string(data))
}

func TestWriteCSVFileEmptyResults(t *testing.T) {
	// 没有合格结果时只写表头
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteCSVFile(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "IP,Region,Ping (ms),Upload (Mbps),Download (Mbps)\n", string(data))
}

func TestWriteCSVFileBadPath(t *testing.T) {
	err := WriteCSVFile(filepath.Join(t.TempDir(), "missing", "out.csv"), sampleResults)
	require.Error(t, err)
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteJSONFile(path, sampleResults))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded []model.IPMetrics
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, sampleResults, decoded)
}
