package locations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCSV = `name,colo,region
"San Jose",SJC,North America
London,LHR,Europe
Singapore,SIN,Asia Pacific
`

func TestParseColoCSV(t *testing.T) {
	table, err := ParseColoCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Equal(t, 3, table.Len())

	// 空格统一替换为下划线
	require.Equal(t, "North_America", table.Region("SJC"))
	require.Equal(t, "Europe", table.Region("LHR"))
	require.Equal(t, "Asia_Pacific", table.Region("SIN"))
}

func TestRegionUnknownFallback(t *testing.T) {
	table, err := ParseColoCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	require.Equal(t, "Unknown", table.Region("XXX"))
	// 精确匹配区分大小写
	require.Equal(t, "Unknown", table.Region("sjc"))
}

func TestRegionDeterministic(t *testing.T) {
	table, err := ParseColoCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	first := table.Region("LHR")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, table.Region("LHR"))
	}
}

func TestParseColoCSVMissingColumns(t *testing.T) {
	_, err := ParseColoCSV(strings.NewReader("name,city\nfoo,bar\n"))
	require.Error(t, err)
}

func TestParseColoCSVEmptyTable(t *testing.T) {
	_, err := ParseColoCSV(strings.NewReader("name,colo,region\n"))
	require.Error(t, err)
}

func TestFetchColoTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	table, err := FetchColoTable(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "Europe", table.Region("LHR"))
}

func TestFetchColoTableBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := FetchColoTable(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetchColoTableUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := FetchColoTable(context.Background(), srv.URL)
	require.Error(t, err)
}
