package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FarelRA/proxyip-tracker/internal/config"
	"github.com/FarelRA/proxyip-tracker/internal/locations"
)

func noopProgress(string) {}

func testConfig(t *testing.T, ipLines string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ips.txt")
	require.NoError(t, os.WriteFile(path, []byte(ipLines), 0644))
	return &config.Config{
		MaxIPs:           10,
		MaxPing:          100,
		TestSize:         1,
		MinDownloadSpeed: 5.0,
		MinUploadSpeed:   2.0,
		Regions:          []string{"Europe"},
		IPFile:           path,
		OutputFile:       "unused.csv",
		PingMode:         "tcp",
		PingConcurrency:  4,
		TestConcurrency:  2,
		NoShuffle:        true,
	}
}

// stubProbes 为引擎注入固定的探测响应；表中缺失的 IP 视为探测失败
type stubProbes struct {
	pings     map[string]time.Duration
	colos     map[string]string
	table     map[string]string // colo → 原始区域名（含空格）
	downloads map[string]float64
	uploads   map[string]float64

	downloadCalls atomic.Int32
}

func newStubEngine(cfg *config.Config, s *stubProbes) *Engine {
	return &Engine{
		cfg:    cfg,
		exeDir: filepath.Dir(cfg.IPFile),
		probePing: func(ip *net.IPAddr, timeout time.Duration) (time.Duration, error) {
			d, ok := s.pings[ip.String()]
			if !ok {
				return 0, errors.New("no reply")
			}
			return d, nil
		},
		fetchColos: func(ctx context.Context) (*locations.ColoTable, error) {
			return locations.NewColoTable(s.table), nil
		},
		traceColo: func(ctx context.Context, ip *net.IPAddr) (string, error) {
			colo, ok := s.colos[ip.String()]
			if !ok {
				return "", errors.New("trace failed")
			}
			return colo, nil
		},
		testDownload: func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error) {
			s.downloadCalls.Add(1)
			mbps, ok := s.downloads[ip.String()]
			if !ok {
				return 0, errors.New("download failed")
			}
			return mbps, nil
		},
		testUpload: func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error) {
			mbps, ok := s.uploads[ip.String()]
			if !ok {
				return 0, errors.New("upload failed")
			}
			return mbps, nil
		},
	}
}

func parseIPs(t *testing.T, addrs ...string) []net.IP {
	t.Helper()
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = net.ParseIP(a)
		require.NotNil(t, ips[i])
	}
	return ips
}

func TestRankByPingKeepsLowestLatency(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n8.8.8.8\n")
	cfg.MaxIPs = 1
	e := newStubEngine(cfg, &stubProbes{
		pings: map[string]time.Duration{
			"1.1.1.1": 30 * time.Millisecond,
			"8.8.8.8": 10 * time.Millisecond,
		},
	})

	ranked := e.rankByPing(context.Background(), parseIPs(t, "1.1.1.1", "8.8.8.8"), noopProgress)
	require.Len(t, ranked, 1)
	require.Equal(t, "8.8.8.8", ranked[0].Address.String())
	require.Equal(t, 10*time.Millisecond, ranked[0].Delay)
}

func TestRankByPingFiltersFailuresAndCeiling(t *testing.T) {
	cfg := testConfig(t, "unused\n1.1.1.1\n")
	e := newStubEngine(cfg, &stubProbes{
		pings: map[string]time.Duration{
			"1.0.0.1": 10 * time.Millisecond,
			"1.1.1.1": 30 * time.Millisecond,
			"9.9.9.9": 200 * time.Millisecond, // 超过 max_ping 上限
			"4.4.4.4": 500 * time.Microsecond, // 毫秒数为 0，不参与排序
		},
	})

	ips := parseIPs(t, "1.1.1.1", "8.8.8.8", "9.9.9.9", "4.4.4.4", "1.0.0.1")
	ranked := e.rankByPing(context.Background(), ips, noopProgress)

	// 集合大小 = min(max_ips, 通过延迟过滤的数量)
	require.Len(t, ranked, 2)
	require.Equal(t, "1.0.0.1", ranked[0].Address.String())
	require.Equal(t, "1.1.1.1", ranked[1].Address.String())
}

func TestRankByPingStableTieBreak(t *testing.T) {
	cfg := testConfig(t, "unused\n")
	e := newStubEngine(cfg, &stubProbes{
		pings: map[string]time.Duration{
			"1.1.1.1": 20 * time.Millisecond,
			"8.8.8.8": 20 * time.Millisecond,
			"1.0.0.1": 20 * time.Millisecond,
		},
	})

	// 延迟相同时保持原始发现顺序
	ips := parseIPs(t, "8.8.8.8", "1.1.1.1", "1.0.0.1")
	ranked := e.rankByPing(context.Background(), ips, noopProgress)
	require.Len(t, ranked, 3)
	require.Equal(t, "8.8.8.8", ranked[0].Address.String())
	require.Equal(t, "1.1.1.1", ranked[1].Address.String())
	require.Equal(t, "1.0.0.1", ranked[2].Address.String())
}

func TestRunFatalOnColoFetchFailure(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n")
	s := &stubProbes{
		pings: map[string]time.Duration{"1.1.1.1": 10 * time.Millisecond},
	}
	e := newStubEngine(cfg, s)
	e.fetchColos = func(ctx context.Context) (*locations.ColoTable, error) {
		return nil, errors.New("fetch failed")
	}

	_, err := e.Run(context.Background(), noopProgress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "colo 数据")
	// colo 数据缺失时不得发起任何吞吐量测试
	require.Equal(t, int32(0), s.downloadCalls.Load())
}

func TestRunSkipsUndesiredRegion(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n")
	s := &stubProbes{
		pings: map[string]time.Duration{"1.1.1.1": 10 * time.Millisecond},
		colos: map[string]string{"1.1.1.1": "SJC"},
		table: map[string]string{"SJC": "North America"},
	}
	e := newStubEngine(cfg, s)

	results, err := e.Run(context.Background(), noopProgress)
	require.NoError(t, err)
	require.Empty(t, results)
	// 区域不符的候选不应触发吞吐量测试
	require.Equal(t, int32(0), s.downloadCalls.Load())
}

func TestRunRejectsWhenEitherThresholdFails(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n")
	s := &stubProbes{
		pings:     map[string]time.Duration{"1.1.1.1": 10 * time.Millisecond},
		colos:     map[string]string{"1.1.1.1": "LHR"},
		table:     map[string]string{"LHR": "Europe"},
		downloads: map[string]float64{"1.1.1.1": 4.0}, // 低于 min_download_speed=5.0
		uploads:   map[string]float64{"1.1.1.1": 3.0}, // 达标
	}
	e := newStubEngine(cfg, s)

	results, err := e.Run(context.Background(), noopProgress)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRunFatalWhenNoPingSurvivors(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n8.8.8.8\n")
	e := newStubEngine(cfg, &stubProbes{pings: map[string]time.Duration{}})

	_, err := e.Run(context.Background(), noopProgress)
	require.Error(t, err)
	require.Contains(t, err.Error(), "延迟过滤")
}

func TestRunFatalWhenNoValidCandidates(t *testing.T) {
	cfg := testConfig(t, "bad-ip\nworse\n")
	e := newStubEngine(cfg, &stubProbes{})

	_, err := e.Run(context.Background(), noopProgress)
	require.Error(t, err)
}

func TestRunAcceptedMetricsAndIdempotence(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n1.0.0.1\n8.8.8.8\n")
	s := &stubProbes{
		pings: map[string]time.Duration{
			"1.1.1.1": 30 * time.Millisecond,
			"1.0.0.1": 10 * time.Millisecond,
			// 8.8.8.8 探测失败
		},
		colos: map[string]string{"1.1.1.1": "LHR", "1.0.0.1": "CDG"},
		table: map[string]string{"LHR": "Europe", "CDG": "Europe"},
		downloads: map[string]float64{
			"1.1.1.1": 12.34,
			"1.0.0.1": 25.0,
		},
		uploads: map[string]float64{
			"1.1.1.1": 3.5,
			"1.0.0.1": 10.0,
		},
	}
	e := newStubEngine(cfg, s)

	results, err := e.Run(context.Background(), noopProgress)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 输出顺序与延迟优选顺序一致
	require.Equal(t, "1.0.0.1", results[0].Address)
	require.Equal(t, "1.1.1.1", results[1].Address)

	// 被接受的结果必须同时满足全部四个条件
	for _, r := range results {
		require.Greater(t, r.PingMS, int64(0))
		require.LessOrEqual(t, r.PingMS, int64(cfg.MaxPing))
		require.Equal(t, "Europe", r.Region)
		require.GreaterOrEqual(t, r.DownloadMbps, cfg.MinDownloadSpeed)
		require.GreaterOrEqual(t, r.UploadMbps, cfg.MinUploadSpeed)
	}

	// 对固定的探测响应重复运行，输出（含顺序）完全一致
	again, err := e.Run(context.Background(), noopProgress)
	require.NoError(t, err)
	require.Equal(t, results, again)
}

func TestRunVerifyCFRanges(t *testing.T) {
	cfg := testConfig(t, "104.16.132.229\n8.8.8.8\n")
	cfg.VerifyCFRanges = true
	dir := filepath.Dir(cfg.IPFile)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cf-ips.txt"), []byte("104.16.0.0/13\n"), 0644))

	s := &stubProbes{
		pings: map[string]time.Duration{
			"104.16.132.229": 10 * time.Millisecond,
			"8.8.8.8":        10 * time.Millisecond,
		},
		colos:     map[string]string{"104.16.132.229": "LHR", "8.8.8.8": "LHR"},
		table:     map[string]string{"LHR": "Europe"},
		downloads: map[string]float64{"104.16.132.229": 20, "8.8.8.8": 20},
		uploads:   map[string]float64{"104.16.132.229": 20, "8.8.8.8": 20},
	}
	e := newStubEngine(cfg, s)

	results, err := e.Run(context.Background(), noopProgress)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "104.16.132.229", results[0].Address)
}

func TestRunCancelledContext(t *testing.T) {
	cfg := testConfig(t, "1.1.1.1\n")
	e := newStubEngine(cfg, &stubProbes{
		pings: map[string]time.Duration{"1.1.1.1": 10 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, noopProgress)
	// 取消后没有候选能完成延迟探测，运行以致命错误收场
	require.Error(t, err)
}

func TestRankedSizeProperty(t *testing.T) {
	for _, maxIPs := range []int{1, 2, 5} {
		cfg := testConfig(t, "unused\n")
		cfg.MaxIPs = maxIPs
		pings := map[string]time.Duration{}
		var addrs []string
		for i := 0; i < 4; i++ {
			a := fmt.Sprintf("10.0.0.%d", i+1)
			addrs = append(addrs, a)
			pings[a] = time.Duration(10+i) * time.Millisecond
		}
		e := newStubEngine(cfg, &stubProbes{pings: pings})

		ranked := e.rankByPing(context.Background(), parseIPs(t, addrs...), noopProgress)
		want := maxIPs
		if want > 4 {
			want = 4
		}
		require.Len(t, ranked, want)
	}
}
