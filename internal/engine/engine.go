package engine

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/FarelRA/proxyip-tracker/internal/config"
	"github.com/FarelRA/proxyip-tracker/internal/datasource"
	"github.com/FarelRA/proxyip-tracker/internal/locations"
	"github.com/FarelRA/proxyip-tracker/internal/tester"
	"github.com/FarelRA/proxyip-tracker/pkg/model"
)

// ProgressCallback 是一个用于报告进度的回调函数类型
type ProgressCallback func(message string)

// Engine 将各个探测组件串成一条按阶段短路的选择流水线：
// 延迟排序 → 区域过滤 → 吞吐量测试 → 汇总。
// 每个候选 IP 在任一阶段失败或被拒绝后立即退出，不再进入后续阶段。
// 探测函数以字段形式注入，便于在测试中替换为固定响应。
type Engine struct {
	cfg    *config.Config
	exeDir string

	probePing    func(ip *net.IPAddr, timeout time.Duration) (time.Duration, error)
	fetchColos   func(ctx context.Context) (*locations.ColoTable, error)
	traceColo    func(ctx context.Context, ip *net.IPAddr) (string, error)
	testDownload func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error)
	testUpload   func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error)
}

// New 构建使用真实网络探测器的 Engine。
// 宿主机不具备配置要求的延迟探测能力时在此处一次性报错。
func New(cfg *config.Config, exeDir string) (*Engine, error) {
	pinger, err := tester.NewPinger(cfg.PingMode)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		exeDir:    exeDir,
		probePing: pinger.Probe,
		fetchColos: func(ctx context.Context) (*locations.ColoTable, error) {
			return locations.FetchColoTable(ctx, locations.ColoListURL)
		},
		traceColo: func(ctx context.Context, ip *net.IPAddr) (string, error) {
			return tester.TraceColo(ctx, ip, tester.DefaultTCPPort, tester.TraceURL, tester.TraceTimeout)
		},
		testDownload: func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error) {
			return tester.TestDownloadSpeed(ctx, ip, tester.DefaultTCPPort, tester.DownloadURL, byteSize, tester.SpeedTestTimeout, cfg.SpeedTestRateLimitMB)
		},
		testUpload: func(ctx context.Context, ip *net.IPAddr, byteSize int64) (float64, error) {
			return tester.TestUploadSpeed(ctx, ip, tester.DefaultTCPPort, tester.UploadURL, byteSize, tester.SpeedTestTimeout)
		},
	}, nil
}

// Run 执行一次完整的选择流程并返回通过全部阶段的结果。
// 任一运行级的致命条件（无有效候选、colo 数据为空、无 IP 通过延迟过滤）
// 都会中止整个运行并取消仍在执行的候选流水线。
func (e *Engine) Run(ctx context.Context, progressCb ProgressCallback) ([]model.IPMetrics, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- 1. 读取候选 IP ---
	progressCb("步骤 1/4: 读取候选 IP 列表...")
	ips, err := datasource.LoadIPsFromFile(e.cfg.IPFile)
	if err != nil {
		return nil, fmt.Errorf("读取候选 IP 失败: %w", err)
	}
	if e.cfg.VerifyCFRanges {
		set, err := datasource.LoadCFIPs(filepath.Join(e.exeDir, "cf-ips.txt"))
		if err != nil {
			return nil, fmt.Errorf("加载 Cloudflare 网段失败: %w", err)
		}
		ips = datasource.FilterCloudflareIPs(ips, set)
		if len(ips) == 0 {
			return nil, fmt.Errorf("没有候选 IP 位于 Cloudflare 公布的网段内")
		}
	}
	if !e.cfg.NoShuffle {
		rand.Shuffle(len(ips), func(i, j int) { ips[i], ips[j] = ips[j], ips[i] })
	}
	progressCb(fmt.Sprintf("读取到 %d 个有效候选 IP。", len(ips)))

	// --- 2. 延迟测试与排序 ---
	progressCb("步骤 2/4: 延迟测试与排序...")
	ranked := e.rankByPing(ctx, ips, progressCb)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("没有 IP 通过延迟过滤 (max_ping=%d ms)", e.cfg.MaxPing)
	}
	progressCb(fmt.Sprintf("延迟过滤后保留 %d 个优选 IP。", len(ranked)))

	// --- 3. 拉取 colo 数据 ---
	progressCb("步骤 3/4: 拉取 colo 数据...")
	table, err := e.fetchColos(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 colo 数据失败: %w", err)
	}

	// --- 4. 逐 IP 详细测试 ---
	progressCb("步骤 4/4: 区域解析与吞吐量测试...")
	results := e.testCandidates(ctx, ranked, table, progressCb)
	progressCb(fmt.Sprintf("测试完成，%d 个 IP 满足全部条件。", len(results)))

	return results, nil
}

type pingOutcome struct {
	index  int // 原始发现顺序，用于延迟相同时的稳定排序
	result model.PingResult
}

// rankByPing 并发探测全部候选 IP 的延迟，丢弃失败和超出上限的结果，
// 按延迟升序排序后只保留前 max_ips 个。
// 廉价的 O(N) 延迟探测在此将昂贵的区域/吞吐量测试限制到 O(K)。
func (e *Engine) rankByPing(ctx context.Context, ips []net.IP, progressCb ProgressCallback) []model.PingResult {
	var (
		outcomes []pingOutcome
		wg       sync.WaitGroup
		mu       sync.Mutex
	)
	progressCb(fmt.Sprintf("开始对 %d 个候选 IP 进行并发延迟测试...", len(ips)))

	sem := make(chan struct{}, e.cfg.PingConcurrency)
	timeout := time.Duration(e.cfg.MaxPing) * time.Millisecond

	for i, ip := range ips {
		wg.Add(1)
		go func(i int, ip net.IP) {
			sem <- struct{}{}
			defer func() {
				<-sem
				wg.Done()
			}()
			if ctx.Err() != nil {
				return
			}

			delay, err := e.probePing(&net.IPAddr{IP: ip}, timeout)
			if err != nil {
				log.Printf("IP %s 延迟测试失败: %v", ip, err)
				return
			}
			// 只有 0 < 延迟 ≤ max_ping 的结果才参与排序
			ms := delay.Milliseconds()
			if ms <= 0 || ms > int64(e.cfg.MaxPing) {
				return
			}

			mu.Lock()
			outcomes = append(outcomes, pingOutcome{index: i, result: model.PingResult{Address: ip, Delay: delay}})
			mu.Unlock()
			progressCb(fmt.Sprintf("IP %s: 延迟=%d ms", ip, ms))
		}(i, ip)
	}
	wg.Wait()

	sort.Slice(outcomes, func(a, b int) bool {
		if outcomes[a].result.Delay != outcomes[b].result.Delay {
			return outcomes[a].result.Delay < outcomes[b].result.Delay
		}
		return outcomes[a].index < outcomes[b].index
	})
	if len(outcomes) > e.cfg.MaxIPs {
		outcomes = outcomes[:e.cfg.MaxIPs]
	}

	ranked := make([]model.PingResult, len(outcomes))
	for i, o := range outcomes {
		ranked[i] = o.result
	}
	return ranked
}

// testCandidates 对延迟优选后的候选并发执行详细流水线。
// 单个候选内部各阶段严格串行，任一阶段被拒绝立即短路，
// 错误区域的候选不会触发最昂贵的吞吐量测试。
// 结果按候选在优选集中的位置落位，输出顺序与发现顺序一致。
func (e *Engine) testCandidates(ctx context.Context, ranked []model.PingResult, table *locations.ColoTable, progressCb ProgressCallback) []model.IPMetrics {
	desired := make(map[string]bool, len(e.cfg.Regions))
	for _, r := range e.cfg.Regions {
		desired[r] = true
	}

	slots := make([]*model.IPMetrics, len(ranked))
	byteSize := int64(e.cfg.TestSize) * 1024

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.TestConcurrency)

	for i, pr := range ranked {
		wg.Add(1)
		go func(i int, pr model.PingResult) {
			sem <- struct{}{}
			defer func() {
				<-sem
				wg.Done()
			}()
			if ctx.Err() != nil {
				return
			}

			ip := &net.IPAddr{IP: pr.Address}
			progressCb(fmt.Sprintf("测试 IP: %s", pr.Address))

			colo, err := e.traceColo(ctx, ip)
			if err != nil {
				progressCb(fmt.Sprintf("IP %s 无法确定 colo: %v", pr.Address, err))
				return
			}

			region := table.Region(colo)
			if !desired[region] {
				progressCb(fmt.Sprintf("IP %s 区域 %s 不在目标区域内", pr.Address, region))
				return
			}

			download, err := e.testDownload(ctx, ip, byteSize)
			if err != nil {
				progressCb(fmt.Sprintf("IP %s 下载测试失败: %v", pr.Address, err))
				download = 0
			}
			upload, err := e.testUpload(ctx, ip, byteSize)
			if err != nil {
				progressCb(fmt.Sprintf("IP %s 上传测试失败: %v", pr.Address, err))
				upload = 0
			}

			// 下载和上传必须同时达标
			if download < e.cfg.MinDownloadSpeed || upload < e.cfg.MinUploadSpeed {
				progressCb(fmt.Sprintf("IP %s 速度未达标 (下载 %.2f / 上传 %.2f Mbps)", pr.Address, download, upload))
				return
			}

			slots[i] = &model.IPMetrics{
				Address:      pr.Address.String(),
				Region:       region,
				PingMS:       pr.Delay.Milliseconds(),
				UploadMbps:   upload,
				DownloadMbps: download,
			}
			progressCb(fmt.Sprintf("IP %s [%s]: 延迟=%d ms, 上传=%.2f Mbps, 下载=%.2f Mbps",
				pr.Address, region, pr.Delay.Milliseconds(), upload, download))
		}(i, pr)
	}
	wg.Wait()

	results := make([]model.IPMetrics, 0, len(ranked))
	for _, m := range slots {
		if m != nil {
			results = append(results, *m)
		}
	}
	return results
}
