package tester

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// 支持的延迟探测方式
const (
	PingModeAuto = "auto"
	PingModeICMP = "icmp"
	PingModeTCP  = "tcp"
)

const (
	protocolICMP     = 1  // IANA: ICMP for IPv4
	protocolIPv6ICMP = 58 // IANA: ICMPv6
)

// Pinger 测量单个候选 IP 的往返延迟。
// 探测成功与失败通过 error 显式区分，不使用哨兵值。
type Pinger struct {
	mode string
	port int // tcp 模式下的连接端口
}

// NewPinger 按配置的探测方式创建 Pinger。
// auto 模式优先尝试 ICMP，宿主机不允许打开 ICMP 套接字时回退到 TCP 连接计时；
// 强制 icmp 模式下没有探测能力则直接返回错误，由调用方在启动时一次性报告。
func NewPinger(mode string) (*Pinger, error) {
	switch mode {
	case PingModeTCP:
		return &Pinger{mode: PingModeTCP, port: DefaultTCPPort}, nil
	case PingModeICMP:
		if err := probeICMPCapability(); err != nil {
			return nil, fmt.Errorf("宿主机不支持 ICMP 探测: %w", err)
		}
		return &Pinger{mode: PingModeICMP}, nil
	case PingModeAuto, "":
		if err := probeICMPCapability(); err != nil {
			log.Printf("警告: ICMP 不可用 (%v)，回退到 TCP 连接计时", err)
			return &Pinger{mode: PingModeTCP, port: DefaultTCPPort}, nil
		}
		return &Pinger{mode: PingModeICMP}, nil
	default:
		return nil, fmt.Errorf("无效的 ping_mode: %s", mode)
	}
}

// probeICMPCapability 尝试打开一个非特权 ICMP 数据报套接字以确认探测能力
func probeICMPCapability() error {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// Probe 对目标 IP 执行一次延迟探测，在 timeout 内未收到应答即视为失败
func (p *Pinger) Probe(ip *net.IPAddr, timeout time.Duration) (time.Duration, error) {
	if p.mode == PingModeTCP {
		return p.tcpProbe(ip, timeout)
	}
	return p.icmpProbe(ip, timeout)
}

// tcpProbe 以建立 TCP 连接的耗时作为往返延迟
func (p *Pinger) tcpProbe(ip *net.IPAddr, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", joinHostPort(ip, p.port), timeout)
	if err != nil {
		return 0, err
	}
	delay := time.Since(start)
	conn.Close()
	return delay, nil
}

// icmpProbe 发送一个 ICMP Echo 请求并等待应答
func (p *Pinger) icmpProbe(ip *net.IPAddr, timeout time.Duration) (time.Duration, error) {
	network, listenAddr, proto := "udp4", "0.0.0.0", protocolICMP
	var echoType icmp.Type = ipv4.ICMPTypeEcho
	if !isIPv4(ip.String()) {
		network, listenAddr, proto = "udp6", "::", protocolIPv6ICMP
		echoType = ipv6.ICMPTypeEchoRequest
	}

	conn, err := icmp.ListenPacket(network, listenAddr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  1,
			Data: []byte("proxyip-tracker"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: ip.IP, Zone: ip.Zone}); err != nil {
		return 0, err
	}
	if err := conn.SetReadDeadline(start.Add(timeout)); err != nil {
		return 0, err
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return 0, err
		}
		delay := time.Since(start)

		rm, err := icmp.ParseMessage(proto, rb[:n])
		if err != nil {
			continue
		}
		// 非特权数据报套接字只会收到发给自己的应答，类型匹配即认为探测成功
		if rm.Type == ipv4.ICMPTypeEchoReply || rm.Type == ipv6.ICMPTypeEchoReply {
			return delay, nil
		}
	}
}
