package demo

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"time"

	cmdUtil "github.com/ValentinKolb/dIPC/cmd/util"
	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/ipc/transport"
	"github.com/ValentinKolb/dIPC/lib/channel"
	"github.com/ValentinKolb/dIPC/lib/registry"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cmd")

type demoConfig struct {
	channel     common.ChannelConfig
	listenAddr  string
	messages    int
	metricsAddr string
	timeout     time.Duration
}

var (
	demoCmdConfig = &demoConfig{}

	// DemoCmd represents the demo command
	DemoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run the parent side of the IPC demo",
		Long: `Spawn a child process (this binary running the echo command) connected
over an inherited IPC channel, send it messages and optionally hand it a
TCP listener, and print everything the child echoes back.

The configuration can be set via command line flags or environment
variables. The format of the environment variables is DIPC_<flag>
(e.g. DIPC_MESSAGES=5).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "messages"
	DemoCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Number of messages to send to the child"))

	key = "listen"
	DemoCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("TCP address to bind and hand over to the child (e.g. 127.0.0.1:0), empty to skip the handle transfer"))

	key = "metrics-addr"
	DemoCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address to expose prometheus metrics on (e.g. 127.0.0.1:9100), empty to disable"))

	key = "timeout"
	DemoCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("The timeout in seconds for the demo run"))

	cmdUtil.SetupChannelFlags(DemoCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	demoCmdConfig.channel = cmdUtil.GetChannelConfig()
	demoCmdConfig.listenAddr = viper.GetString("listen")
	demoCmdConfig.messages = viper.GetInt("messages")
	demoCmdConfig.metricsAddr = viper.GetString("metrics-addr")
	demoCmdConfig.timeout = time.Duration(viper.GetInt("timeout")) * time.Second

	if demoCmdConfig.messages < 1 {
		return fmt.Errorf("invalid message count %d (expected at least 1)", demoCmdConfig.messages)
	}
	return nil
}

// run spawns the child and drives the demo conversation
func run(_ *cobra.Command, _ []string) error {
	cfg := demoCmdConfig.channel
	common.InitLoggers(cfg)

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	if demoCmdConfig.metricsAddr != "" {
		serveMetrics(demoCmdConfig.metricsAddr)
	}

	// channel ends: the local transport stays here, the peer descriptor is
	// inherited by the child as fd 3
	t, peer, err := transport.NewSocketPair(cfg.ReadBufferSize)
	if err != nil {
		return err
	}

	child, err := spawnChild(peer)
	if err != nil {
		_ = peer.Close()
		_ = t.Close()
		return fmt.Errorf("failed to spawn child: %v", err)
	}
	// the child holds its own copy of the peer descriptor now
	_ = peer.Close()

	ch := channel.Setup(t, s, cfg)
	reg := registry.NewSocketRegistry()

	expected := demoCmdConfig.messages
	if demoCmdConfig.listenAddr != "" {
		expected++
	}

	// done closes once the child echoed everything we sent
	done := make(chan struct{})
	received := 0
	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		received++
		fmt.Printf("echo %d/%d: %s\n", received, expected, string(msg))
		if received == expected {
			close(done)
		}
	})
	ch.OnError(func(err error) {
		Logger.Errorf("channel error: %v", err)
	})
	ch.OnDisconnect(func() {
		Logger.Infof("channel disconnected")
	})

	// hand the listener over first so the echo order is deterministic, the
	// plain messages queue behind the handle handshake
	var dialAddr string
	if demoCmdConfig.listenAddr != "" {
		dialAddr, err = transferListener(ch, reg)
		if err != nil {
			return err
		}
	}

	for i := 1; i <= demoCmdConfig.messages; i++ {
		ok, err := ch.Send(map[string]any{"seq": i, "body": fmt.Sprintf("hello from parent #%d", i)}, nil, nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			Logger.Warningf("outbound buffer passed the backpressure threshold")
		}
	}

	select {
	case <-done:
	case <-time.After(demoCmdConfig.timeout):
		return fmt.Errorf("timed out after %v waiting for the child echoes", demoCmdConfig.timeout)
	}

	// the child owns the listener now, prove it answers connections
	if dialAddr != "" {
		if err := greetChild(dialAddr); err != nil {
			return err
		}
		fmt.Printf("handed over %d wrapper(s) under %v\n", reg.Count("child"), reg.Keys())
	}

	// the keepalive controller released the process on the first idle
	select {
	case <-ch.Control().Done():
	case <-time.After(demoCmdConfig.timeout):
	}

	if err := ch.Disconnect(); err != nil {
		return err
	}
	ch.Wait()
	return child.Wait()
}

// spawnChild re-executes this binary as the echo command with the peer end
// of the socketpair as descriptor 3
func spawnChild(peer *os.File) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	child := exec.Command(exe, "echo",
		"--serializer", demoCmdConfig.channel.Serializer,
		"--log-level", demoCmdConfig.channel.LogLevel,
	)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	// ExtraFiles start at descriptor 3 in the child
	child.ExtraFiles = []*os.File{peer}

	if err := child.Start(); err != nil {
		return nil, err
	}
	return child, nil
}

// transferListener binds a TCP listener, sends it over the channel and
// records the handoff. The child owns the listener afterwards.
func transferListener(ch *channel.Channel, reg *registry.SocketRegistry) (string, error) {
	ln, err := net.Listen("tcp", demoCmdConfig.listenAddr)
	if err != nil {
		return "", fmt.Errorf("failed to bind %s: %v", demoCmdConfig.listenAddr, err)
	}

	// the wrapper is consumed by the transfer, remember the address now
	addr := ln.Addr().String()
	reg.Add("child", ln)

	_, err = ch.Send(map[string]any{"transfer": "listener", "addr": addr}, ln, nil, func(err error) {
		if err != nil {
			Logger.Errorf("listener transfer failed: %v", err)
			return
		}
		Logger.Infof("listener %s announced to the child", addr)
	})
	if err != nil {
		return "", err
	}
	return addr, nil
}

// greetChild connects to the transferred listener, now served by the child
func greetChild(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, demoCmdConfig.timeout)
	if err != nil {
		return fmt.Errorf("failed to reach the transferred listener: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(demoCmdConfig.timeout))
	greeting, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("failed to read the child's greeting: %v", err)
	}
	fmt.Printf("child answered on the transferred listener: %s", string(greeting))
	return nil
}

// serveMetrics exposes the channel counters in prometheus format together
// with the pprof handlers registered on the default mux
func serveMetrics(addr string) {
	http.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		Logger.Infof("serving metrics on http://%s/metrics", addr)
		Logger.Infof("%v", http.ListenAndServe(addr, nil))
	}()
}
