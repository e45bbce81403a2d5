package echo

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	cmdUtil "github.com/ValentinKolb/dIPC/cmd/util"
	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/ipc/transport"
	"github.com/ValentinKolb/dIPC/lib/channel"
	"github.com/ValentinKolb/dIPC/lib/registry"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cmd")

type echoConfig struct {
	channel   common.ChannelConfig
	channelFd int
}

var (
	echoCmdConfig = &echoConfig{}

	// EchoCmd represents the echo command
	EchoCmd = &cobra.Command{
		Use:   "echo",
		Short: "Run the child side of the IPC demo",
		Long: `Attach to the IPC channel inherited from the parent process (descriptor 3
by default), echo every received message back, and serve one greeting on
every listener the parent hands over.

This command is normally spawned by the demo command, not run by hand.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "channel-fd"
	EchoCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Descriptor number of the inherited IPC channel"))

	cmdUtil.SetupChannelFlags(EchoCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	echoCmdConfig.channel = cmdUtil.GetChannelConfig()
	echoCmdConfig.channelFd = viper.GetInt("channel-fd")
	return nil
}

// run attaches to the inherited channel and echoes until the parent leaves
func run(_ *cobra.Command, _ []string) error {
	cfg := echoCmdConfig.channel
	common.InitLoggers(cfg)

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := transport.FromFD(echoCmdConfig.channelFd, "ipc-channel", cfg.ReadBufferSize)
	if err != nil {
		return fmt.Errorf("failed to attach to the inherited channel: %v", err)
	}

	ch := channel.Setup(t, s, cfg)
	reg := registry.NewSocketRegistry()

	ch.OnMessage(func(msg json.RawMessage, wrapper any) {
		if wrapper != nil {
			adopt(reg, wrapper)
		}
		if _, err := ch.Send(msg, nil, nil, nil); err != nil {
			Logger.Errorf("failed to echo message: %v", err)
		}
	})
	ch.OnError(func(err error) {
		Logger.Errorf("channel error: %v", err)
	})
	ch.OnDisconnect(func() {
		// release everything the parent handed over
		for _, key := range reg.Keys() {
			Logger.Infof("closing %d adopted wrapper(s) of type %s", reg.Count(key), key)
			reg.CloseAll(key)
		}
	})

	Logger.Infof("echoing on the inherited channel (fd %d)", echoCmdConfig.channelFd)
	ch.Wait()
	return nil
}

// adopt takes ownership of a handed-over wrapper. Listeners answer one
// connection with a greeting, stream sockets get the greeting directly.
func adopt(reg *registry.SocketRegistry, wrapper any) {
	switch w := wrapper.(type) {
	case net.Listener:
		reg.Add(common.HandleTypeServer, w)
		go greetOnce(w)
	case net.PacketConn:
		reg.Add(common.HandleTypeDgram, w)
	case net.Conn:
		reg.Add(common.HandleTypeSocket, w)
		go greet(w)
	default:
		Logger.Warningf("adopted an unexpected %T", wrapper)
	}
}

// greetOnce accepts a single connection on an adopted listener and greets it
func greetOnce(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		Logger.Errorf("failed to accept on the adopted listener: %v", err)
		return
	}
	greet(conn)
}

func greet(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintf(conn, "greetings from the child process (pid %d)\n", os.Getpid()); err != nil {
		Logger.Errorf("failed to greet: %v", err)
	}
}
