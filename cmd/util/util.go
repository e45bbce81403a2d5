package util

import (
	"github.com/ValentinKolb/dIPC/ipc/common"
	"github.com/ValentinKolb/dIPC/ipc/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupChannelFlags adds common channel tuning flags to a command
func SetupChannelFlags(cmd *cobra.Command) {
	key := "watermark"
	cmd.PersistentFlags().Int64(key, common.DefaultWatermark, WrapString("Outbound buffering reference level in bytes - sends report backpressure once twice this many bytes are queued"))

	key = "max-retransmissions"
	cmd.PersistentFlags().Uint8(key, common.DefaultMaxRetransmissions, WrapString("How often a handle announcement is resent after the peer reported that the handle did not arrive"))

	key = "read-buffer"
	cmd.PersistentFlags().Int(key, common.DefaultReadBufferSize, WrapString("The size of the transport read buffer (in bytes)"))
}

// InitConfig initializes configuration from environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dipc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetChannelConfig reads channel configuration from viper
func GetChannelConfig() common.ChannelConfig {
	return common.ChannelConfig{
		Serializer:         viper.GetString("serializer"),
		Watermark:          viper.GetInt64("watermark"),
		MaxRetransmissions: uint8(viper.GetUint("max-retransmissions")),
		ReadBufferSize:     viper.GetInt("read-buffer"),
		LogLevel:           viper.GetString("log-level"),
	}
}

// GetSerializer creates a serializer based on configuration
func GetSerializer() (serializer.IChannelSerializer, error) {
	return serializer.LookupSerializer(viper.GetString("serializer"))
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
