package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rajivgeraev/flippy-chat/internal/chatclient"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "chat-cli",
		Short:        "Flippy chat command line client",
		Version:      Version,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api", "http://localhost:8080", "Chat API base URL (CHAT_API)")
	flags.String("realtime", "ws://localhost:8090/realtime", "Realtime gateway URL (CHAT_REALTIME)")
	flags.String("token", "", "Session token (CHAT_TOKEN)")
	flags.Duration("timeout", 10*time.Second, "HTTP request timeout")

	viper.SetEnvPrefix("chat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"api", "realtime", "token", "timeout"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(conversationsCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(unreadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newAPI() (*chatclient.API, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("session token is required (--token or CHAT_TOKEN)")
	}
	return chatclient.NewAPI(viper.GetString("api"), token, viper.GetDuration("timeout")), nil
}
