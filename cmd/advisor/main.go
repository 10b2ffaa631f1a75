// Advisor - conversational investment profile assistant.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "advisor",
	Short: "advisor - conversational investment profile assistant",
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if debugFlag {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API over HTTP and WebSocket",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the advisor in the terminal",
	RunE:  runChat,
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Serve the builtin capabilities over gRPC for remote advisors",
	RunE:  runCapabilities,
}

var (
	debugFlag   bool
	userFlag    string
	messageFlag string
	memoryFlag  bool
	listenFlag  string
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	chatCmd.Flags().StringVarP(&userFlag, "user", "u", "local", "User id to chat as")
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Send a single message and exit")
	chatCmd.Flags().BoolVar(&memoryFlag, "memory", false, "Keep the session in memory only")
	capabilitiesCmd.Flags().StringVarP(&listenFlag, "listen", "l", ":9090", "Address to listen on")
	rootCmd.AddCommand(serveCmd, chatCmd, capabilitiesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
