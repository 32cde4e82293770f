// Command accord-bot is a small demonstration client: it connects,
// mirrors gateway traffic into logs, and can join a voice channel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/accordlabs/accord"
	"github.com/accordlabs/accord/config"
	"github.com/accordlabs/accord/dispatch"
	"github.com/accordlabs/accord/state"
)

func main() {
	// Load .env if present; secrets usually live there during development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "accord-bot",
		Short:        "Realtime chat/voice client demo",
		SilenceUsage: true,
	}
	root.AddCommand(RunCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// RunCmd connects and logs events until interrupted.
func RunCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
		voiceGuild string
		voiceChan  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			client, err := accord.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registerHandlers(client)
			if voiceGuild != "" && voiceChan != "" {
				go joinVoiceWhenReady(ctx, client, voiceGuild, voiceChan)
			}

			err = client.Run(ctx)
			client.Close()
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.accord/config.yaml)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().StringVar(&voiceGuild, "voice-guild", "", "guild id to join a voice channel in")
	cmd.Flags().StringVar(&voiceChan, "voice-channel", "", "voice channel id to join")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

func registerHandlers(client *accord.Client) {
	log := slog.Default().With("component", "bot")

	client.On(dispatch.TopicReady, func(args ...any) {
		me := client.Cache().Me()
		log.Info("ready", "user", me.Username, "guilds", len(client.Cache().Guilds()))
	})
	client.On(dispatch.TopicMessage, func(args ...any) {
		m := args[0].(*state.Message)
		log.Info("message", "channel_id", m.ChannelID, "author", m.Author.Username, "content", m.Content)
	})
	client.On(dispatch.TopicMessageEdit, func(args ...any) {
		before := args[0].(*state.Message)
		after := args[1].(*state.Message)
		log.Info("message edited", "id", after.ID, "before", before.Content, "after", after.Content)
	})
	client.On(dispatch.TopicMemberJoin, func(args ...any) {
		m := args[0].(*state.Member)
		log.Info("member joined", "guild_id", m.GuildID, "user", m.User.Username)
	})
	client.On(dispatch.TopicGuildJoin, func(args ...any) {
		g := args[0].(*state.Guild)
		log.Info("guild joined", "id", g.ID, "name", g.Name)
	})
	client.On(dispatch.TopicDisconnect, func(args ...any) {
		log.Warn("gateway disconnected", "reason", args[0])
	})
}

func joinVoiceWhenReady(ctx context.Context, client *accord.Client, guild, channel string) {
	guildID, err := parseID(guild)
	if err != nil {
		slog.Error("bad --voice-guild", "error", err)
		return
	}
	channelID, err := parseID(channel)
	if err != nil {
		slog.Error("bad --voice-channel", "error", err)
		return
	}

	if _, err := client.WaitFor(ctx, dispatch.TopicReady, nil, time.Minute); err != nil {
		return
	}
	conn, err := client.JoinVoice(ctx, guildID, channelID)
	if err != nil {
		slog.Error("voice join failed", "error", err)
		return
	}
	slog.Info("voice connected", "channel_id", conn.ChannelID(), "ssrc", conn.SSRC())
}

func parseID(s string) (state.ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a numeric id", s)
	}
	return state.ID(v), nil
}
