package commands

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/taskgroup"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/fabricrpc/fabric/bridge/relay"
)

var log *logrus.Logger

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the bridge relay daemon",
	RunE:  runRelay,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "127.0.0.1:7521", "Bind the stream listener to host:port. Empty disables it.")
	viper.BindPFlag("relay.bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().StringP("ws-bind", "w", "", "Bind the WebSocket listener to host:port. Empty disables it.")
	viper.BindPFlag("relay.wsBind", startCmd.Flags().Lookup("ws-bind"))
	startCmd.Flags().Float64P("broadcast-rate", "r", 0, "Max broadcasts per second per peer (0 disables limiting)")
	viper.BindPFlag("relay.broadcastRate", startCmd.Flags().Lookup("broadcast-rate"))
	startCmd.Flags().Int("broadcast-burst", 0, "Burst size for the per-peer broadcast rate limit")
	viper.BindPFlag("relay.broadcastBurst", startCmd.Flags().Lookup("broadcast-burst"))
}

func runRelay(cmd *cobra.Command, args []string) error {
	log = logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.DebugLevel

	reg := relay.New(&relay.Options{
		Log:            log,
		BroadcastRate:  rate.Limit(viper.GetFloat64("relay.broadcastRate")),
		BroadcastBurst: viper.GetInt("relay.broadcastBurst"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error { return reg.Run(ctx) })

	bindAddr := viper.GetString("relay.bind")
	wsAddr := viper.GetString("relay.wsBind")
	if bindAddr == "" && wsAddr == "" {
		cancel()
		g.Wait()
		return cmd.Help()
	}

	if bindAddr != "" {
		lst, err := net.Listen("tcp", bindAddr)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return reg.Serve(ctx, lst) })
	}
	if wsAddr != "" {
		lst, err := net.Listen("tcp", wsAddr)
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		g.Go(func() error { return reg.ServeWS(ctx, lst) })
	}

	log.Info("Starting fabric-relayd")
	g.Wait()
	return nil
}
