package cmds

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vaultlink/pkg/client"
	"github.com/go-go-golems/vaultlink/pkg/connection"
	"github.com/go-go-golems/vaultlink/pkg/dispatcher"
	"github.com/go-go-golems/vaultlink/pkg/events"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
)

func NewListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Open the persistent connection and print everything the backend sends",
		Args:  cobra.NoArgs,
		RunE:  runListen,
	}
	cmd.Flags().Bool("no-reconnect", false, "Give up after the first connection loss")
	cmd.Flags().Bool("validate", true, "Check payloads against their JSON schema")
	cmd.Flags().Bool("dump-events", false, "Print raw events as JSON instead of formatted output")
	cmd.Flags().Bool("request-status", false, "Ask the server for a status envelope after every (re)connect")
	return cmd
}

func runListen(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	noReconnect, _ := cmd.Flags().GetBool("no-reconnect")
	validate, _ := cmd.Flags().GetBool("validate")
	dumpEvents, _ := cmd.Flags().GetBool("dump-events")
	requestStatus, _ := cmd.Flags().GetBool("request-status")

	cl, err := client.New(s.Server)
	if err != nil {
		return err
	}
	wsURL, err := cl.WebSocketURL()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	router, err := events.NewEventRouter(
		events.WithDumpWriter(w),
		events.WithVerbose(viper.GetBool("verbose")),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	if dumpEvents {
		router.AddHandler("connection", events.TopicConnection, router.DumpRawEvents)
	} else {
		router.AddHandler("connection", events.TopicConnection, events.ConnectionPrinterFunc(w))
	}

	var dispatcherOptions []dispatcher.Option
	if validate {
		dispatcherOptions = append(dispatcherOptions, dispatcher.WithValidator(protocol.NewValidator()))
	}
	d := dispatcher.New(dispatcherOptions...).
		OnUnknown(func(ctx context.Context, e *protocol.Envelope) error {
			log.Debug().Object("envelope", e).Msg("Received application envelope")
			return nil
		}).
		OnError(func(ctx context.Context, r dispatcher.ErrorReport) {
			_, _ = fmt.Fprintf(w, "[%s error] %s\n", r.Kind, r.Error())
		})

	header := http.Header{}
	for k, v := range s.Server.Headers {
		header.Set(k, v)
	}
	var conn *connection.Connection
	conn = connection.New(wsURL,
		connection.WithDialer(connection.NewWebSocketDialer(s.Connection.HandshakeTimeoutDuration(), header)),
		connection.WithHandler(d),
		connection.WithBackoff(s.Connection.BackoffPolicy()),
		connection.WithHeartbeat(s.Connection.HeartbeatConfig()),
		connection.WithReconnect(!noReconnect),
		connection.WithStateListener(func(change connection.StateChange) {
			if !requestStatus || change.To != connection.StateConnected {
				return
			}
			if err := conn.RequestStatus(); err != nil {
				log.Warn().Err(err).Msg("Could not request status")
			}
		}),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = events.WithEventSinks(ctx, router.Sink(events.TopicConnection))
	routerCtx, cancelRouter := context.WithCancel(context.Background())
	defer cancelRouter()

	eg := errgroup.Group{}
	eg.Go(func() error {
		return router.Run(routerCtx)
	})
	eg.Go(func() error {
		defer cancelRouter()
		<-router.Running()

		log.Info().Str("url", wsURL).Msg("Connecting")
		if err := conn.Connect(ctx); err != nil {
			return err
		}
		<-conn.Done()
		return conn.Err()
	})

	return eg.Wait()
}
