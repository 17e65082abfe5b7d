package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/vaultlink/pkg/client"
	"github.com/go-go-golems/vaultlink/pkg/events"
	"github.com/go-go-golems/vaultlink/pkg/protocol"
	"github.com/go-go-golems/vaultlink/pkg/stream"
)

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send a chat message and print the streamed answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}
	cmd.Flags().String("conversation-id", "", "Continue an existing conversation")
	cmd.Flags().String("agent-id", "", "Route the message to a specific agent")
	cmd.Flags().String("mode", "", "Chat mode (ask, agent)")
	cmd.Flags().String("vault-context", "", "Extra vault context sent with the message")
	cmd.Flags().Bool("no-stream", false, "Wait for the complete answer instead of streaming")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	cl, err := client.New(s.Server)
	if err != nil {
		return err
	}

	req := &protocol.ChatRequest{Message: strings.Join(args, " ")}
	req.ConversationID, _ = cmd.Flags().GetString("conversation-id")
	req.AgentID, _ = cmd.Flags().GetString("agent-id")
	req.VaultContext, _ = cmd.Flags().GetString("vault-context")
	mode, _ := cmd.Flags().GetString("mode")
	req.Mode = protocol.ChatMode(mode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	noStream, _ := cmd.Flags().GetBool("no-stream")
	if noStream {
		resp, err := cl.Chat(ctx, req)
		if err != nil {
			return err
		}
		return yaml.NewEncoder(w).Encode(resp)
	}

	router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddHandler("chat", events.TopicStream, events.StreamPrinterFunc("", w))
	streamCtx := events.WithEventSinks(ctx, router.Sink(events.TopicStream))

	routerCtx, cancelRouter := context.WithCancel(context.Background())
	defer cancelRouter()

	eg := errgroup.Group{}
	eg.Go(func() error {
		return router.Run(routerCtx)
	})
	eg.Go(func() error {
		defer cancelRouter()
		<-router.Running()

		ex, err := cl.StreamChat(streamCtx, req)
		if err != nil {
			return err
		}
		err = ex.Wait()
		if errors.Is(err, stream.ErrCancelled) {
			meta := events.NewEventMetadata()
			meta.ExchangeID = ex.ID()
			meta.ConversationID = ex.ConversationID()
			events.PublishEventToContext(streamCtx, events.NewInterruptEvent(meta, ex.Accumulated()))
			return nil
		}
		if err != nil {
			// already shown inline
			return err
		}
		if id := ex.ConversationID(); id != "" {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", id)
		}
		return nil
	})

	return eg.Wait()
}
