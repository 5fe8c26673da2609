// handoff-client is a terminal chat client for one session: AI answers via
// the generation service until an operator takes over, then live traffic
// over the configured transport.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
	"github.com/livedesk/handoff/pkg/config"
	"github.com/livedesk/handoff/pkg/generation"
	"github.com/livedesk/handoff/pkg/session"
	"github.com/livedesk/handoff/pkg/transport"
)

func main() {
	var (
		configPath string
		sessionID  string
		serverURL  string
	)

	root := &cobra.Command{
		Use:   "handoff-client",
		Short: "Chat in one session from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.WarnLevel)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = "sess_" + uuid.NewString()
			}
			return runChat(cmd.Context(), cfg, sessionID, serverURL)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	root.Flags().StringVar(&sessionID, "session", "", "Session id to join (defaults to a new one)")
	root.Flags().StringVar(&serverURL, "server", "http://localhost:8088", "Handoff server base URL")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("handoff-client failed")
	}
}

func runChat(ctx context.Context, cfg config.Config, sessionID, serverURL string) error {
	identity := transport.Identity{ID: "user_" + uuid.NewString()[:8]}

	b := bus.New()
	defer func() { _ = b.Close() }()
	tr, err := transport.FromSettings(cfg.Transport, b, identity)
	if err != nil {
		return errors.Wrap(err, "build transport")
	}
	defer func() { _ = tr.Close() }()

	backend, err := generation.NewHTTPBackend(cfg.Generation)
	if err != nil {
		return errors.Wrap(err, "build generation backend")
	}

	ctrl, err := session.New(session.Options{
		SessionID: sessionID,
		SenderID:  identity.ID,
		Backend:   backend,
		Transport: tr,
		Notifier:  session.NewHTTPNotifier(serverURL, cfg.Generation.Timeout),
		OnModeChange: func(mode chat.Mode) {
			switch mode {
			case chat.ModeEscalationSuggested:
				fmt.Println("-- a human operator is available; type /human to connect --")
			case chat.ModeConnecting:
				fmt.Println("-- connecting you to an operator --")
			case chat.ModeLive:
				fmt.Println("-- you are now chatting with a human operator --")
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	fmt.Printf("session %s (ctrl-d to quit)\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/human" {
			switch err := ctrl.ConfirmEscalation(ctx); {
			case errors.Is(err, session.ErrNotSuggested):
				fmt.Println("-- no handoff has been suggested yet --")
			case errors.Is(err, session.ErrEscalationRouting):
				fmt.Println("-- could not reach an operator, try /human again --")
			case err != nil:
				return err
			}
			continue
		}
		msg, err := ctrl.HandleUserMessage(ctx, line)
		switch {
		case errors.Is(err, session.ErrSendFailed):
			fmt.Println("-- message failed to send --")
			continue
		case err != nil:
			return err
		}
		if msg.Role == chat.RoleAssistant {
			fmt.Printf("assistant: %s\n", msg.Content)
		}
	}
}
