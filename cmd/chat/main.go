package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stay_booking/internal/backend"
	"stay_booking/internal/backend/memory"
	"stay_booking/internal/backend/remote"
	"stay_booking/internal/chat"
	"stay_booking/internal/config"
	"stay_booking/internal/domain"
	"stay_booking/internal/inbox"
	"stay_booking/internal/realtime"
	"stay_booking/pkg/logger"
)

const demoHostID = "demo-host"

// chat [conversation-id]
//
// Показывает инбокс пользователя CLIENT_USER_ID; если передан id диалога,
// открывает его ленту и отправляет каждую строку stdin как текстовое сообщение.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appLogger := logger.NewWithWriter(os.Stderr, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	userID := cfg.Client.UserID
	conversationID := ""
	if len(os.Args) > 1 {
		conversationID = os.Args[1]
	}

	var b backend.Backend
	switch cfg.Client.Backend {
	case config.ClientBackendMemory:
		if userID == "" {
			userID = "demo-guest"
		}
		demo, demoConversation := newDemoBackend(ctx, userID, appLogger)
		if conversationID == "" {
			conversationID = demoConversation
		}
		b = demo
	default:
		if cfg.Client.Token == "" {
			appLogger.Fatal("CLIENT_TOKEN is required for the remote backend")
		}
		b = remote.New(cfg.Client.APIURL, cfg.Client.Token, cfg.Client.RequestTimeout, appLogger)
	}

	conversations := inbox.NewStore(b, appLogger, inbox.Options{RefreshTimeout: cfg.Client.RequestTimeout})
	if err := conversations.Open(ctx, userID); err != nil {
		appLogger.Error("Failed to load conversations", "error", err)
	}
	defer conversations.Close()

	var stream *chat.Stream
	var streamUpdates <-chan struct{}
	if conversationID != "" {
		stream = chat.NewStream(b, appLogger, chat.Options{AckTimeout: cfg.Client.AckTimeout, ResyncTimeout: cfg.Client.RequestTimeout})
		if err := stream.Open(ctx, conversationID, userID); err != nil {
			appLogger.Error("Failed to open conversation", "error", err, "conversation_id", conversationID)
		}
		defer stream.Close()
		streamUpdates = stream.Updates()
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	printInbox(conversations.Snapshot())
	if stream != nil {
		printStream(stream.Snapshot(), userID)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-conversations.Updates():
			printInbox(conversations.Snapshot())
		case <-streamUpdates:
			printStream(stream.Snapshot(), userID)
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			switch {
			case line == "/refresh":
				if _, err := conversations.Refresh(ctx); err != nil {
					appLogger.Warn("Refresh failed", "error", err)
				}
			case stream == nil:
				fmt.Println("no conversation open: pass its id as the first argument")
			default:
				sendCtx, cancel := context.WithTimeout(ctx, cfg.Client.RequestTimeout)
				if _, err := stream.Send(sendCtx, domain.TextContent(line)); err != nil {
					appLogger.Warn("Message not sent", "error", err)
				}
				cancel()
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func printInbox(s inbox.Snapshot) {
	fmt.Println("== inbox ==")
	if s.Error != "" {
		fmt.Println("! " + s.Error)
	}
	for _, c := range s.Conversations {
		mark := " "
		if c.IsUnread {
			mark = "*"
		}
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Preview()
		}
		fmt.Printf("%s %s  %-16s %s\n", mark, c.ID, c.OtherParticipantName, preview)
	}
}

func printStream(s chat.Snapshot, userID string) {
	fmt.Printf("== %s [%s] ==\n", s.ConversationID, s.State)
	if s.Error != "" {
		fmt.Println("! " + s.Error)
	}
	for _, m := range s.Messages {
		fmt.Println(messageLine(m, userID))
	}
}

// messageLine - строка ленты: время, автор, превью и пометка статуса
func messageLine(m domain.Message, userID string) string {
	who := "system"
	switch {
	case m.SentBy(userID):
		who = "me"
	case m.SenderID != nil:
		who = *m.SenderID
	}
	status := ""
	switch {
	case m.Pending:
		status = " (sending)"
	case m.IsEdited():
		status = " (edited)"
	}
	return fmt.Sprintf("%s %-10s %s%s", m.CreatedAt.Local().Format("15:04:05"), who, m.Content.Preview(), status)
}

// newDemoBackend поднимает бэкенд в памяти с одним диалогом и хостом,
// который отвечает на каждое сообщение гостя
func newDemoBackend(ctx context.Context, userID string, log logger.Logger) (*memory.Backend, string) {
	b := memory.New(realtime.NewMemoryBroker(), log)
	id := b.CreateConversation("demo-property",
		memory.Participant{ID: userID, Name: "You"},
		memory.Participant{ID: demoHostID, Name: "Demo Host"})

	_, _ = b.InsertSystemMessage(ctx, id, domain.SystemContent("booking.confirmed", map[string]interface{}{"nights": 3}))
	_, _ = b.InsertMessage(ctx, domain.MessageDraft{
		ConversationID: id,
		SenderID:       demoHostID,
		Content:        domain.TextContent("Welcome! Let me know if you have any questions."),
	})

	_, err := b.Subscribe(ctx, realtime.ConversationTopic(id), func(ev realtime.Event) {
		if ev.Type != realtime.EventMessageInserted || ev.Message == nil || !ev.Message.SentBy(userID) {
			return
		}
		go func(text string) {
			time.Sleep(700 * time.Millisecond)
			if _, err := b.InsertMessage(ctx, domain.MessageDraft{
				ConversationID: id,
				SenderID:       demoHostID,
				Content:        domain.TextContent("Got it: " + text),
			}); err != nil {
				log.Warn("Demo host reply failed", "error", err)
			}
		}(ev.Message.Content.Preview())
	})
	if err != nil {
		log.Warn("Demo host is offline", "error", err)
	}
	return b, id
}
