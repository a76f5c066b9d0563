package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/ephone/linkchat/internal/client"
	"github.com/ephone/linkchat/pkg/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var opts client.Options
	if _, err := env.UnmarshalFromEnviron(&opts); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if opts.ServerURL == "" {
		opts.ServerURL = "ws://localhost:8080/"
	}

	args := os.Args[1:]
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <identity> [display-name]", os.Args[0])
	}
	profile := client.Profile{Identity: args[0], DisplayName: args[0]}
	if len(args) > 1 {
		profile.DisplayName = args[1]
	}
	if !protocol.ValidIdentity(profile.Identity) {
		return fmt.Errorf("identity must be 3-20 characters of a-z, A-Z, 0-9 or _")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := client.OpenStore(opts.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	chat := client.NewChatState(store, log)
	chat.SetCallbacks(
		func(msg client.Message, c client.Chat) {
			who := msg.SenderIdentity
			if msg.Outgoing {
				who = "me"
			}
			fmt.Printf("[%s] %s: %s\n", c.DisplayName, who, msg.Content)
		},
		func(title, body, _ string) {
			fmt.Printf("*** %s: %s\n", title, body)
		},
	)

	handlers := client.Handlers{
		OnStateChange: func(s client.State) {
			fmt.Printf("--- %s\n", s)
		},
		OnSearchResult: func(res protocol.SearchResult) {
			if res.Found {
				fmt.Printf("found %s (%s)\n", res.Identity, res.DisplayName)
			} else {
				fmt.Printf("%s is not online\n", res.Identity)
			}
		},
		OnOperationError: func(reason string) {
			fmt.Printf("!!! %s\n", reason)
		},
	}

	m := client.NewManager(opts, log, chat, handlers)
	if err := m.Connect(profile); err != nil {
		return err
	}
	defer m.Close()

	fmt.Println("commands: /search /add /requests /accept /reject /friends /msg /group /gmsg /invite /leave /chats /open /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		if err := execute(m, chat, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

func execute(m *client.Manager, chat *client.ChatState, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/search":
		return m.SearchUser(rest)

	case "/add":
		return m.SendFriendRequest(rest)

	case "/requests":
		for i, req := range chat.Requests() {
			fmt.Printf("%d: %s (%s)\n", i, req.DisplayName, req.Identity)
		}
		return nil

	case "/accept", "/reject":
		index, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("%s takes a request number", cmd)
		}
		if cmd == "/accept" {
			return m.AcceptFriendRequest(index)
		}
		return m.RejectFriendRequest(index)

	case "/friends":
		for _, f := range chat.Friends() {
			fmt.Printf("%s (%s)\n", f.DisplayName, f.Identity)
		}
		return nil

	case "/msg":
		to, content, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("/msg <identity> <text>")
		}
		return m.SendDirect(to, content)

	case "/group":
		name, rest, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("/group <name> <identity>...")
		}
		var members []protocol.Member
		for _, id := range strings.Fields(rest) {
			members = append(members, protocol.Member{Identity: id, DisplayName: id})
		}
		groupID, err := m.CreateGroup(name, members)
		if err != nil {
			return err
		}
		fmt.Printf("created group %s (%s)\n", name, groupID)
		return nil

	case "/gmsg":
		groupID, content, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("/gmsg <group-id> <text>")
		}
		return m.SendGroupMessage(groupID, content)

	case "/invite":
		groupID, id, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("/invite <group-id> <identity>")
		}
		return m.InviteToGroup(groupID, []protocol.Member{{Identity: id, DisplayName: id}})

	case "/leave":
		return m.LeaveGroup(rest)

	case "/chats":
		for _, c := range chat.Chats() {
			marker := ""
			if c.Unread > 0 {
				marker = fmt.Sprintf(" (%d unread)", c.Unread)
			}
			fmt.Printf("%s [%s]%s: %s\n", c.DisplayName, c.ID, marker, c.LastSummary)
		}
		return nil

	case "/open":
		if rest == "" {
			chat.CloseChat()
			return nil
		}
		c, ok := chat.Chat(rest)
		if !ok {
			return fmt.Errorf("no chat %q", rest)
		}
		chat.OpenChat(rest)
		for _, msg := range c.Log {
			who := msg.SenderIdentity
			if msg.Outgoing {
				who = "me"
			}
			fmt.Printf("%s: %s\n", who, msg.Content)
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
