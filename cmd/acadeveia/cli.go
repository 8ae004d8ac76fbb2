package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/acadeveia/server/internal/auth"
	"github.com/acadeveia/server/internal/chat"
	"github.com/acadeveia/server/internal/client"
	"github.com/acadeveia/server/internal/clientstate"
	"github.com/acadeveia/server/internal/model"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/google/uuid"
	"golang.org/x/term"
)

var (
	readCodeFunc = term.ReadPassword // mockable

	errHelp        = errors.New("help provided")
	errNotLoggedIn = errors.New("not logged in; run: acadeveia login -phone NUMBER")
)

type commandLine struct {
	state  *clientstate.FileStore
	server string
	in     io.Reader
	out    io.Writer

	outMu sync.Mutex
}

func (cli *commandLine) printUsage() {
	cli.printf("Usage:\n")
	cli.printf("  login -phone NUMBER [-type student|admin] [-server URL] - sign in with a one-time code\n")
	cli.printf("  logout                                                   - end the saved session\n")
	cli.printf("  whoami                                                   - show the signed-in user\n")
	cli.printf("  rooms                                                    - list your rooms\n")
	cli.printf("  create -name NAME [-type direct|group|class] -with IDS   - create a room with comma-separated user ids\n")
	cli.printf("  history -room ID [-limit N]                              - print recent messages\n")
	cli.printf("  chat -room ID                                            - join a room; /quit to leave\n")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	loginCmd := cli.flagSet("login")
	loginPhone := loginCmd.String("phone", "", "Phone number including country code, e.g. +919876543210")
	loginType := loginCmd.String("type", string(model.UserTypeStudent), "Account type: student or admin")
	loginServer := loginCmd.String("server", cli.server, "Server base URL")

	createCmd := cli.flagSet("create")
	createName := createCmd.String("name", "", "Room name")
	createType := createCmd.String("type", string(model.RoomTypeGroup), "Room type: direct, group or class")
	createWith := createCmd.String("with", "", "Comma-separated user ids to add")

	historyCmd := cli.flagSet("history")
	historyRoom := historyCmd.String("room", "", "Room id")
	historyLimit := historyCmd.Int("limit", 50, "Number of messages")

	chatCmd := cli.flagSet("chat")
	chatRoom := chatCmd.String("room", "", "Room id")

	switch args[1] {
	case "login":
		if err := loginCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *loginPhone == "" {
			loginCmd.Usage()
			return errHelp
		}
		return cli.login(ctx, *loginPhone, model.UserType(strings.ToLower(*loginType)), *loginServer)
	case "logout":
		return cli.logout(ctx)
	case "whoami":
		return cli.whoami(ctx)
	case "rooms":
		return cli.rooms(ctx)
	case "create":
		if err := createCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		if *createName == "" {
			createCmd.Usage()
			return errHelp
		}
		ids, err := parseUserIDs(*createWith)
		if err != nil {
			return err
		}
		return cli.create(ctx, *createName, model.RoomType(*createType), ids)
	case "history":
		if err := historyCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		roomID, err := uuid.Parse(*historyRoom)
		if err != nil {
			historyCmd.Usage()
			return errHelp
		}
		return cli.history(ctx, roomID, *historyLimit)
	case "chat":
		if err := chatCmd.Parse(args[2:]); err != nil {
			return errHelp
		}
		roomID, err := uuid.Parse(*chatRoom)
		if err != nil {
			chatCmd.Usage()
			return errHelp
		}
		return cli.chat(ctx, roomID)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func (cli *commandLine) login(ctx context.Context, phone string, userType model.UserType, server string) error {
	if err := auth.ValidateIdentity(phone, userType); err != nil {
		return err
	}

	api := client.NewAPI(server, nil)
	flow := client.NewOTPFlow(api)

	sent, err := flow.Send(ctx, phone, userType)
	if err != nil {
		return err
	}
	cli.printf("%s\n", sent.Message)
	if sent.DevOTP != "" {
		cli.printf("Dev mode code: %s\n", sent.DevOTP)
	}

	cli.printf("Enter OTP:")
	code, err := readCodeFunc(int(syscall.Stdin))
	cli.printf("\n")
	if err != nil {
		return err
	}
	if len(code) == 0 {
		return errHelp
	}

	session, err := flow.Verify(ctx, phone, strings.TrimSpace(string(code)), userType)
	if err != nil {
		return err
	}
	if err := cli.state.Save(clientstate.State{
		Token:        session.Token,
		UserType:     session.User.UserType,
		RefreshToken: session.RefreshToken,
		UserID:       session.User.ID,
		PhoneNumber:  auth.MaskPhone(phone),
		BaseURL:      server,
	}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	cli.printf("Logged in as %s (%s)\n", session.User.Name, session.User.UserType)
	return nil
}

func (cli *commandLine) logout(ctx context.Context) error {
	st, err := cli.state.Load()
	if err != nil {
		if errors.Is(err, clientstate.ErrNoSession) {
			return errNotLoggedIn
		}
		return err
	}
	if st.RefreshToken != "" {
		// the server may already have revoked it; the local session goes either way
		if err := cli.apiFor(st).Logout(ctx, st.RefreshToken); err != nil {
			cli.printf("Server logout failed: %v\n", err)
		}
	}
	if err := cli.state.Clear(); err != nil {
		return err
	}
	cli.printf("Logged out\n")
	return nil
}

func (cli *commandLine) whoami(ctx context.Context) error {
	var me *client.User
	err := cli.withSession(ctx, func(api *client.API) error {
		var err error
		me, err = api.Me(ctx)
		return err
	})
	if err != nil {
		return err
	}
	cli.printf("%s\t%s\t%s\t%s\n", me.ID, me.Name, me.PhoneNumber, me.UserType)
	return nil
}

func (cli *commandLine) rooms(ctx context.Context) error {
	store := chat.NewStore(0)
	if err := cli.withSession(ctx, func(api *client.API) error {
		return client.Resync(ctx, api, store)
	}); err != nil {
		return err
	}

	cli.outMu.Lock()
	defer cli.outMu.Unlock()
	tw := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tUNREAD\tLAST MESSAGE")
	for _, r := range store.Rooms() {
		last := ""
		if r.LastMessage != nil {
			last = r.LastMessage.SenderName + ": " + r.LastMessage.Content
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Type, r.UnreadCount, last)
	}
	return tw.Flush()
}

func (cli *commandLine) create(ctx context.Context, name string, roomType model.RoomType, with []uuid.UUID) error {
	var room *realtime.RoomPayload
	err := cli.withSession(ctx, func(api *client.API) error {
		var err error
		room, err = api.CreateRoom(ctx, name, roomType, with)
		return err
	})
	if err != nil {
		return err
	}
	cli.printf("Created %s room %q: %s\n", room.Type, room.Name, room.ID)
	return nil
}

func (cli *commandLine) history(ctx context.Context, roomID uuid.UUID, limit int) error {
	store := chat.NewStore(0)
	if err := cli.withSession(ctx, func(api *client.API) error {
		return client.LoadHistory(ctx, api, store, roomID, limit)
	}); err != nil {
		return err
	}
	for _, m := range store.Messages(roomID) {
		cli.printMessage(m)
	}
	return nil
}

func (cli *commandLine) chat(ctx context.Context, roomID uuid.UUID) error {
	st, err := cli.state.Load()
	if err != nil {
		if errors.Is(err, clientstate.ErrNoSession) {
			return errNotLoggedIn
		}
		return err
	}
	api := cli.apiFor(st)
	store := chat.NewStore(0)

	if err := cli.retryWithRefresh(ctx, api, &st, func() error {
		if err := client.Resync(ctx, api, store); err != nil {
			return err
		}
		return client.LoadHistory(ctx, api, store, roomID, 50)
	}); err != nil {
		return err
	}
	room, ok := store.Room(roomID)
	if !ok {
		return fmt.Errorf("room %s not found", roomID)
	}

	wsURL, err := api.WebSocketURL()
	if err != nil {
		return err
	}
	sock, err := client.Dial(ctx, wsURL, api.Token(), store)
	if err != nil {
		return err
	}
	defer sock.Close()

	sock.Dispatcher().OnError(func(p realtime.ErrorPayload) {
		cli.printf("! %s\n", p.Message)
	})
	sock.Dispatcher().OnNotification(func(id uuid.UUID, n realtime.NotificationPayload) {
		if id != roomID {
			cli.printf("* %s (other room): %s\n", n.Title, n.Content)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := sock.Run(runCtx); err != nil {
			cli.printf("Connection lost: %v\n", err)
		}
		cancel()
	}()

	cli.printf("-- %s (%s), /quit to leave --\n", room.Name, room.Type)
	msgs := store.Messages(roomID)
	for _, m := range msgs {
		cli.printMessage(m)
	}
	printed := len(msgs)

	snaps, unsubscribe := store.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case snap, ok := <-snaps:
				if !ok {
					return
				}
				list := snap.Messages[roomID]
				for ; printed < len(list); printed++ {
					cli.printMessage(list[printed])
				}
			}
		}
	}()

	if err := sock.JoinRoom(roomID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cli.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case line, ok := <-lines:
			text := strings.TrimSpace(line)
			if !ok || text == "/quit" {
				return sock.LeaveRoom(roomID)
			}
			if text == "" {
				continue
			}
			if err := sock.SendMessage(roomID, text); err != nil {
				return err
			}
		}
	}
}

// withSession runs fn with an authenticated client, refreshing the access token once on a 401
func (cli *commandLine) withSession(ctx context.Context, fn func(api *client.API) error) error {
	st, err := cli.state.Load()
	if err != nil {
		if errors.Is(err, clientstate.ErrNoSession) {
			return errNotLoggedIn
		}
		return err
	}
	api := cli.apiFor(st)
	return cli.retryWithRefresh(ctx, api, &st, func() error { return fn(api) })
}

func (cli *commandLine) retryWithRefresh(ctx context.Context, api *client.API, st *clientstate.State, fn func() error) error {
	err := fn()
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || st.RefreshToken == "" {
		return err
	}

	session, rerr := api.Refresh(ctx, st.RefreshToken)
	if rerr != nil {
		_ = cli.state.Clear()
		return errNotLoggedIn
	}
	st.Token = session.Token
	st.RefreshToken = session.RefreshToken
	if err := cli.state.Save(*st); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	api.SetToken(session.Token)
	return fn()
}

func (cli *commandLine) apiFor(st clientstate.State) *client.API {
	base := st.BaseURL
	if base == "" {
		base = cli.server
	}
	api := client.NewAPI(base, nil)
	api.SetToken(st.Token)
	return api
}

func (cli *commandLine) printMessage(m chat.Message) {
	body := m.Content
	if m.FileURL != "" {
		body = strings.TrimSpace(body + " [" + string(m.Type) + ": " + m.FileURL + "]")
	}
	cli.printf("[%s] %s: %s\n", m.Timestamp.Local().Format("15:04"), m.SenderName, body)
}

func (cli *commandLine) printf(format string, args ...interface{}) {
	cli.outMu.Lock()
	defer cli.outMu.Unlock()
	fmt.Fprintf(cli.out, format, args...)
}

func parseUserIDs(s string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
