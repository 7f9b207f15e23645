package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"livechat/internal/client"
	"livechat/internal/models"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", getEnv("CHAT_SERVER", "http://localhost:8080"), "chat service base URL")
	email := flag.String("email", os.Getenv("CHAT_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("CHAT_PASSWORD"), "account password")
	flag.Parse()

	if *email == "" || *password == "" {
		log.Fatal("email and password are required (flags or CHAT_EMAIL/CHAT_PASSWORD)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPI(*server)
	auth, err := api.SignIn(ctx, *email, *password)
	if err != nil {
		log.Fatalf("sign in failed: %v", err)
	}
	users, err := api.ListUsers(ctx, auth.Token)
	if err != nil {
		log.Fatalf("load users failed: %v", err)
	}

	out := bufio.NewWriter(os.Stdout)
	rec := client.NewReconciler(auth.User.ID, client.Options{
		Notify: func(m models.Message) {
			fmt.Fprint(out, "\a")
			printEntry(out, auth.User.ID, client.Entry{Message: m})
			out.Flush()
		},
	})
	rec.Roster().Load(users)

	session := client.NewSession(client.Config{URL: api.WebSocketURL(), Token: auth.Token}, rec)
	if err := session.Connect(ctx); err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("session ended: %v", err)
		}
		stop()
	}()
	go func() {
		for err := range session.Errors() {
			fmt.Fprintf(out, "! %v\n", err)
			out.Flush()
		}
	}()

	fmt.Fprintf(out, "signed in as %s (#%d). /users, /open <id>, /status <text>, /quit\n", auth.User.Name, auth.User.ID)
	printUsers(out, rec.Roster().Users())
	out.Flush()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = session.Close()
			return
		case line, ok := <-lines:
			if !ok {
				_ = session.Close()
				return
			}
			if quit := handleLine(ctx, out, session, strings.TrimSpace(line)); quit {
				_ = session.Close()
				return
			}
			out.Flush()
		}
	}
}

func handleLine(ctx context.Context, out *bufio.Writer, session *client.Session, line string) bool {
	rec := session.Reconciler()
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/users":
		printUsers(out, rec.Roster().Users())
	case strings.HasPrefix(line, "/open "):
		peer, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		if err != nil {
			fmt.Fprintln(out, "! usage: /open <user id>")
			return false
		}
		if err := session.SelectPeer(reqCtx, peer); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			return false
		}
		name := strconv.Itoa(peer)
		if u, ok := rec.Roster().Get(peer); ok {
			name = u.Name
		}
		fmt.Fprintf(out, "--- conversation with %s ---\n", name)
		for _, e := range rec.Messages() {
			printEntry(out, rec.Self(), e)
		}
	case strings.HasPrefix(line, "/status "):
		if err := session.UpdateStatus(strings.TrimSpace(strings.TrimPrefix(line, "/status "))); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	case strings.HasPrefix(line, "/"):
		fmt.Fprintf(out, "! unknown command %s\n", line)
	default:
		if err := session.Send(reqCtx, line); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
	return false
}

func printUsers(out *bufio.Writer, users []models.UserSummary) {
	for _, u := range users {
		fmt.Fprintf(out, "  #%d %s <%s> [%s]\n", u.ID, u.Name, u.Email, u.Status)
	}
}

func printEntry(out *bufio.Writer, self int, e client.Entry) {
	who := "them"
	if e.SenderID == self {
		who = "me"
	}
	stamp := "sending"
	if !e.Pending {
		stamp = e.CreatedAt.Local().Format("15:04")
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", stamp, who, e.Content)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}
