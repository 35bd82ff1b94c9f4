// Command chime is a line-oriented terminal client for the Chime server. It
// exists to exercise the full signaling surface (messaging, presence, calls)
// without a graphical frontend.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/finnweber/chime/pkg/call"
	"github.com/finnweber/chime/pkg/client"
	"github.com/finnweber/chime/pkg/logging"
	"github.com/finnweber/chime/pkg/model"
	"github.com/finnweber/chime/pkg/protocol"
	"github.com/finnweber/chime/pkg/version"
)

func main() {
	settings := client.LoadSettings()

	serverURL := flag.String("server", settings.ServerURL, "Chime server base URL")
	username := flag.String("user", settings.Username, "Username to log in as")
	password := flag.String("pass", "", "Password (prompts are not supported; pass via flag or env CHIME_PASSWORD)")
	register := flag.Bool("register", false, "Create the account before logging in")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	level := "warn"
	if v := os.Getenv("CHIME_LOG_LEVEL"); v != "" {
		level = v
	}
	_ = logging.Setup(logging.Options{Level: level, Output: os.Stderr})

	if *password == "" {
		*password = os.Getenv("CHIME_PASSWORD")
	}
	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: chime -server URL -user NAME -pass SECRET [-register]")
		os.Exit(2)
	}

	settings.ServerURL = strings.TrimSuffix(*serverURL, "/")
	settings.Username = *username

	if *register {
		if err := doRegister(settings.ServerURL, *username, *password); err != nil {
			fmt.Fprintf(os.Stderr, "register: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("account created")
	}

	token, err := doLogin(settings.ServerURL, *username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}
	settings.Token = token
	if err := settings.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "save settings: %v\n", err)
	}

	engine := client.NewEngine(client.Options{})
	wireCallbacks(engine)

	if err := engine.Connect(settings.SignalingURL(), token); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected as %s (%s)\n", *username, engine.UserID())
	fmt.Println(`commands: msg USER TEXT | call USER [video] | accept | reject | hangup | mute | video | status USER | quit`)

	repl(engine)
	engine.Disconnect()
}

func wireCallbacks(engine *client.Engine) {
	engine.OnMessage = func(msg model.Message, senderName string) {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), senderName, msg.Content)
	}
	engine.OnMessageSent = func(msg model.Message, _ string) {
		fmt.Printf("  -> delivered %s\n", msg.ID)
	}
	engine.OnMessageError = func(code int, message, _ string) {
		fmt.Printf("  -> send failed (%d): %s\n", code, message)
	}
	engine.OnTyping = func(userID string, typing bool) {
		if typing {
			fmt.Printf("  %s is typing...\n", userID)
		}
	}
	engine.OnUserStatus = func(status model.PresenceStatus) {
		if status.Online {
			fmt.Printf("  %s is online\n", status.UserID)
			return
		}
		last := "unknown"
		if status.LastSeenAt != nil {
			last = status.LastSeenAt.Format(time.RFC822)
		}
		fmt.Printf("  %s is offline, last seen %s\n", status.UserID, last)
	}
	engine.OnCallState = func(snap call.Snapshot) {
		switch {
		case snap.IsIncoming:
			fmt.Printf("  incoming %s call from %s (accept/reject)\n", snap.Call.Type, snap.Call.CallerID)
		case snap.IsOutgoing:
			fmt.Printf("  ringing %s...\n", snap.Call.ReceiverID)
		case snap.IsConnected:
			fmt.Println("  call connected")
		case snap.Call == nil:
			fmt.Println("  call ended")
		}
	}
	engine.OnError = func(code int, message string) {
		fmt.Printf("  server error (%d): %s\n", code, message)
	}
	engine.OnDisconnect = func(reason string) {
		fmt.Printf("disconnected: %s\n", reason)
		os.Exit(0)
	}
}

func repl(engine *client.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); sc.Scan(); fmt.Print("> ") {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		var err error
		switch cmd {
		case "msg":
			if len(args) < 2 {
				err = fmt.Errorf("usage: msg USER TEXT")
				break
			}
			err = engine.SendMessage(args[0], strings.Join(args[1:], " "), model.MessageText, "")
		case "call":
			if len(args) < 1 {
				err = fmt.Errorf("usage: call USER [video]")
				break
			}
			callType := protocol.CallVoice
			if len(args) > 1 && args[1] == "video" {
				callType = protocol.CallVideo
			}
			err = engine.Call(context.Background(), args[0], callType)
		case "accept":
			err = engine.AcceptCall(context.Background())
		case "reject":
			engine.RejectCall("declined")
		case "hangup":
			engine.HangupCall()
		case "mute":
			fmt.Printf("  muted: %v\n", engine.ToggleMute())
		case "video":
			fmt.Printf("  video: %v\n", engine.ToggleVideo())
		case "status":
			if len(args) != 1 {
				err = fmt.Errorf("usage: status USER")
				break
			}
			err = engine.RequestStatus(args[0])
		case "quit", "exit":
			return
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}
		if err != nil {
			fmt.Printf("  error: %v\n", err)
		}
	}
}

// ----- REST helpers -----

func doRegister(baseURL, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	resp, err := postJSON(baseURL+"/api/register", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	return nil
}

func doLogin(baseURL, username, password string) (string, error) {
	body := map[string]string{"username": username, "password": password}
	resp, err := postJSON(baseURL+"/api/login", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return out.Token, nil
}

func postJSON(url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: 10 * time.Second}
	return c.Post(url, "application/json", bytes.NewReader(data))
}

func apiError(resp *http.Response) error {
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", out.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
