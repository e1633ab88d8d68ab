// Command listener connects to a hub as a client, prints every
// notification it receives and acknowledges it.
package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"server-hub/domain"
	"server-hub/domain/event"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	URL    string `envconfig:"HUB_URL" default:"ws://localhost:8080/ws"`
	Token  string `envconfig:"HUB_TOKEN" required:"true"`
	Scopes string `envconfig:"HUB_SCOPES"`
	// HUB_AFTER replays from an explicit cursor instead of the stored watermark
	After   string `envconfig:"HUB_AFTER"`
	AutoAck bool   `envconfig:"HUB_AUTO_ACK" default:"true"`
	Colours bool   `envconfig:"HUB_COLOURS" default:"true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Listener terminated with error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	endpoint, err := dialURL(config)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", config.URL, err)
	}
	defer conn.Close()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}()

	fmt.Println(header("Listening on "+config.URL, config.Colours))
	for {
		var frame event.ServerFrame
		if err = conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if frame.Error != "" {
			fmt.Println(failure(frame.Error, config.Colours))
			continue
		}
		if frame.Notification == nil {
			continue
		}
		fmt.Println(render(*frame.Notification, config.Colours))
		if config.AutoAck {
			seq := frame.Notification.Seq
			if err = conn.WriteJSON(event.ClientFrame{Acknowledge: &seq}); err != nil {
				return err
			}
		}
	}
}

func dialURL(config Config) (string, error) {
	endpoint, err := url.Parse(config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid HUB_URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("token", config.Token)
	if scopes := domain.ParseScopes(config.Scopes); len(scopes) > 0 {
		raw := make([]string, len(scopes))
		for i, scope := range scopes {
			raw[i] = string(scope)
		}
		query.Set("scopes", strings.Join(raw, ","))
	}
	if config.After != "" {
		query.Set("after", config.After)
	}
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), nil
}

func header(text string, colours bool) string {
	text = fmt.Sprintf("  ====== %s ======", text)
	if colours {
		return color.New(color.BgBlack, color.FgGreen).Render(text)
	}
	return text
}

func failure(text string, colours bool) string {
	if colours {
		return color.FgRed.Render("error: " + text)
	}
	return "error: " + text
}

func render(record domain.NotificationRecord, colours bool) string {
	scope := "direct"
	if record.HasScope() {
		scope = string(*record.Scope)
	}
	heading := record.Heading
	if colours {
		heading = color.Bold.Render(heading)
		scope = color.FgCyan.Render(scope)
	}
	line := fmt.Sprintf("#%d [%s] %s: %s", record.Seq, scope, heading, record.Message)
	if record.Link != nil {
		line += " (" + *record.Link + ")"
	}
	return line
}
